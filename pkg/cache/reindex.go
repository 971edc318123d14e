package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clef/pkg/storage/db"
)

// Reindexer registers tarballs present in the cache directory but missing
// from the database, e.g. files restored from a backup or dropped in out of
// band. It runs a full scan on startup and then watches the tree for new
// files.
type Reindexer struct {
	cache       *Cache
	store       *db.Store
	upstreamURL string
	log         *logrus.Entry
}

// NewReindexer creates a reindexer over the cache. upstreamURL is the base
// of the upstream registry, used to synthesize the upstream_url column for
// adopted files.
func NewReindexer(c *Cache, store *db.Store, upstreamURL string, log *logrus.Logger) *Reindexer {
	return &Reindexer{
		cache:       c,
		store:       store,
		upstreamURL: strings.TrimSuffix(upstreamURL, "/"),
		log:         log.WithField("component", "reindexer"),
	}
}

// Scan walks the packages tree and registers every tarball without a
// database record. Individual failures are logged and skipped.
func (r *Reindexer) Scan(ctx context.Context) error {
	if !r.cache.Enabled() {
		return nil
	}
	root := filepath.Join(r.cache.Dir(), packagesSubdir)

	var adopted int
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".tgz") {
			return nil
		}
		if r.adopt(ctx, path) {
			adopted++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if adopted > 0 {
		r.log.WithField("count", adopted).Info("adopted unregistered tarballs")
	}
	return nil
}

// Watch follows filesystem events under the packages tree until the context
// is cancelled, adopting tarballs as they appear. New package directories
// are added to the watch as they are created.
func (r *Reindexer) Watch(ctx context.Context) error {
	if !r.cache.Enabled() {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	root := filepath.Join(r.cache.Dir(), packagesSubdir)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := watcher.Add(event.Name); err != nil {
					r.log.WithError(err).WithField("dir", event.Name).Warn("failed to watch new directory")
				}
				continue
			}
			if strings.HasSuffix(event.Name, ".tgz") {
				r.adopt(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.WithError(err).Warn("watcher error")
		}
	}
}

// adopt registers a single tarball when it has no database record yet.
func (r *Reindexer) adopt(ctx context.Context, path string) bool {
	packageName, filename, ok := r.splitCachePath(path)
	if !ok {
		return false
	}

	_, err := r.store.GetFile(ctx, packageName, filename)
	if err == nil {
		return false
	}
	if !errors.Is(err, db.ErrNotFound) {
		r.log.WithError(err).WithField("file", filename).Warn("failed to look up tarball record")
		return false
	}

	version := ExtractVersionFromFilename(packageName, filename)
	if version == "" {
		r.log.WithFields(logrus.Fields{
			"package": packageName,
			"file":    filename,
		}).Warn("cannot derive version from filename, skipping")
		return false
	}

	upstreamURL := r.upstreamURL + "/" + packageName + "/-/" + filename
	if _, err := r.cache.RegisterTarball(ctx, packageName, version, filename, upstreamURL); err != nil {
		r.log.WithError(err).WithField("file", filename).Warn("failed to adopt tarball")
		return false
	}

	r.log.WithFields(logrus.Fields{
		"package": packageName,
		"version": version,
		"file":    filename,
	}).Info("adopted tarball")
	return true
}

// splitCachePath maps an absolute cache path back to (package, filename).
func (r *Reindexer) splitCachePath(path string) (packageName, filename string, ok bool) {
	root := filepath.Join(r.cache.Dir(), packagesSubdir)
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	rel = filepath.ToSlash(rel)

	idx := strings.LastIndex(rel, "/")
	if idx <= 0 {
		return "", "", false
	}
	return rel[:idx], rel[idx+1:], true
}

// ExtractVersionFromFilename derives the version from a tarball filename of
// the form <base>-<version>.tgz, where base is the package's own name (its
// basename for scoped packages). Filenames with any other shape yield "".
func ExtractVersionFromFilename(packageName, filename string) string {
	base := packageName
	if idx := strings.LastIndex(packageName, "/"); idx >= 0 {
		base = packageName[idx+1:]
	}

	prefix := base + "-"
	if !strings.HasPrefix(filename, prefix) || !strings.HasSuffix(filename, ".tgz") {
		return ""
	}
	version := strings.TrimSuffix(strings.TrimPrefix(filename, prefix), ".tgz")
	if version == "" {
		return ""
	}
	return version
}
