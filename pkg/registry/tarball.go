package registry

import (
	"context"
	"errors"

	"github.com/platinummonkey/clef/pkg/apierrors"
	"github.com/platinummonkey/clef/pkg/cache"
	"github.com/platinummonkey/clef/pkg/storage/db"
)

// GetTarball serves tarball bytes, preferring the cache and falling back to
// upstream. Fetched tarballs are stored before being returned; tarballs are
// kept forever once cached.
func (s *Service) GetTarball(ctx context.Context, packageName, filename string, userID *int64) ([]byte, error) {
	if err := s.authorizeRead(ctx, packageName, userID); err != nil {
		return nil, err
	}

	data, _, found, err := s.cache.GetTarball(ctx, packageName, filename)
	if err != nil {
		s.logger.WithError(err).WithField("package", packageName).Warn("tarball cache read failed")
	}
	if found {
		s.cache.RecordHit("tarball")
		s.serveObserved(len(data))
		return data, nil
	}

	data, etag, err := s.client.FetchTarball(ctx, packageName, filename)
	if err != nil {
		return nil, err
	}
	s.cache.RecordMiss("tarball")

	version := cache.ExtractVersionFromFilename(packageName, filename)
	if version == "" {
		version = s.lookupVersionForFile(ctx, packageName, filename)
	}

	if err := s.cache.PutTarball(ctx, packageName, version, filename, data, etag,
		s.client.TarballURL(packageName, filename)); err != nil {
		s.logger.WithError(err).WithField("package", packageName).Warn("failed to cache tarball")
	}

	s.serveObserved(len(data))
	return data, nil
}

// HeadTarball reports whether a tarball is available and its size, without
// touching the hit/miss counters. Unknown files are checked upstream with a
// HEAD request before giving up.
func (s *Service) HeadTarball(ctx context.Context, packageName, filename string, userID *int64) (bool, int64, error) {
	if err := s.authorizeRead(ctx, packageName, userID); err != nil {
		return false, 0, err
	}

	if ok, size := s.cache.HasTarball(packageName, filename); ok {
		return true, size, nil
	}

	rec, err := s.store.GetFile(ctx, packageName, filename)
	if err == nil {
		return true, rec.File.SizeBytes, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return false, 0, apierrors.Database(err, "failed to look up %s", filename)
	}

	return s.client.HeadTarball(ctx, packageName, filename)
}

// lookupVersionForFile resolves a version for filenames that do not follow
// the <name>-<version>.tgz convention, via the file row when one exists.
func (s *Service) lookupVersionForFile(ctx context.Context, packageName, filename string) string {
	if rec, err := s.store.GetFile(ctx, packageName, filename); err == nil {
		return rec.Version.Version
	}
	return "unknown"
}

func (s *Service) serveObserved(size int) {
	if s.metrics != nil {
		s.metrics.TarballBytesServed.Add(float64(size))
	}
}
