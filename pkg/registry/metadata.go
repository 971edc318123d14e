package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/platinummonkey/clef/pkg/apierrors"
	"github.com/platinummonkey/clef/pkg/storage/db"
)

// GetPackageMetadata returns the full metadata document for a package.
// reqScheme and reqHost come from the incoming request and are the target
// of tarball URL rewriting.
func (s *Service) GetPackageMetadata(ctx context.Context, packageName, reqScheme, reqHost string, userID *int64) ([]byte, error) {
	if err := s.authorizeRead(ctx, packageName, userID); err != nil {
		return nil, err
	}

	// Composed docs are written back with the overlay bit set and are
	// exempt from TTL expiry, so published packages are served from here
	// until a publish invalidates them.
	if doc, found, err := s.cache.GetMetadata(ctx, packageName); err != nil {
		s.logger.WithError(err).WithField("package", packageName).Warn("metadata cache read failed")
	} else if found {
		s.cache.RecordHit("metadata")
		return doc, nil
	}

	published, err := s.store.PackagePublished(ctx, packageName)
	if err != nil {
		return nil, apierrors.Database(err, "failed to check local versions of %s", packageName)
	}
	if published {
		doc, err := s.composeLocal(ctx, packageName, reqScheme, reqHost)
		if err != nil {
			return nil, err
		}
		if err := s.cache.PutMetadata(ctx, packageName, doc, "", true); err != nil {
			s.logger.WithError(err).WithField("package", packageName).Warn("failed to cache composed metadata")
		}
		s.cache.RecordMiss("metadata")
		return doc, nil
	}

	etag := s.cache.GetMetadataETag(packageName)
	result, err := s.client.FetchMetadata(ctx, packageName, etag)
	if err != nil {
		return nil, err
	}

	if result.NotModified {
		doc, err := s.cache.ReadMetadataRaw(packageName)
		if err != nil {
			// The sidecar outlived the doc; refetch unconditionally.
			result, err = s.client.FetchMetadata(ctx, packageName, "")
			if err != nil {
				return nil, err
			}
		} else {
			// Revalidated: rewrite the clock by storing the doc again.
			if err := s.cache.PutMetadata(ctx, packageName, doc, etag, false); err != nil {
				s.logger.WithError(err).WithField("package", packageName).Warn("failed to refresh metadata TTL")
			}
			s.cache.RecordHit("metadata")
			return doc, nil
		}
	}

	rewritten, err := s.rewriteUpstreamDoc(ctx, packageName, result.Doc, reqScheme, reqHost)
	if err != nil {
		return nil, err
	}

	if err := s.cache.PutMetadata(ctx, packageName, rewritten, result.ETag, false); err != nil {
		s.logger.WithError(err).WithField("package", packageName).Warn("failed to cache metadata")
	}
	s.cache.RecordMiss("metadata")

	return rewritten, nil
}

// GetVersionMetadata returns a single version's document. Locally published
// versions are served from the stored manifest; everything else is proxied
// upstream without caching.
func (s *Service) GetVersionMetadata(ctx context.Context, packageName, version, reqScheme, reqHost string, userID *int64) ([]byte, error) {
	if err := s.authorizeRead(ctx, packageName, userID); err != nil {
		return nil, err
	}

	published, err := s.store.PackagePublished(ctx, packageName)
	if err != nil {
		return nil, apierrors.Database(err, "failed to check local versions of %s", packageName)
	}
	if published {
		if doc, err := s.localVersionDoc(ctx, packageName, version, reqScheme, reqHost); err == nil {
			return doc, nil
		}
		// Fall through: the requested version may only exist upstream.
	}

	return s.client.FetchVersionMetadata(ctx, packageName, version)
}

func (s *Service) localVersionDoc(ctx context.Context, packageName, version, reqScheme, reqHost string) ([]byte, error) {
	pkg, err := s.store.GetPackageByName(ctx, packageName)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetVersion(ctx, pkg.ID, version); err != nil {
		return nil, err
	}

	doc := s.versionDocFromManifest(packageName, version, reqScheme, reqHost)
	return json.Marshal(doc)
}

// composeLocal builds the metadata document for a locally published package
// entirely from the database and stored manifests.
func (s *Service) composeLocal(ctx context.Context, packageName, reqScheme, reqHost string) ([]byte, error) {
	full, err := s.store.GetPackageWithVersions(ctx, packageName)
	if err != nil {
		return nil, apierrors.Database(err, "failed to load package %s", packageName)
	}
	if full == nil {
		return nil, apierrors.NotFound("package %s not found", packageName)
	}

	versions := map[string]interface{}{}
	var versionStrings []string
	for _, vw := range full.Versions {
		versionStrings = append(versionStrings, vw.Version.Version)
		versions[vw.Version.Version] = s.versionDocFromManifest(packageName, vw.Version.Version, reqScheme, reqHost)
	}

	distTags := map[string]string{}
	tags, err := s.store.GetTags(ctx, packageName)
	if err != nil {
		return nil, apierrors.Database(err, "failed to load tags of %s", packageName)
	}
	for _, tag := range tags {
		distTags[tag.TagName] = tag.Version
	}
	if len(distTags) == 0 && len(versionStrings) > 0 {
		// Plain string ordering, deliberately not semver.
		sort.Strings(versionStrings)
		distTags["latest"] = versionStrings[len(versionStrings)-1]
	}

	doc := map[string]interface{}{
		"_id":       packageName,
		"_rev":      "1-0",
		"name":      packageName,
		"versions":  versions,
		"dist-tags": distTags,
	}
	if full.Package.Description != nil {
		doc["description"] = *full.Package.Description
	}
	if full.Package.License != nil {
		doc["license"] = *full.Package.License
	}
	if full.Package.Homepage != nil {
		doc["homepage"] = *full.Package.Homepage
	}
	if full.Package.RepositoryURL != nil {
		doc["repository"] = map[string]string{
			"type": "git",
			"url":  CleanRepositoryURL(*full.Package.RepositoryURL),
		}
	}
	if full.Package.Keywords != nil {
		var keywords []string
		if err := json.Unmarshal([]byte(*full.Package.Keywords), &keywords); err == nil {
			doc["keywords"] = keywords
		}
	}
	if latest := distTags["latest"]; latest != "" {
		for _, vw := range full.Versions {
			if vw.Version.Version == latest && vw.Version.Readme != nil {
				doc["readme"] = *vw.Version.Readme
				break
			}
		}
	}

	return json.Marshal(doc)
}

// versionDocFromManifest loads the stored package.json for a published
// version, falling back to a minimal document, and rewrites dist.tarball to
// this server.
func (s *Service) versionDocFromManifest(packageName, version, reqScheme, reqHost string) map[string]interface{} {
	filename := tarballFilename(packageName, version)
	localURL := fmt.Sprintf("%s://%s/%s/-/%s", reqScheme, reqHost, packageName, filename)

	doc := map[string]interface{}{
		"name":    packageName,
		"version": version,
	}
	if raw, err := s.cache.ReadManifest(packageName, version); err == nil {
		var manifest map[string]interface{}
		if err := json.Unmarshal(raw, &manifest); err == nil {
			doc = manifest
		}
	}

	dist, _ := doc["dist"].(map[string]interface{})
	if dist == nil {
		dist = map[string]interface{}{}
	}
	dist["tarball"] = localURL
	doc["dist"] = dist

	if repo, ok := doc["repository"].(map[string]interface{}); ok {
		if url, ok := repo["url"].(string); ok {
			repo["url"] = CleanRepositoryURL(url)
		}
	}

	return doc
}

// tarballFilename is the canonical filename of a version's tarball: the
// package basename plus the version.
func tarballFilename(packageName, version string) string {
	base := packageName
	if idx := strings.LastIndex(packageName, "/"); idx >= 0 {
		base = packageName[idx+1:]
	}
	return base + "-" + version + ".tgz"
}

// rewriteUpstreamDoc rewrites every dist.tarball URL starting with the
// upstream base to point at this server, and records version rows for the
// document so listings can see mirrored packages.
func (s *Service) rewriteUpstreamDoc(ctx context.Context, packageName string, raw []byte, reqScheme, reqHost string) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apierrors.Parse(err, "failed to parse upstream metadata for %s", packageName)
	}

	localBase := fmt.Sprintf("%s://%s/", reqScheme, reqHost)
	upstreamBase := s.client.BaseURL() + "/"

	versions, _ := doc["versions"].(map[string]interface{})
	for _, v := range versions {
		versionDoc, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		dist, ok := versionDoc["dist"].(map[string]interface{})
		if !ok {
			continue
		}
		tarball, ok := dist["tarball"].(string)
		if !ok {
			continue
		}
		if rest, found := strings.CutPrefix(tarball, upstreamBase); found {
			dist["tarball"] = localBase + rest
		}
	}

	s.persistUpstreamVersions(ctx, packageName, doc, versions)

	rewritten, err := json.Marshal(doc)
	if err != nil {
		return nil, apierrors.Internal(err, "failed to serialize metadata for %s", packageName)
	}
	return rewritten, nil
}

// persistUpstreamVersions records package and version rows for a mirrored
// document. Failures are logged, not fatal; the doc is served regardless.
func (s *Service) persistUpstreamVersions(ctx context.Context, packageName string, doc map[string]interface{}, versions map[string]interface{}) {
	var description *string
	if desc, ok := doc["description"].(string); ok {
		description = &desc
	}

	pkg, err := s.store.CreateOrGetPackage(ctx, packageName, description, nil)
	if err != nil {
		s.logger.WithError(err).WithField("package", packageName).Warn("failed to record mirrored package")
		return
	}

	for version, v := range versions {
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if _, err := s.store.CreateOrGetVersionWithMetadata(ctx, pkg.ID, version, raw); err != nil {
			if !errors.Is(err, db.ErrUniqueViolation) {
				s.logger.WithError(err).WithField("package", packageName).Warn("failed to record mirrored version")
			}
		}
	}
}
