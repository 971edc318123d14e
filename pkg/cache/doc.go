// Package cache implements the on-disk artifact store backing the registry:
// a tarball cache that never evicts, a TTL'd metadata document cache with an
// in-process LRU hot tier, persistent hit/miss accounting, and a reindexer
// that registers tarballs dropped into the cache directory out of band.
//
// Layout under {dir}/packages/:
//
//	packages/<package>/<filename>           tarball
//	packages/<package>/<filename>.meta      tarball ETag sidecar
//	packages/<package>/metadata.json        cached metadata document
//	packages/<package>/metadata.etag        metadata ETag sidecar
//	packages/<package>/<base>-<ver>.json    published version manifest
//
// Scoped packages nest one level deeper (packages/@scope/name/...).
package cache
