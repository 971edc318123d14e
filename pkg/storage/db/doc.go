// Package db implements the registry's relational store on SQLite.
//
// The store is the durable index behind the caches: packages, versions,
// files, owners, dist-tags, organizations, users, tokens, metadata-cache
// records and the hit/miss counters all live here. Access goes through a
// single *Store built on database/sql with raw SQL statements; schema setup
// runs through embedded migrations on open.
//
// Write paths that touch more than one table (organization creation and
// deletion, complete package entries) run in explicit transactions.
// Failures are translated into typed errors (ErrNotFound, ErrUniqueViolation,
// ErrForeignKeyViolation, ErrCheckViolation, ErrConnectionLost) so callers
// can map them onto the HTTP error taxonomy without string matching.
package db
