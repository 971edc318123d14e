// Package auth implements authentication for the registry: the npm
// CouchDB-style login flow (which registers unknown users on the fly),
// bcrypt password storage, and opaque bearer tokens resolved to principals.
//
// Tokens have the form clef_[base64url(32 random bytes)] and are stored
// server side; clients present them as "Authorization: Bearer <token>".
package auth
