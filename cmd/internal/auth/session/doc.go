// Package session issues access tokens and manages refresh-token rotation.
//
// Access tokens are JWT HS256 by default or PASETO v4.local, both keyed from a
// single symmetric secret. Refresh tokens are opaque random strings stored
// hashed (see cmd/security/token). Each user has at most one active refresh
// token: issuing a new one revokes the previous ones inside a per-user
// serialized unit, so two concurrent refreshes cannot both succeed.
//
// Transport (HTTP) integration lives in the auth api package.
package session
