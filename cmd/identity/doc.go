// Package identity is the credential store: users, their password hash or
// OAuth provider linkage, and the persistence boundary used by the account
// orchestrator.
//
// A user is either local (password hash, no provider id) or linked to exactly
// one OAuth provider (provider id, no password hash). Users are never deleted.
package identity
