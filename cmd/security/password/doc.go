// Package password hashes and verifies account passwords.
//
// New hashes are Argon2id in the PHC string format
// ($argon2id$v=19$m=..,t=..,p=..$salt$key). Imported accounts may still
// carry bcrypt hashes ($2a$/$2b$/$2y$); those verify normally and report
// NeedsRehash so callers can upgrade them after a successful login.
//
// Stored hashes are treated as untrusted input: Verify refuses parameters
// far outside the configured cost to bound CPU and memory use.
package password
