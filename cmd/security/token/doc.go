// Package token hashes opaque refresh tokens for server-side storage.
//
// Only hashes are persisted; plaintext tokens are handed to the client once.
// Without a key the hasher falls back to SHA-256 (development mode). With a
// key it uses HMAC-SHA256, so a leaked table cannot be brute-forced offline
// without the secret. Output is always 64 hex characters.
package token
