// Package client is the Go client of the auth API.
//
// Session state lives in an explicit SessionStore backed by a KV; there is
// no process-wide "current user".
package client
