// Package oauth runs the authorization-code flow (with PKCE) against the
// external identity providers and turns the provider's user info into a
// Profile the account service can sign in.
package oauth
