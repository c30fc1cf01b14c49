// Package account composes the credential store, password hashing and the
// session package into the auth lifecycle: register, login, OAuth login,
// refresh and logout.
//
// Every failure leaves this package as an *Error carrying a Kind. Transport
// layers map Kind to a status once and never inspect lower-level errors.
package account
