// Package main provides a CI-friendly smoke test for the Pulse auth API.
//
// It validates:
//   - register returns a session (or login when the account exists)
//   - /auth/me with the access token
//   - refresh rotates the refresh token
//   - the replaced refresh token is rejected
//   - logout revokes the current refresh token
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

type smokeClient struct {
	base    string
	http    *http.Client
	timeout time.Duration
	verbose bool
}

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "Pulse base URL")
		email    = flag.String("email", "", "Account email (default: unique smoke address)")
		password = flag.String("password", "smoke-test-password-42", "Account password")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *email == "" {
		*email = fmt.Sprintf("smoke-%d@example.com", time.Now().UnixNano())
	}

	c := &smokeClient{
		base:    strings.TrimRight(*baseURL, "/"),
		http:    &http.Client{},
		timeout: *timeout,
		verbose: *verbose,
	}
	root := context.Background()
	creds := map[string]string{"email": *email, "password": *password}

	var s session
	switch status := c.mustCall(root, http.MethodPost, "/auth/register", "", creds, &s); status {
	case http.StatusCreated:
	case http.StatusConflict:
		if got := c.mustCall(root, http.MethodPost, "/auth/login", "", creds, &s); got != http.StatusOK {
			fatalf("login: status %d", got)
		}
	default:
		fatalf("register: status %d", status)
	}
	mustSession("register/login", s)

	var me struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if got := c.mustCall(root, http.MethodGet, "/auth/me", s.AccessToken, nil, &me); got != http.StatusOK {
		fatalf("me: status %d", got)
	}
	if me.User.ID != s.User.ID {
		fatalf("me: user id %q, want %q", me.User.ID, s.User.ID)
	}

	var rotated session
	if got := c.mustCall(root, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": s.RefreshToken}, &rotated); got != http.StatusOK {
		fatalf("refresh: status %d", got)
	}
	mustSession("refresh", rotated)
	if rotated.RefreshToken == s.RefreshToken {
		fatalf("refresh: token was not rotated")
	}

	if got := c.mustCall(root, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": s.RefreshToken}, nil); got != http.StatusUnauthorized {
		fatalf("replayed refresh: status %d, want 401", got)
	}

	if got := c.mustCall(root, http.MethodPost, "/auth/logout", rotated.AccessToken, nil, nil); got != http.StatusNoContent {
		fatalf("logout: status %d", got)
	}
	if got := c.mustCall(root, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": rotated.RefreshToken}, nil); got != http.StatusUnauthorized {
		fatalf("refresh after logout: status %d, want 401", got)
	}

	fmt.Printf("OK: auth smoke passed for %s\n", *email)
}

// mustCall sends one JSON request and decodes a 2xx body into out.
func (c *smokeClient) mustCall(parent context.Context, method, path, bearer string, in, out any) int {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			fatalf("%s %s: marshal: %v", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fatalf("%s %s: read body: %v", method, path, err)
	}
	if c.verbose {
		fmt.Printf("%s %s -> %d %s\n", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil && resp.StatusCode/100 == 2 {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func mustSession(step string, s session) {
	if s.AccessToken == "" || s.RefreshToken == "" || s.User.ID == "" {
		fatalf("%s: incomplete session", step)
	}
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
