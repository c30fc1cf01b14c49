package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

// runStoreContract exercises behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	hash := func(s string) *string { return &s }
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("InsertAndFindByEmail_CaseInsensitive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u, err := s.InsertUser(ctx, NewUser{
			Email:        "  User@Example.com ",
			PasswordHash: hash("$argon2id$v=19$m=8192,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5aw"),
			Now:          now,
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if len(u.ID) != 26 {
			t.Fatalf("expected ULID id, got %q", u.ID)
		}
		if u.Email != "User@Example.com" || u.EmailNorm != "user@example.com" {
			t.Fatalf("unexpected email fields: %q %q", u.Email, u.EmailNorm)
		}
		if u.Provider != ProviderLocal {
			t.Fatalf("expected local provider, got %q", u.Provider)
		}

		got, err := s.FindUserByEmail(ctx, "USER@example.COM")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got.ID != u.ID {
			t.Fatalf("id mismatch: %s vs %s", got.ID, u.ID)
		}

		byID, err := s.GetUserByID(ctx, u.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !byID.CreatedAt.Equal(now) {
			t.Fatalf("created_at=%v want %v", byID.CreatedAt, now)
		}
	})

	t.Run("DuplicateEmail_Conflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.InsertUser(ctx, NewUser{Email: "a@x.com", PasswordHash: hash("h1"), Now: now}); err != nil {
			t.Fatalf("insert 1: %v", err)
		}
		_, err := s.InsertUser(ctx, NewUser{Email: "A@X.COM", PasswordHash: hash("h2"), Now: now})
		if !IsConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}
		var ce ConflictError
		if !errors.As(err, &ce) || ce.Field != "email" {
			t.Fatalf("expected email conflict, got %#v", err)
		}
	})

	t.Run("OAuthUser_FindByProvider", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		pid := "google-sub-123"
		u, err := s.InsertUser(ctx, NewUser{
			Email:          "g@x.com",
			Provider:       ProviderGoogle,
			ProviderUserID: &pid,
			Now:            now,
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if u.PasswordHash != nil {
			t.Fatalf("oauth user must not carry a password hash")
		}

		got, err := s.FindUserByProvider(ctx, ProviderGoogle, pid)
		if err != nil {
			t.Fatalf("find by provider: %v", err)
		}
		if got.ID != u.ID {
			t.Fatalf("id mismatch")
		}

		if _, err := s.FindUserByProvider(ctx, ProviderGitHub, pid); !IsNotFound(err) {
			t.Fatalf("expected not found for other provider, got %v", err)
		}

		_, err = s.InsertUser(ctx, NewUser{Email: "other@x.com", Provider: ProviderGoogle, ProviderUserID: &pid, Now: now})
		var ce ConflictError
		if !errors.As(err, &ce) || ce.Field != "provider_user_id" {
			t.Fatalf("expected provider conflict, got %v", err)
		}
	})

	t.Run("CredentialInvariant_Rejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		pid := "p"

		cases := []NewUser{
			{Email: "a@x.com", Now: now},
			{Email: "a@x.com", PasswordHash: hash("h"), ProviderUserID: &pid, Now: now},
			{Email: "a@x.com", Provider: ProviderGitHub, Now: now},
			{Email: "a@x.com", Provider: ProviderGitHub, ProviderUserID: &pid, PasswordHash: hash("h"), Now: now},
			{Email: "a@x.com", Provider: Provider("myspace"), ProviderUserID: &pid, Now: now},
			{Email: "not-an-email", PasswordHash: hash("h"), Now: now},
		}
		for i, in := range cases {
			if _, err := s.InsertUser(ctx, in); !IsInvalidInput(err) {
				t.Fatalf("case %d: expected invalid input, got %v", i, err)
			}
		}
	})

	t.Run("UpdateProfileAndPasswordHash", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u, err := s.InsertUser(ctx, NewUser{Email: "p@x.com", PasswordHash: hash("old"), Now: now})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}

		later := now.Add(time.Hour)
		name := "  Navid  "
		updated, err := s.UpdateProfile(ctx, u.ID, &name, later)
		if err != nil {
			t.Fatalf("update profile: %v", err)
		}
		if updated.DisplayName == nil || *updated.DisplayName != "Navid" {
			t.Fatalf("display name not trimmed/stored: %v", updated.DisplayName)
		}
		if !updated.UpdatedAt.Equal(later) {
			t.Fatalf("updated_at=%v want %v", updated.UpdatedAt, later)
		}

		if err := s.UpdatePasswordHash(ctx, u.ID, "new", later); err != nil {
			t.Fatalf("update hash: %v", err)
		}
		got, err := s.GetUserByID(ctx, u.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.PasswordHash == nil || *got.PasswordHash != "new" {
			t.Fatalf("hash not updated")
		}

		if _, err := s.UpdateProfile(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", &name, later); !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("UnknownUser_NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.FindUserByEmail(ctx, "nobody@x.com"); !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := s.GetUserByID(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ"); !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}
