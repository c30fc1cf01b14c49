package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pulse/cmd/security/token"
)

// managerEnv is one backend under test. newUser returns a user id the
// store can reference.
type managerEnv struct {
	store   Store
	newUser func(t *testing.T) string
}

func newTestManager(env managerEnv, mutate func(*Config)) (*Manager, token.Hasher) {
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := token.NewHasher("")
	return NewManager(cfg, env.store, h), h
}

func mustRow(t *testing.T, s Store, h token.Hasher, plain string) RefreshToken {
	t.Helper()

	row, err := s.FindByHash(context.Background(), h.HashHex(plain))
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	return row
}

func mustActiveCount(t *testing.T, s Store, userID string, want int) {
	t.Helper()

	active, err := s.FindActive(context.Background(), userID)
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if len(active) != want {
		t.Fatalf("active tokens=%d want %d", len(active), want)
	}
}

func runManagerContract(t *testing.T, newEnv func(t *testing.T) managerEnv) {
	t.Helper()

	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	t.Run("Generate_RevokesPrevious", func(t *testing.T) {
		env := newEnv(t)
		m, h := newTestManager(env, nil)
		ctx := context.Background()
		uid := env.newUser(t)

		first, err := m.Generate(ctx, base, uid)
		if err != nil {
			t.Fatalf("Generate 1: %v", err)
		}
		if first.UserID != uid || first.Token == "" {
			t.Fatalf("unexpected issued: %+v", first)
		}
		if want := base.Add(30 * 24 * time.Hour); !first.ExpiresAt.Equal(want) {
			t.Fatalf("expires_at=%v want %v", first.ExpiresAt, want)
		}

		second, err := m.Generate(ctx, base.Add(time.Minute), uid)
		if err != nil {
			t.Fatalf("Generate 2: %v", err)
		}
		if second.Token == first.Token {
			t.Fatalf("expected a fresh token")
		}

		ok, err := m.Validate(ctx, base.Add(2*time.Minute), first.Token)
		if err != nil || ok {
			t.Fatalf("first token must be invalid after Generate: ok=%v err=%v", ok, err)
		}
		ok, err = m.Validate(ctx, base.Add(2*time.Minute), second.Token)
		if err != nil || !ok {
			t.Fatalf("second token must be valid: ok=%v err=%v", ok, err)
		}

		row := mustRow(t, env.store, h, first.Token)
		if row.RevokedAt == nil || row.RevocationReason == nil || *row.RevocationReason != ReasonNewToken {
			t.Fatalf("expected reason %q, got %+v", ReasonNewToken, row)
		}
		if row.TokenHash == first.Token || len(row.TokenHash) != 64 {
			t.Fatalf("token must be stored hashed")
		}
		mustActiveCount(t, env.store, uid, 1)
	})

	t.Run("Validate_ExpiredFailsRegardlessOfRevocation", func(t *testing.T) {
		env := newEnv(t)
		m, _ := newTestManager(env, func(c *Config) { c.RefreshTokenTTL = time.Hour })
		ctx := context.Background()
		uid := env.newUser(t)

		iss, err := m.Generate(ctx, base, uid)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}

		if ok, _ := m.Validate(ctx, base.Add(59*time.Minute), iss.Token); !ok {
			t.Fatalf("expected valid before expiry")
		}
		if ok, _ := m.Validate(ctx, iss.ExpiresAt, iss.Token); ok {
			t.Fatalf("expected invalid at exactly expires_at")
		}
		if ok, _ := m.Validate(ctx, base.Add(2*time.Hour), iss.Token); ok {
			t.Fatalf("expected invalid after expiry")
		}
		if _, err := m.Rotate(ctx, base.Add(2*time.Hour), iss.Token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected expired token rotation to fail, got %v", err)
		}
	})

	t.Run("Revoke_UnexpiredFailsAndIsIdempotent", func(t *testing.T) {
		env := newEnv(t)
		m, h := newTestManager(env, nil)
		ctx := context.Background()
		uid := env.newUser(t)

		iss, err := m.Generate(ctx, base, uid)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}

		if err := m.Revoke(ctx, base.Add(time.Minute), iss.Token, "Manual"); err != nil {
			t.Fatalf("Revoke: %v", err)
		}
		if ok, _ := m.Validate(ctx, base.Add(2*time.Minute), iss.Token); ok {
			t.Fatalf("revoked token must fail Validate")
		}

		if err := m.Revoke(ctx, base.Add(time.Hour), iss.Token, "Again"); err != nil {
			t.Fatalf("second Revoke: %v", err)
		}
		row := mustRow(t, env.store, h, iss.Token)
		if *row.RevocationReason != "Manual" || !row.RevokedAt.Equal(base.Add(time.Minute)) {
			t.Fatalf("second revoke must be a no-op, got %+v", row)
		}

		if err := m.Revoke(ctx, base, "unknown-token", ""); err != nil {
			t.Fatalf("unknown token revoke must be a no-op, got %v", err)
		}
	})

	t.Run("Rotate_OldTokenRejected", func(t *testing.T) {
		env := newEnv(t)
		m, h := newTestManager(env, nil)
		ctx := context.Background()
		uid := env.newUser(t)

		a, err := m.Generate(ctx, base, uid)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		b, err := m.Rotate(ctx, base.Add(time.Second), a.Token)
		if err != nil {
			t.Fatalf("Rotate: %v", err)
		}
		if b.Token == a.Token || b.UserID != uid {
			t.Fatalf("unexpected rotation result: %+v", b)
		}

		oldRow := mustRow(t, env.store, h, a.Token)
		if oldRow.ReplacedByID == nil || *oldRow.ReplacedByID != b.ID {
			t.Fatalf("old token must link to its successor, got %+v", oldRow.ReplacedByID)
		}

		// Within the grace window this looks like a lost race: rejected, nothing else revoked.
		_, err = m.Rotate(ctx, base.Add(2*time.Second), a.Token)
		if !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
		var re ReuseError
		if errors.As(err, &re) {
			t.Fatalf("did not expect reuse inside grace window")
		}
		if ok, _ := m.Validate(ctx, base.Add(3*time.Second), b.Token); !ok {
			t.Fatalf("successor must survive a lost race")
		}
		mustActiveCount(t, env.store, uid, 1)
	})

	t.Run("Rotate_ReuseRevokesEverything", func(t *testing.T) {
		env := newEnv(t)
		m, h := newTestManager(env, nil)
		ctx := context.Background()
		uid := env.newUser(t)

		a, err := m.Generate(ctx, base, uid)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		b, err := m.Rotate(ctx, base.Add(time.Second), a.Token)
		if err != nil {
			t.Fatalf("Rotate: %v", err)
		}

		_, err = m.Rotate(ctx, base.Add(time.Hour), a.Token)
		var re ReuseError
		if !errors.As(err, &re) {
			t.Fatalf("expected ReuseError, got %v", err)
		}
		if !errors.Is(err, ErrInvalidToken) || re.UserID != uid || re.Revoked != 1 {
			t.Fatalf("unexpected reuse error: %+v", re)
		}

		if ok, _ := m.Validate(ctx, base.Add(time.Hour), b.Token); ok {
			t.Fatalf("successor must be revoked after reuse")
		}
		row := mustRow(t, env.store, h, b.Token)
		if *row.RevocationReason != ReasonReuse {
			t.Fatalf("expected reason %q, got %q", ReasonReuse, *row.RevocationReason)
		}
		mustActiveCount(t, env.store, uid, 0)
	})

	t.Run("Rotate_ReuseDetectionDisabled", func(t *testing.T) {
		env := newEnv(t)
		m, _ := newTestManager(env, func(c *Config) { c.ReuseDetection = false })
		ctx := context.Background()
		uid := env.newUser(t)

		a, err := m.Generate(ctx, base, uid)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		b, err := m.Rotate(ctx, base.Add(time.Second), a.Token)
		if err != nil {
			t.Fatalf("Rotate: %v", err)
		}

		_, err = m.Rotate(ctx, base.Add(time.Hour), a.Token)
		var re ReuseError
		if !errors.Is(err, ErrInvalidToken) || errors.As(err, &re) {
			t.Fatalf("expected plain ErrInvalidToken, got %v", err)
		}
		if ok, _ := m.Validate(ctx, base.Add(time.Hour), b.Token); !ok {
			t.Fatalf("successor must stay valid without reuse detection")
		}
	})

	t.Run("RevokeAll_Logout", func(t *testing.T) {
		env := newEnv(t)
		m, _ := newTestManager(env, nil)
		ctx := context.Background()
		uid := env.newUser(t)

		iss, err := m.Generate(ctx, base, uid)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		n, err := m.RevokeAll(ctx, base.Add(time.Minute), uid, ReasonLogout)
		if err != nil || n != 1 {
			t.Fatalf("RevokeAll: n=%d err=%v", n, err)
		}
		if _, err := m.Rotate(ctx, base.Add(2*time.Minute), iss.Token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected refresh after logout to fail, got %v", err)
		}

		n, err = m.RevokeAll(ctx, base.Add(3*time.Minute), uid, ReasonLogout)
		if err != nil || n != 0 {
			t.Fatalf("second RevokeAll: n=%d err=%v", n, err)
		}
	})

	t.Run("Rotate_RejectsGarbage", func(t *testing.T) {
		env := newEnv(t)
		m, _ := newTestManager(env, nil)
		ctx := context.Background()

		for _, tok := range []string{"", "   ", "does-not-exist", string(make([]byte, maxRefreshTokenLen+1))} {
			if _, err := m.Rotate(ctx, base, tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken for %q, got %v", tok, err)
			}
		}
		if ok, err := m.Validate(ctx, base, "does-not-exist"); ok || err != nil {
			t.Fatalf("unknown token must validate false without error: ok=%v err=%v", ok, err)
		}
	})

	t.Run("ConcurrentRotate_OneWinner", func(t *testing.T) {
		env := newEnv(t)
		m, _ := newTestManager(env, nil)
		ctx := context.Background()
		uid := env.newUser(t)

		a, err := m.Generate(ctx, base, uid)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}

		const n = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			wins    int
			unknown []error
		)
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				_, err := m.Rotate(ctx, base.Add(time.Second), a.Token)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrInvalidToken):
				default:
					unknown = append(unknown, err)
				}
			}()
		}
		wg.Wait()

		if len(unknown) > 0 {
			t.Fatalf("unexpected errors: %v", unknown)
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
		mustActiveCount(t, env.store, uid, 1)
	})

	t.Run("ConcurrentGenerate_AtMostOneActive", func(t *testing.T) {
		env := newEnv(t)
		m, _ := newTestManager(env, nil)
		ctx := context.Background()
		uid := env.newUser(t)

		const n = 16
		var wg sync.WaitGroup
		errs := make(chan error, n)
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func(i int) {
				defer wg.Done()
				if _, err := m.Generate(ctx, base.Add(time.Duration(i)*time.Millisecond), uid); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Fatalf("Generate: %v", err)
		}
		mustActiveCount(t, env.store, uid, 1)
	})
}
