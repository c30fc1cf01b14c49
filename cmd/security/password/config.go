package password

import (
	"fmt"
	"runtime"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds accepted passwords.
type Policy struct {
	MinLength int
	MaxLength int
	// RejectVeryWeak enables a minimal blocklist of trivial passwords.
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the baseline used when nothing is overridden.
func DefaultConfig() Config {
	// Parallelism follows the host but is clamped to [1..4] so containers stay predictable.
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      12,
			MaxLength:      256,
			RejectVeryWeak: true,
		},
	}
}

// Check reports whether the configuration is usable.
// Callers load values from their own config layer and run Check once at startup.
func (c Config) Check() error {
	p := c.Params
	switch {
	case p.MemoryKiB < 8*1024 || p.MemoryKiB > 1024*1024:
		return fmt.Errorf("%w: argon2 memory %d KiB out of range [8192..1048576]", ErrInvalidConfig, p.MemoryKiB)
	case p.Iterations < 1 || p.Iterations > 20:
		return fmt.Errorf("%w: argon2 iterations %d out of range [1..20]", ErrInvalidConfig, p.Iterations)
	case p.Parallelism < 1:
		return fmt.Errorf("%w: argon2 parallelism must be >= 1", ErrInvalidConfig)
	case p.SaltLength < 8 || p.SaltLength > 64:
		return fmt.Errorf("%w: argon2 salt length %d out of range [8..64]", ErrInvalidConfig, p.SaltLength)
	case p.KeyLength < 16 || p.KeyLength > 64:
		return fmt.Errorf("%w: argon2 key length %d out of range [16..64]", ErrInvalidConfig, p.KeyLength)
	}

	if c.Policy.MinLength < 1 || c.Policy.MaxLength > 4096 {
		return fmt.Errorf("%w: password length bounds out of range", ErrInvalidConfig)
	}
	if c.Policy.MinLength > c.Policy.MaxLength {
		return fmt.Errorf(
			"%w: min_len(%d) > max_len(%d)",
			ErrInvalidConfig,
			c.Policy.MinLength,
			c.Policy.MaxLength,
		)
	}
	return nil
}
