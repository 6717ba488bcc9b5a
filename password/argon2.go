package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	algorithmID           = "argon2id"

	// stored hashes may cost at most this many times the configured cost
	maxCostFactor = 4
)

var (
	// ErrMalformedHash is returned when a stored credential is not a valid argon2id PHC string.
	ErrMalformedHash = errors.New("malformed password hash")
	// ErrPasswordTooShort is returned by Hash when Config.MinLength is set and not met.
	ErrPasswordTooShort = errors.New("password too short")
)

// Config holds the argon2id cost parameters used for new hashes.
//
// Verification always uses the parameters embedded in the stored hash, so
// raising the costs does not invalidate existing credentials.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	// MinLength is the minimum password length in bytes. Zero disables the check.
	MinLength int
}

// DefaultConfig returns the cost parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Argon2 hashes and verifies passwords as argon2id PHC strings.
type Argon2 struct {
	config Config
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

// NewArgon2 validates cfg and returns a hasher.
func NewArgon2(cfg Config) (*Argon2, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Argon2{config: cfg}, nil
}

// Hash derives a fresh salted hash for password and encodes it as
// $argon2id$v=19$m=..,t=..,p=..$salt$key.
func (a *Argon2) Hash(password string) (string, error) {
	if a.config.MinLength > 0 && len(password) < a.config.MinLength {
		return "", fmt.Errorf("%w: need at least %d bytes", ErrPasswordTooShort, a.config.MinLength)
	}

	salt := make([]byte, a.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, a.config.Time, a.config.Memory, a.config.Parallelism, a.config.KeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		a.config.Memory,
		a.config.Time,
		a.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encodedHash. A malformed hash,
// or one whose costs exceed the configured costs by more than
// maxCostFactor, yields ErrMalformedHash without deriving a key.
func (a *Argon2) Verify(password string, encodedHash string) (bool, error) {
	parsed, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}
	if err := a.checkCost(parsed); err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), parsed.salt, parsed.time, parsed.memory, parsed.parallelism, uint32(len(parsed.key)))
	return subtle.ConstantTimeCompare(computed, parsed.key) == 1, nil
}

// Matches is Verify collapsed to a boolean: an empty or corrupt stored
// hash never matches.
func (a *Argon2) Matches(password string, encodedHash string) bool {
	if encodedHash == "" {
		return false
	}
	ok, err := a.Verify(password, encodedHash)
	return err == nil && ok
}

// NeedsUpgrade reports whether encodedHash was produced with weaker costs
// than the current configuration.
func (a *Argon2) NeedsUpgrade(encodedHash string) (bool, error) {
	parsed, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	return a.config.Memory > parsed.memory ||
		a.config.Time > parsed.time ||
		a.config.Parallelism > parsed.parallelism ||
		a.config.KeyLength != uint32(len(parsed.key)), nil
}

func (a *Argon2) checkCost(p *phc) error {
	switch {
	case uint64(p.memory) > uint64(a.config.Memory)*maxCostFactor:
		return fmt.Errorf("%w: memory cost %d KB above limit", ErrMalformedHash, p.memory)
	case uint64(p.time) > uint64(a.config.Time)*maxCostFactor:
		return fmt.Errorf("%w: time cost %d above limit", ErrMalformedHash, p.time)
	case uint64(p.parallelism) > uint64(a.config.Parallelism)*maxCostFactor:
		return fmt.Errorf("%w: parallelism %d above limit", ErrMalformedHash, p.parallelism)
	case uint64(len(p.key)) > uint64(a.config.KeyLength)*maxCostFactor:
		return fmt.Errorf("%w: key length %d above limit", ErrMalformedHash, len(p.key))
	}
	return nil
}

func parsePHC(encodedHash string) (*phc, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, fmt.Errorf("%w: expected 5 segments", ErrMalformedHash)
	}
	if parts[1] != algorithmID {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedHash, parts[1])
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") {
		return nil, fmt.Errorf("%w: bad version segment", ErrMalformedHash)
	}
	if version != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedHash, version)
	}

	out := &phc{}
	if err := parseParams(parts[3], out); err != nil {
		return nil, err
	}

	if out.salt, err = decodeSegment(parts[4]); err != nil || len(out.salt) < int(minSaltLength) {
		return nil, fmt.Errorf("%w: bad salt", ErrMalformedHash)
	}
	if out.key, err = decodeSegment(parts[5]); err != nil || len(out.key) == 0 {
		return nil, fmt.Errorf("%w: bad key", ErrMalformedHash)
	}

	return out, nil
}

// decodeSegment accepts both unpadded (PHC) and padded base64.
func decodeSegment(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func parseParams(part string, out *phc) error {
	var seen int
	for _, pair := range strings.Split(part, ",") {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("%w: bad parameter %q", ErrMalformedHash, pair)
		}

		switch name {
		case "m":
			v, err := strconv.ParseUint(raw, 10, 32)
			if err != nil || v < uint64(minMemoryKB) {
				return fmt.Errorf("%w: bad memory cost", ErrMalformedHash)
			}
			out.memory = uint32(v)
		case "t":
			v, err := strconv.ParseUint(raw, 10, 32)
			if err != nil || v < uint64(minTimeCost) {
				return fmt.Errorf("%w: bad time cost", ErrMalformedHash)
			}
			out.time = uint32(v)
		case "p":
			v, err := strconv.ParseUint(raw, 10, 8)
			if err != nil || v < uint64(minParallelism) {
				return fmt.Errorf("%w: bad parallelism", ErrMalformedHash)
			}
			out.parallelism = uint8(v)
		default:
			return fmt.Errorf("%w: unknown parameter %q", ErrMalformedHash, name)
		}
		seen++
	}

	if seen != 3 || out.memory == 0 || out.time == 0 || out.parallelism == 0 {
		return fmt.Errorf("%w: missing parameters", ErrMalformedHash)
	}
	return nil
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.Memory < minMemoryKB:
		return fmt.Errorf("password memory must be >= %d KB", minMemoryKB)
	case cfg.Time < minTimeCost:
		return errors.New("password time must be >= 1")
	case cfg.Parallelism < minParallelism:
		return errors.New("password parallelism must be >= 1")
	case cfg.SaltLength < minSaltLength:
		return fmt.Errorf("password salt length must be >= %d", minSaltLength)
	case cfg.KeyLength < minKeyLength:
		return fmt.Errorf("password key length must be >= %d", minKeyLength)
	case cfg.MinLength < 0:
		return errors.New("password min length must be >= 0")
	}
	return nil
}
