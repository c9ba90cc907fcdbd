// Package secret produces secret material for cluster secrets.
// This is part of the Functional Core apart from reading crypto/rand.
//
// The admin console reads its initial password as a bcrypt hash from a
// cluster secret; the same plaintext is later used to authenticate against
// the control plane, so it lives in the Environment.
package secret

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/artpar/stackup/internal/core/domain"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNoSource is returned when a secret has neither a value nor generate.
	ErrNoSource = errors.New("secret has no value source")

	// ErrLengthTooShort is returned when a generated password would be weak.
	ErrLengthTooShort = errors.New("generated secrets must be at least 16 characters")
)

// DefaultLength is the length of generated passwords.
const DefaultLength = 32

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// =============================================================================
// Secret Specs
// =============================================================================

// Spec describes where a cluster secret's value comes from.
type Spec struct {
	Name     string `mapstructure:"name"`
	FromKey  string `mapstructure:"from_key"` // Environment key holding the plaintext
	Bcrypt   bool   `mapstructure:"bcrypt"`   // Store the bcrypt hash instead of the plaintext
	Generate bool   `mapstructure:"generate"` // Generate the plaintext when FromKey is unset
	Length   int    `mapstructure:"length"`
	After    string `mapstructure:"after"` // Unit that must be deployed first
}

// Resolved is the outcome of resolving a batch of specs.
type Resolved struct {
	Resources   []domain.ClusterResource
	Environment domain.Environment // Input environment plus generated values
	Generated   []string           // Environment keys whose values were generated
}

// Resolve turns specs into secret resources. Generated plaintexts are added
// to the returned Environment under FromKey so later phases (control-plane
// authentication) see the same value the secret was built from.
func Resolve(specs []Spec, env domain.Environment) (*Resolved, error) {
	out := &Resolved{Environment: env}

	for _, s := range specs {
		if s.FromKey == "" {
			return nil, domain.NewConfigError("ResolveSecret", "", fmt.Sprintf("secret %s: from_key is required", s.Name), ErrNoSource)
		}

		plain, ok := out.Environment.Lookup(s.FromKey)
		if !ok || plain == "" {
			if !s.Generate {
				return nil, domain.NewConfigError("ResolveSecret", "",
					fmt.Sprintf("secret %s: parameter %s is not set", s.Name, s.FromKey), domain.ErrMissingVariable)
			}
			generated, err := GeneratePassword(s.Length)
			if err != nil {
				return nil, domain.NewConfigError("ResolveSecret", "", fmt.Sprintf("secret %s", s.Name), err)
			}
			plain = generated
			out.Environment = out.Environment.With(s.FromKey, plain)
			out.Generated = append(out.Generated, s.FromKey)
		}

		data := []byte(plain)
		if s.Bcrypt {
			hashed, err := HashPassword(plain)
			if err != nil {
				return nil, domain.NewConfigError("ResolveSecret", "", fmt.Sprintf("secret %s: hash", s.Name), err)
			}
			data = []byte(hashed)
		}

		res := domain.SecretResource(s.Name, data)
		res.After = s.After
		if err := res.Validate(); err != nil {
			return nil, err
		}
		out.Resources = append(out.Resources, res)
	}

	return out, nil
}

// =============================================================================
// Password Helpers
// =============================================================================

// GeneratePassword returns a random alphanumeric password. Zero length
// selects DefaultLength.
func GeneratePassword(length int) (string, error) {
	if length == 0 {
		length = DefaultLength
	}
	if length < 16 {
		return "", ErrLengthTooShort
	}

	limit := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}

// HashPassword returns the bcrypt hash of a plaintext password.
func HashPassword(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword reports whether plain matches a bcrypt hash.
func VerifyPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
