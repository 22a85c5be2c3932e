package tunnel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/secrets"
)

const (
	pskLength   = 32
	seedName    = "seed"
	pskAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789._"
)

// Keyring provides per-tunnel pre-shared keys backed by a secret store.
type Keyring struct {
	store secrets.Store
	rand  io.Reader
}

// NewKeyring returns a Keyring over store.
func NewKeyring(store secrets.Store) *Keyring {
	return &Keyring{store: store, rand: rand.Reader}
}

// KeyRef returns the reference of tunnel i (1-based) under ref.
func KeyRef(ref wetwire.SecretRef, i int) wetwire.SecretRef {
	return wetwire.SecretRef(secrets.Join(string(ref), fmt.Sprintf("tunnel%d", i)))
}

// Ensure makes sure n keys exist under ref and returns their references.
// Keys already in the store are used as they are; missing ones are derived
// from a random seed kept next to them. All keys must be valid and distinct.
func (k *Keyring) Ensure(ctx context.Context, ref wetwire.SecretRef, n int) ([]wetwire.SecretRef, error) {
	if ref == "" {
		return nil, errors.New("empty secret reference")
	}
	if n < 1 {
		return nil, fmt.Errorf("need at least one key, got %d", n)
	}

	refs := make([]wetwire.SecretRef, n)
	seen := make(map[string]wetwire.SecretRef, n)
	var seed []byte
	for i := 1; i <= n; i++ {
		r := KeyRef(ref, i)
		refs[i-1] = r

		psk, err := k.store.Get(ctx, string(r))
		switch {
		case errors.Is(err, secrets.ErrNotFound):
			if seed == nil {
				if seed, err = k.seed(ctx, ref); err != nil {
					return nil, err
				}
			}
			if psk, err = derive(seed, i, seen); err != nil {
				return nil, err
			}
			if err := k.store.Put(ctx, string(r), psk); err != nil {
				return nil, fmt.Errorf("storing %s: %w", r, err)
			}
		case err != nil:
			return nil, fmt.Errorf("reading %s: %w", r, err)
		default:
			if err := ValidatePSK(psk); err != nil {
				return nil, fmt.Errorf("%s: %w", r, err)
			}
		}

		if prev, dup := seen[psk]; dup {
			return nil, fmt.Errorf("%s and %s hold the same pre-shared key", prev, r)
		}
		seen[psk] = r
	}
	return refs, nil
}

// Reveal returns the key behind ref.
func (k *Keyring) Reveal(ctx context.Context, ref wetwire.SecretRef) (string, error) {
	psk, err := k.store.Get(ctx, string(ref))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", ref, err)
	}
	return psk, nil
}

// Forget removes n keys and the seed under ref.
func (k *Keyring) Forget(ctx context.Context, ref wetwire.SecretRef, n int) error {
	var errs []error
	for i := 1; i <= n; i++ {
		if err := k.store.Delete(ctx, string(KeyRef(ref, i))); err != nil {
			errs = append(errs, err)
		}
	}
	if err := k.store.Delete(ctx, secrets.Join(string(ref), seedName)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (k *Keyring) seed(ctx context.Context, ref wetwire.SecretRef) ([]byte, error) {
	path := secrets.Join(string(ref), seedName)
	stored, err := k.store.Get(ctx, path)
	if err == nil {
		seed, err := hex.DecodeString(stored)
		if err != nil || len(seed) < 16 {
			return nil, fmt.Errorf("seed at %s is malformed", path)
		}
		return seed, nil
	}
	if !errors.Is(err, secrets.ErrNotFound) {
		return nil, fmt.Errorf("reading seed: %w", err)
	}

	seed := make([]byte, 32)
	if _, err := io.ReadFull(k.rand, seed); err != nil {
		return nil, fmt.Errorf("generating seed: %w", err)
	}
	if err := k.store.Put(ctx, path, hex.EncodeToString(seed)); err != nil {
		return nil, fmt.Errorf("storing seed: %w", err)
	}
	return seed, nil
}

// derive expands the seed into the key for tunnel i. A candidate colliding
// with an existing key is skipped by bumping the counter in the info string.
func derive(seed []byte, i int, taken map[string]wetwire.SecretRef) (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		info := fmt.Sprintf("wetwire-vpn psk tunnel%d/%d", i, attempt)
		r := hkdf.New(sha256.New, seed, nil, []byte(info))
		buf := make([]byte, pskLength)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}

		out := make([]byte, pskLength)
		// first character is a letter
		out[0] = pskAlphabet[int(buf[0])%52]
		for j := 1; j < pskLength; j++ {
			out[j] = pskAlphabet[buf[j]&63]
		}
		psk := string(out)
		if _, dup := taken[psk]; !dup {
			return psk, nil
		}
	}
	return "", fmt.Errorf("could not derive a distinct key for tunnel%d", i)
}

// ValidatePSK checks a key against the rules the managed gateway enforces:
// 8 to 64 characters from letters, digits, period and underscore, not
// starting with zero.
func ValidatePSK(psk string) error {
	if len(psk) < 8 || len(psk) > 64 {
		return fmt.Errorf("pre-shared key must be 8 to 64 characters, got %d", len(psk))
	}
	if psk[0] == '0' {
		return errors.New("pre-shared key must not start with 0")
	}
	for _, c := range psk {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_':
		default:
			return fmt.Errorf("pre-shared key contains invalid character %q", c)
		}
	}
	return nil
}
