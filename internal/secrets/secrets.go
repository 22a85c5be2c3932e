// Package secrets stores tunnel pre-shared keys and the seed they are
// derived from. Values read here flow only into the provisioner and the
// rendered startup script; they are never logged or persisted in state.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when no value exists at the path.
var ErrNotFound = errors.New("secret not found")

// Store reads and writes secret values by slash-separated path.
type Store interface {
	Get(ctx context.Context, path string) (string, error)
	Put(ctx context.Context, path, value string) error
	Delete(ctx context.Context, path string) error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendVault  = "vault"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Dir is the root of the file backend.
	Dir          string
	VaultAddress string
	VaultToken   string
	VaultMount   string
}

// Open returns the store selected by opts.Backend.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		return NewFileStore(opts.Dir)
	case BackendVault:
		return NewVaultStore(opts.VaultAddress, opts.VaultToken, opts.VaultMount)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown secret backend %q", opts.Backend)
	}
}

// Join builds a secret path from segments.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// ValidPath reports whether path can name a secret: non-empty, slash
// separated, without empty, "." or ".." segments.
func ValidPath(path string) error {
	if path == "" {
		return errors.New("empty secret path")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid secret path %q", path)
		}
	}
	return nil
}
