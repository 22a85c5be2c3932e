package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	vault "github.com/hashicorp/vault/api"
)

// DefaultVaultMount is the KV v2 mount used when none is configured.
const DefaultVaultMount = "secret"

const vaultValueKey = "value"

// VaultStore keeps secrets in a Vault KV v2 engine, one secret per path
// with the value under the "value" key.
type VaultStore struct {
	kv *vault.KVv2
}

// NewVaultStore connects to Vault at addr. Empty addr and token fall back
// to VAULT_ADDR and VAULT_TOKEN.
func NewVaultStore(addr, token, mount string) (*VaultStore, error) {
	cfg := vault.DefaultConfig()
	if cfg.Error != nil {
		return nil, fmt.Errorf("reading vault environment: %w", cfg.Error)
	}
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	if token != "" {
		cli.SetToken(token)
	}
	if mount == "" {
		mount = DefaultVaultMount
	}
	return &VaultStore{kv: cli.KVv2(mount)}, nil
}

func (v *VaultStore) Get(ctx context.Context, path string) (string, error) {
	if err := ValidPath(path); err != nil {
		return "", err
	}
	sec, err := v.kv.Get(ctx, path)
	if isNotFound(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	s, ok := sec.Data[vaultValueKey].(string)
	if !ok {
		return "", fmt.Errorf("secret %s has no %q field", path, vaultValueKey)
	}
	return s, nil
}

func (v *VaultStore) Put(ctx context.Context, path, value string) error {
	if err := ValidPath(path); err != nil {
		return err
	}
	_, err := v.kv.Put(ctx, path, map[string]interface{}{vaultValueKey: value})
	return err
}

func (v *VaultStore) Delete(ctx context.Context, path string) error {
	if err := ValidPath(path); err != nil {
		return err
	}
	err := v.kv.DeleteMetadata(ctx, path)
	if isNotFound(err) {
		return nil
	}
	return err
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, vault.ErrSecretNotFound) {
		return true
	}
	var apiErr *vault.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}
