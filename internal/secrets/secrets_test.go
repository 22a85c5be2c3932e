package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "site-to-site/tunnels/tunnel1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "site-to-site/tunnels/tunnel1", "Psk.one_1"))
	v, err := s.Get(ctx, "site-to-site/tunnels/tunnel1")
	require.NoError(t, err)
	assert.Equal(t, "Psk.one_1", v)

	require.NoError(t, s.Put(ctx, "site-to-site/tunnels/tunnel1", "Psk.two_2"))
	v, err = s.Get(ctx, "site-to-site/tunnels/tunnel1")
	require.NoError(t, err)
	assert.Equal(t, "Psk.two_2", v)

	require.NoError(t, s.Delete(ctx, "site-to-site/tunnels/tunnel1"))
	_, err = s.Get(ctx, "site-to-site/tunnels/tunnel1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete(ctx, "site-to-site/tunnels/tunnel1"))

	for _, bad := range []string{"", "../escape", "a//b", "a/./b"} {
		assert.Error(t, s.Put(ctx, bad, "x"), bad)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	exerciseStore(t, s)

	require.NoError(t, s.Put(context.Background(), "lab/seed", "abc"))
	info, err := os.Stat(filepath.Join(dir, "lab", "seed"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	info, err = os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

// fakeVault serves the KV v2 endpoints used by VaultStore.
type fakeVault struct {
	mu     sync.Mutex
	data   map[string]map[string]any
	tokens []string
}

func (f *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, r.Header.Get("X-Vault-Token"))

	meta := map[string]any{
		"created_time":  "2026-01-01T00:00:00Z",
		"deletion_time": "",
		"destroyed":     false,
		"version":       1,
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/secret/data/"):
		path := strings.TrimPrefix(r.URL.Path, "/v1/secret/data/")
		switch r.Method {
		case http.MethodGet:
			d, ok := f.data[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"data": d, "metadata": meta}})
		case http.MethodPut, http.MethodPost:
			var body struct {
				Data map[string]any `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.data[path] = body.Data
			_ = json.NewEncoder(w).Encode(map[string]any{"data": meta})
		}
	case strings.HasPrefix(r.URL.Path, "/v1/secret/metadata/") && r.Method == http.MethodDelete:
		delete(f.data, strings.TrimPrefix(r.URL.Path, "/v1/secret/metadata/"))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestVaultStore(t *testing.T) {
	fake := &fakeVault{data: make(map[string]map[string]any)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, err := NewVaultStore(srv.URL, "test-token", "")
	require.NoError(t, err)
	exerciseStore(t, s)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.NotEmpty(t, fake.tokens)
	assert.Equal(t, "test-token", fake.tokens[0])
}

func TestOpen(t *testing.T) {
	s, err := Open(Options{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(Options{Backend: BackendFile})
	assert.Error(t, err)

	_, err = Open(Options{Backend: "kms"})
	assert.Error(t, err)
}

func TestValidPath(t *testing.T) {
	assert.NoError(t, ValidPath("site-to-site/tunnels"))
	for _, p := range []string{"", "/tunnels", "site-to-site/", "a//b", "a/./b", "a/../b"} {
		assert.Error(t, ValidPath(p), p)
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "site-to-site/tunnels/seed", Join("site-to-site/tunnels", "seed"))
}
