// Package state persists per-stage outcomes so a build can be resumed after
// a failure and torn down later.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// ErrNotFound is returned by Get when no record exists for the stage.
var ErrNotFound = errors.New("stage record not found")

// Store holds one record per stage, scoped to a single topology.
type Store interface {
	Get(ctx context.Context, stage string) (*wetwire.StageRecord, error)
	Put(ctx context.Context, rec wetwire.StageRecord) error
	Delete(ctx context.Context, stage string) error
	// List returns all records sorted by stage name.
	List(ctx context.Context) ([]wetwire.StageRecord, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendConsul = "consul"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Namespace scopes records, normally the topology name.
	Namespace string
	// Path is the SQLite database file.
	Path string
	// ConsulAddress is the Consul agent address; empty uses the client default.
	ConsulAddress string
	// ConsulPrefix is the KV prefix under which namespaces are stored.
	ConsulPrefix string
}

// Open returns the store selected by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.Namespace == "" {
		return nil, errors.New("state namespace is required")
	}
	switch opts.Backend {
	case "", BackendSQLite:
		return OpenSQLite(ctx, opts.Path, opts.Namespace)
	case BackendConsul:
		return NewConsulStore(opts.ConsulAddress, opts.ConsulPrefix, opts.Namespace)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Backend)
	}
}

// Snapshot returns every record keyed by stage name.
func Snapshot(ctx context.Context, s Store) (map[string]wetwire.StageRecord, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]wetwire.StageRecord, len(recs))
	for _, r := range recs {
		out[r.Stage] = r
	}
	return out, nil
}

func sortRecords(recs []wetwire.StageRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Stage < recs[j].Stage })
}
