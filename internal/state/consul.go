package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	consulapi "github.com/hashicorp/consul/api"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// DefaultConsulPrefix is the KV prefix used when none is configured.
const DefaultConsulPrefix = "wetwire-vpn/state/"

// ConsulStore keeps records in the Consul KV store, one key per stage.
type ConsulStore struct {
	kv     *consulapi.KV
	prefix string
}

// NewConsulStore connects to the Consul agent at addr.
func NewConsulStore(addr, prefix, namespace string) (*ConsulStore, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}
	if prefix == "" {
		prefix = DefaultConsulPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ConsulStore{kv: cli.KV(), prefix: prefix + namespace + "/"}, nil
}

func (s *ConsulStore) key(stage string) string {
	return s.prefix + stage
}

func (s *ConsulStore) Get(ctx context.Context, stage string) (*wetwire.StageRecord, error) {
	pair, _, err := s.kv.Get(s.key(stage), (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, ErrNotFound
	}
	var rec wetwire.StageRecord
	if err := json.Unmarshal(pair.Value, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", pair.Key, err)
	}
	return &rec, nil
}

func (s *ConsulStore) Put(ctx context.Context, rec wetwire.StageRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(&consulapi.KVPair{Key: s.key(rec.Stage), Value: b},
		(&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("saving stage %s: %w", rec.Stage, err)
	}
	return nil
}

func (s *ConsulStore) Delete(ctx context.Context, stage string) error {
	_, err := s.kv.Delete(s.key(stage), (&consulapi.WriteOptions{}).WithContext(ctx))
	return err
}

func (s *ConsulStore) List(ctx context.Context) ([]wetwire.StageRecord, error) {
	pairs, _, err := s.kv.List(s.prefix, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]wetwire.StageRecord, 0, len(pairs))
	for _, p := range pairs {
		var rec wetwire.StageRecord
		if err := json.Unmarshal(p.Value, &rec); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", p.Key, err)
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *ConsulStore) Close() error { return nil }
