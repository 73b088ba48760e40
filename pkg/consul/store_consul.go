//go:build consul

package consul

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

// KV is a thin context-aware wrapper over the Consul key/value API.
type KV struct {
	cli *consulapi.Client
}

func New(addr string) (*KV, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &KV{cli: cli}, nil
}

// Ping fails when the agent cannot see a raft leader.
func (k *KV) Ping(ctx context.Context) error {
	leader, err := k.cli.Status().LeaderWithQueryOptions((&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return err
	}
	if leader == "" {
		return fmt.Errorf("consul has no leader")
	}
	return nil
}

// Get returns nil, nil when key does not exist.
func (k *KV) Get(ctx context.Context, key string) (*consulapi.KVPair, error) {
	q := (&consulapi.QueryOptions{RequireConsistent: true}).WithContext(ctx)
	pair, _, err := k.cli.KV().Get(key, q)
	return pair, err
}

func (k *KV) List(ctx context.Context, prefix string) (consulapi.KVPairs, error) {
	q := (&consulapi.QueryOptions{RequireConsistent: true}).WithContext(ctx)
	pairs, _, err := k.cli.KV().List(prefix, q)
	return pairs, err
}

func (k *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	keys, _, err := k.cli.KV().Keys(prefix, "", q)
	return keys, err
}

// Create writes key only if it does not exist yet.
func (k *KV) Create(ctx context.Context, key string, value []byte) (bool, error) {
	return k.CAS(ctx, key, value, 0)
}

// CAS writes key only if its ModifyIndex still equals index.
func (k *KV) CAS(ctx context.Context, key string, value []byte, index uint64) (bool, error) {
	w := (&consulapi.WriteOptions{}).WithContext(ctx)
	ok, _, err := k.cli.KV().CAS(&consulapi.KVPair{Key: key, Value: value, ModifyIndex: index}, w)
	return ok, err
}

// CreateAll writes every key in one transaction, only if none of them exist.
func (k *KV) CreateAll(ctx context.Context, pairs map[string][]byte) (bool, error) {
	ops := make(consulapi.TxnOps, 0, len(pairs))
	for key, value := range pairs {
		ops = append(ops, &consulapi.TxnOp{KV: &consulapi.KVTxnOp{Verb: consulapi.KVCAS, Key: key, Value: value, Index: 0}})
	}
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	ok, _, _, err := k.cli.Txn().Txn(ops, q)
	return ok, err
}
