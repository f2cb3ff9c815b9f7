// Package kv is the durable per-agent-instance key-value port.
//
// Every agent instance owns one namespace. Values are opaque bytes; the domain
// packages store JSON documents. Compound read-modify-write sequences must run
// inside Instance.Atomically so that storage operations for one instance are
// never interleaved.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store provides get/put/delete on opaque keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Instance is the storage view of a single agent instance. It serializes
// compound operations with an explicit lock.
type Instance struct {
	Store
	id string
	mu sync.Mutex
}

func NewInstance(id string, store Store) *Instance {
	return &Instance{Store: store, id: id}
}

func (i *Instance) ID() string {
	return i.id
}

// Atomically runs fn while holding the instance lock. fn must not call
// Atomically again.
func (i *Instance) Atomically(fn func() error) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return fn()
}

// GetJSON decodes the value at key into dst. It reports false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}
