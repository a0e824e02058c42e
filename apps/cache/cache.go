// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package cache defines the storage capability the token cache is persisted through and
ships an in-memory implementation.

The engine never locks around Storage calls. Implementations shared between several
clients or goroutines must serialize conflicting writes themselves. Values written by the
engine are JSON documents; keys are derived from the identity fields of each cached
entity and are stable across processes, so several engines may share one Storage.
*/
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tokencore/tokencore-go/apps/errors"
)

// Storage is the persistence capability behind the token cache.
type Storage interface {
	// GetItem returns the value stored at key. ok is false when key is absent.
	GetItem(ctx context.Context, key string) (value []byte, ok bool, err error)
	// SetItem stores value at key, replacing any previous value.
	SetItem(ctx context.Context, key string, value []byte) error
	// RemoveItem deletes key. Removing an absent key is not an error.
	RemoveItem(ctx context.Context, key string) error
	// ContainsKey reports whether key is present.
	ContainsKey(ctx context.Context, key string) (bool, error)
	// Keys lists every stored key.
	Keys(ctx context.Context) ([]string, error)
	// Clear deletes every key.
	Clear(ctx context.Context) error
}

// Marshaler marshals data from an internal cache to bytes that can be stored.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// Unmarshaler unmarshals data from a storage medium into the internal cache, overwriting it.
type Unmarshaler interface {
	Unmarshal([]byte) error
}

// Serializer can serialize the cache to binary or from binary into the cache.
type Serializer interface {
	Marshaler
	Unmarshaler
}

const capability = "Storage"

// Unimplemented is the Storage used when none is configured. Every method fails
// with a ClientConfigurationError naming the method.
type Unimplemented struct{}

func (Unimplemented) GetItem(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.NotImplemented(capability, "GetItem")
}

func (Unimplemented) SetItem(context.Context, string, []byte) error {
	return errors.NotImplemented(capability, "SetItem")
}

func (Unimplemented) RemoveItem(context.Context, string) error {
	return errors.NotImplemented(capability, "RemoveItem")
}

func (Unimplemented) ContainsKey(context.Context, string) (bool, error) {
	return false, errors.NotImplemented(capability, "ContainsKey")
}

func (Unimplemented) Keys(context.Context) ([]string, error) {
	return nil, errors.NotImplemented(capability, "Keys")
}

func (Unimplemented) Clear(context.Context) error {
	return errors.NotImplemented(capability, "Clear")
}

// Memory is a Storage held in process memory. It is safe for concurrent use and
// implements Serializer so its content can be snapshotted and restored.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemory is the constructor for Memory.
func NewMemory() *Memory {
	return &Memory{items: map[string][]byte{}}
}

func (m *Memory) GetItem(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) SetItem(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = map[string][]byte{}
	}
	m.items[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) RemoveItem(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) ContainsKey(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[key]
	return ok, nil
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = map[string][]byte{}
	return nil
}

// Marshal implements Marshaler. Every stored value must be a JSON document.
func (m *Memory) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[string]json.RawMessage, len(m.items))
	for k, v := range m.items {
		if !json.Valid(v) {
			return nil, fmt.Errorf("cache item %q is not a JSON document", k)
		}
		snapshot[k] = v
	}
	return json.Marshal(snapshot)
}

// Unmarshal implements Unmarshaler, replacing the whole content of m.
func (m *Memory) Unmarshal(b []byte) error {
	snapshot := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &snapshot); err != nil {
		return fmt.Errorf("cache snapshot could not be decoded: %w", err)
	}
	items := make(map[string][]byte, len(snapshot))
	for k, v := range snapshot {
		items[k] = []byte(v)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = items
	return nil
}
