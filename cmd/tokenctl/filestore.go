// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/tokencore/tokencore-go/apps/cache"
)

// fileStore is a cache.Storage persisted as one JSON document. The file is read once when the
// store opens and rewritten after every mutation.
type fileStore struct {
	fs   afero.Fs
	path string

	mu  sync.Mutex
	mem *cache.Memory
}

func openFileStore(fs afero.Fs, path string) (*fileStore, error) {
	s := &fileStore{fs: fs, path: path, mem: cache.NewMemory()}
	ok, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat cache file %s: %w", path, err)
	}
	if !ok {
		return s, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := s.mem.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("cache file %s: %w", path, err)
	}
	return s, nil
}

func (s *fileStore) GetItem(ctx context.Context, key string) ([]byte, bool, error) {
	return s.mem.GetItem(ctx, key)
}

func (s *fileStore) ContainsKey(ctx context.Context, key string) (bool, error) {
	return s.mem.ContainsKey(ctx, key)
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	return s.mem.Keys(ctx)
}

func (s *fileStore) SetItem(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.SetItem(ctx, key, value); err != nil {
		return err
	}
	return s.flush()
}

func (s *fileStore) RemoveItem(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.RemoveItem(ctx, key); err != nil {
		return err
	}
	return s.flush()
}

func (s *fileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Clear(ctx); err != nil {
		return err
	}
	return s.flush()
}

// flush must be called with s.mu held.
func (s *fileStore) flush() error {
	data, err := s.mem.Marshal()
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	return afero.WriteFile(s.fs, s.path, data, 0o600)
}

var _ cache.Storage = (*fileStore)(nil)
