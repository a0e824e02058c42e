// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/tokencore/tokencore-go/apps/cache"
)

// TokenCache keeps the samples' tokens in memory and snapshots them to a file, so a
// later run can start from the cached tokens.
type TokenCache struct {
	file string
	mem  *cache.Memory
}

// Storage is the storage capability handed to the clients.
func (t *TokenCache) Storage() cache.Storage {
	if t.mem == nil {
		t.mem = cache.NewMemory()
	}
	return t.mem
}

// Load replaces the in-memory cache with the file's snapshot. A missing file is not an error.
func (t *TokenCache) Load() error {
	data, err := os.ReadFile(t.file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return t.Storage().(cache.Unmarshaler).Unmarshal(data)
}

// Save writes the in-memory cache to the file.
func (t *TokenCache) Save() error {
	data, err := t.Storage().(cache.Marshaler).Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(t.file, data, 0600)
}
