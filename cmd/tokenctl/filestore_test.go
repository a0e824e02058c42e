// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	const path = "/state/tokens.json"

	s, err := openFileStore(fs, path)
	require.NoError(t, err)
	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, s.SetItem(ctx, "a", []byte(`{"secret":"x"}`)))
	require.NoError(t, s.SetItem(ctx, "b", []byte(`{"secret":"y"}`)))

	info, err := fs.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())

	reopened, err := openFileStore(fs, path)
	require.NoError(t, err)
	v, ok, err := reopened.GetItem(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"secret":"x"}`, string(v))

	require.NoError(t, reopened.RemoveItem(ctx, "a"))
	reopened, err = openFileStore(fs, path)
	require.NoError(t, err)
	ok, err = reopened.ContainsKey(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	keys, err = reopened.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)

	require.NoError(t, reopened.Clear(ctx))
	reopened, err = openFileStore(fs, path)
	require.NoError(t, err)
	keys, err = reopened.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFileStoreErrors(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	require.NoError(t, afero.WriteFile(fs, "/bad.json", []byte("not json"), 0o600))
	_, err := openFileStore(fs, "/bad.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/bad.json")

	require.NoError(t, afero.WriteFile(fs, "/empty.json", nil, 0o600))
	s, err := openFileStore(fs, "/empty.json")
	require.NoError(t, err)
	assert.Error(t, s.SetItem(ctx, "k", []byte("not json")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, s.SetItem(cancelled, "k", []byte(`{}`)), context.Canceled)
}
