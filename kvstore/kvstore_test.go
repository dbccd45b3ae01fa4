// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package kvstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/gradlab/dataparallel/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store kvstore.Store) {
	t.Helper()
	ctx := context.Background()

	_, found, err := store.Get("absent")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set("k", []byte("v1")))
	value, found, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), value)

	// Overwrite.
	require.NoError(t, store.Set("k", []byte("v2")))
	value, _, err = store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)

	// Wait on a present key returns immediately.
	value, err = store.Wait(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)

	// Wait on an absent key blocks until Set.
	done := make(chan []byte, 1)
	errC := make(chan error, 1)
	go func() {
		v, err := store.Wait(ctx, "later")
		if err != nil {
			errC <- err
			return
		}
		done <- v
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.Set("later", []byte("arrived")))
	select {
	case v := <-done:
		assert.Equal(t, []byte("arrived"), v)
	case err := <-errC:
		t.Fatalf("Wait failed: %+v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait never observed the Set")
	}

	// Wait honors context cancellation.
	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = store.Wait(cancelCtx, "never")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemStore(t *testing.T) {
	testStore(t, kvstore.NewMemStore())
}

func TestFileStore(t *testing.T) {
	store, err := kvstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	store.PollInterval = 5 * time.Millisecond
	testStore(t, store)
}

func TestFileStoreKeysWithSeparators(t *testing.T) {
	dir := t.TempDir()
	store, err := kvstore.NewFileStore(dir)
	require.NoError(t, err)

	key := "rendezvous/run-1/allreduce_0_cw/rank_0"
	require.NoError(t, store.Set(key, []byte{0}))
	value, found, err := store.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte{0}, value)

	// A second store over the same directory sees the key.
	other, err := kvstore.NewFileStore(dir)
	require.NoError(t, err)
	_, found, err = other.Get(key)
	require.NoError(t, err)
	assert.True(t, found)
}
