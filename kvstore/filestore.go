// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// FileStore is a Store backed by a directory on a filesystem shared by all
// participating processes (e.g. NFS). Keys map to files; writes are made
// visible atomically through a rename.
type FileStore struct {
	dir string

	// PollInterval is how often Wait re-checks for a key. Defaults to 20ms.
	PollInterval time.Duration
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create store directory %q", dir)
	}
	return &FileStore{dir: dir, PollInterval: 20 * time.Millisecond}, nil
}

func (s *FileStore) path(key string) string {
	// Keys may contain separators ("rendezvous/run/rank_0"); escape them so
	// every key is a single file.
	return filepath.Join(s.dir, url.PathEscape(key))
}

// Set implements Store.
func (s *FileStore) Set(key string, value []byte) error {
	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write key %q", key)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to publish key %q", key)
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(key string) ([]byte, bool, error) {
	value, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read key %q", key)
	}
	return value, true, nil
}

// Wait implements Store, polling until the key appears.
func (s *FileStore) Wait(ctx context.Context, key string) ([]byte, error) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		value, found, err := s.Get(key)
		if err != nil {
			return nil, err
		}
		if found {
			return value, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for key %q", key)
		}
	}
}
