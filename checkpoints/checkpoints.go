// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and restores workspace blobs through a
// kvstore.Store, keyed by epoch.
//
// The handler only moves tensors; cross-replica consistency after a restore
// is the plan's business -- call Plan.FinalizeAfterCheckpoint with the
// restored names afterwards.
package checkpoints

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gradlab/dataparallel/graph/workspace"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gradlab/dataparallel/kvstore"
)

// Handler saves and restores named workspace blobs.
type Handler struct {
	// KV is the store checkpoints are written to. A FileStore gives durable
	// on-disk checkpoints; a MemStore suffices for tests.
	KV kvstore.Store

	// Prefix namespaces this job's checkpoints within the store.
	Prefix string
}

// New returns a handler writing under the given prefix.
func New(kv kvstore.Store, prefix string) *Handler {
	return &Handler{KV: kv, Prefix: prefix}
}

func (h *Handler) key(epoch int) string {
	return fmt.Sprintf("checkpoints/%s/epoch_%08d", h.Prefix, epoch)
}

// payload is the gob wire form of one checkpoint.
type payload struct {
	Epoch int
	Blobs map[string][]float32
}

// Save stores the named blobs of the workspace under the epoch. Every name
// must exist in the workspace.
func (h *Handler) Save(ws *workspace.Workspace, blobNames []string, epoch int) error {
	p := payload{Epoch: epoch, Blobs: make(map[string][]float32, len(blobNames))}
	for _, name := range blobNames {
		values, found := ws.Blob(name)
		if !found {
			return errors.Errorf("cannot checkpoint blob %q: not in the workspace", name)
		}
		p.Blobs[name] = values
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return errors.Wrapf(err, "encoding checkpoint for epoch %d", epoch)
	}
	if err := h.KV.Set(h.key(epoch), buf.Bytes()); err != nil {
		return errors.Wrapf(err, "storing checkpoint for epoch %d", epoch)
	}
	klog.Infof("Saved checkpoint %q: %d blobs, %s",
		h.key(epoch), len(p.Blobs), humanize.Bytes(uint64(buf.Len())))
	return nil
}

// Load restores the blobs of the epoch's checkpoint into the workspace and
// returns the restored names. A missing checkpoint returns found=false, not
// an error.
func (h *Handler) Load(ws *workspace.Workspace, epoch int) (blobNames []string, found bool, err error) {
	raw, found, err := h.KV.Get(h.key(epoch))
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading checkpoint for epoch %d", epoch)
	}
	if !found {
		return nil, false, nil
	}
	var p payload
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
		return nil, false, errors.Wrapf(err, "decoding checkpoint for epoch %d", epoch)
	}
	for name, values := range p.Blobs {
		ws.SetBlob(name, values)
		blobNames = append(blobNames, name)
	}
	klog.Infof("Loaded checkpoint %q: %d blobs", h.key(epoch), len(p.Blobs))
	return blobNames, true, nil
}

// Has reports whether a checkpoint exists for the epoch.
func (h *Handler) Has(epoch int) (bool, error) {
	_, found, err := h.KV.Get(h.key(epoch))
	return found, err
}
