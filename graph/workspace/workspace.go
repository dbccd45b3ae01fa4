// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

// Package workspace executes nets built by the graph package over named
// in-memory tensors.
//
// It stands in for the external multi-threaded scheduler the plans are
// normally handed to: operators run sequentially in emission order, which
// always satisfies the control-dependency edges the builder encodes (the
// builder only ever orders an operator after earlier ones). The point of the
// package is to make reduction and broadcast semantics executable -- in
// tests and in the demo driver -- not to be a performant runtime.
package workspace

import (
	"context"

	"github.com/gradlab/dataparallel/collective"
	"github.com/gradlab/dataparallel/graph"
	"github.com/gradlab/dataparallel/kvstore"
	"github.com/pkg/errors"
)

// Workspace holds the named tensors and established common worlds of one
// shard (process).
type Workspace struct {
	// KV is the key-exchange store handed to CreateCommonWorld operators.
	// Only needed for nets with distributed operators.
	KV kvstore.Store

	blobs  map[string][]float32
	worlds map[string]*collective.CommonWorld
}

// New returns an empty workspace.
func New() *Workspace {
	return &Workspace{
		blobs:  make(map[string][]float32),
		worlds: make(map[string]*collective.CommonWorld),
	}
}

// SetBlob stores a tensor under the given full blob name.
func (ws *Workspace) SetBlob(name string, values []float32) {
	ws.blobs[name] = append([]float32(nil), values...)
}

// Blob returns the tensor stored under the full blob name.
func (ws *Workspace) Blob(name string) ([]float32, bool) {
	values, found := ws.blobs[name]
	return values, found
}

// HasBlob reports whether the blob exists.
func (ws *Workspace) HasBlob(name string) bool {
	_, found := ws.blobs[name]
	return found
}

// get returns an input tensor; a missing input is an error, never an empty
// default.
func (ws *Workspace) get(ref graph.BlobRef) ([]float32, error) {
	values, found := ws.blobs[ref.String()]
	if !found {
		return nil, errors.Errorf("blob %q does not exist in the workspace", ref)
	}
	return values, nil
}

// set stores an output tensor.
func (ws *Workspace) set(ref graph.BlobRef, values []float32) {
	ws.blobs[ref.String()] = values
}

// world returns the common world stored under the blob name.
func (ws *Workspace) world(ref graph.BlobRef) (*collective.CommonWorld, error) {
	cw, found := ws.worlds[ref.String()]
	if !found {
		return nil, errors.Errorf("common world %q does not exist in the workspace", ref)
	}
	return cw, nil
}

// RunNet executes the net's operators in emission order.
func (ws *Workspace) RunNet(ctx context.Context, net *graph.Net) error {
	for ii, op := range net.Operators() {
		exec, found := executors[op.Type]
		if !found {
			return errors.Errorf("net %q: no executor for operator type %q", net.Name(), op.Type)
		}
		if err := exec(ctx, ws, op); err != nil {
			return errors.Wrapf(err, "net %q: operator #%d (%s)", net.Name(), ii, op.Type)
		}
	}
	return nil
}
