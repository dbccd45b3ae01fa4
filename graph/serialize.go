// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
)

// Wire mirrors of the net types: gob needs exported fields, and the net
// keeps its own fields private to preserve the append-only discipline.

type blobDef struct {
	Name    string
	Logical string
	Device  Device
}

type opDef struct {
	Type          string
	Inputs        []blobDef
	Outputs       []blobDef
	ControlInputs []blobDef
	Device        Device
	Engine        string
	Annotation    string
	FloatArgs     map[string]float64
	IntArgs       map[string]int64
	StrArgs       map[string]string
}

type netDef struct {
	Name           string
	Type           string
	NumWorkers     int
	Args           map[string]int64
	Differentiated bool
	Ops            []opDef
}

func blobToDef(b BlobRef) blobDef {
	return blobDef{Name: b.name, Logical: b.logical, Device: b.device}
}

func blobFromDef(d blobDef) BlobRef {
	return BlobRef{name: d.Name, logical: d.Logical, device: d.Device}
}

func blobsToDefs(bs []BlobRef) []blobDef {
	defs := make([]blobDef, len(bs))
	for ii, b := range bs {
		defs[ii] = blobToDef(b)
	}
	return defs
}

func blobsFromDefs(ds []blobDef) []BlobRef {
	if ds == nil {
		return nil
	}
	bs := make([]BlobRef, len(ds))
	for ii, d := range ds {
		bs[ii] = blobFromDef(d)
	}
	return bs
}

// Serialize encodes the net so it can be handed to an external executor or
// stored alongside a checkpoint.
func (n *Net) Serialize() ([]byte, error) {
	def := netDef{
		Name:           n.name,
		Type:           n.netType,
		NumWorkers:     n.numWorkers,
		Args:           n.args,
		Differentiated: n.differentiated,
		Ops:            make([]opDef, len(n.ops)),
	}
	for ii, op := range n.ops {
		def.Ops[ii] = opDef{
			Type:          op.Type,
			Inputs:        blobsToDefs(op.Inputs),
			Outputs:       blobsToDefs(op.Outputs),
			ControlInputs: blobsToDefs(op.ControlInputs),
			Device:        op.DeviceOf,
			Engine:        op.Engine,
			Annotation:    op.Annotation,
			FloatArgs:     op.FloatArgs,
			IntArgs:       op.IntArgs,
			StrArgs:       op.StrArgs,
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(def); err != nil {
		return nil, errors.Wrapf(err, "failed to serialize net %q", n.name)
	}
	return buf.Bytes(), nil
}

// DeserializeNet decodes a net serialized with Net.Serialize.
func DeserializeNet(data []byte) (*Net, error) {
	var def netDef
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&def); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize net")
	}
	n := &Net{
		name:           def.Name,
		netType:        def.Type,
		numWorkers:     def.NumWorkers,
		args:           def.Args,
		differentiated: def.Differentiated,
		ops:            make([]*Operator, len(def.Ops)),
	}
	if n.args == nil {
		n.args = make(map[string]int64)
	}
	for ii, opd := range def.Ops {
		n.ops[ii] = &Operator{
			Type:          opd.Type,
			Inputs:        blobsFromDefs(opd.Inputs),
			Outputs:       blobsFromDefs(opd.Outputs),
			ControlInputs: blobsFromDefs(opd.ControlInputs),
			DeviceOf:      opd.Device,
			Engine:        opd.Engine,
			Annotation:    opd.Annotation,
			FloatArgs:     opd.FloatArgs,
			IntArgs:       opd.IntArgs,
			StrArgs:       opd.StrArgs,
		}
	}
	return n, nil
}
