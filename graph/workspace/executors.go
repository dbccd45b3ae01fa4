// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"

	"github.com/gradlab/dataparallel/collective"
	"github.com/gradlab/dataparallel/graph"
	"github.com/pkg/errors"
)

type execFn func(ctx context.Context, ws *Workspace, op *graph.Operator) error

var executors = map[string]execFn{
	graph.OpConstantFill:        execConstantFill,
	graph.OpIter:                execIter,
	graph.OpSum:                 execSum,
	graph.OpAdd:                 execSum,
	graph.OpSub:                 execSub,
	graph.OpNegative:            execNegative,
	graph.OpMul:                 execMul,
	graph.OpScale:               execScale,
	graph.OpSumElements:         execSumElements,
	graph.OpSumElementsGradient: execSumElementsGradient,
	graph.OpGather:              execGather,
	graph.OpCopy:                execCopy,
	graph.OpCopyDeviceToHost:    execCopy,
	graph.OpCopyHostToDevice:    execCopy,
	graph.OpConcat:              execConcat,
	graph.OpCreateCommonWorld:   execCreateCommonWorld,
	graph.OpAllreduce:           execAllreduce,
	graph.OpBroadcast:           execBroadcast,
	graph.OpLocalAllreduce:      execLocalAllreduce,
}

func execConstantFill(_ context.Context, ws *Workspace, op *graph.Operator) error {
	size := int(op.IntArg(graph.ArgSize, 1))
	if len(op.Inputs) == 1 {
		shapeOf, err := ws.get(op.Inputs[0])
		if err != nil {
			return err
		}
		size = len(shapeOf)
	}
	value := float32(op.FloatArg(graph.ArgValue, 0))
	out := make([]float32, size)
	for ii := range out {
		out[ii] = value
	}
	ws.set(op.Outputs[0], out)
	return nil
}

func execIter(_ context.Context, ws *Workspace, op *graph.Operator) error {
	name := op.Outputs[0]
	counter, found := ws.Blob(name.String())
	if !found {
		ws.set(name, []float32{0})
		return nil
	}
	counter[0]++
	return nil
}

func execSum(_ context.Context, ws *Workspace, op *graph.Operator) error {
	first, err := ws.get(op.Inputs[0])
	if err != nil {
		return err
	}
	out := append([]float32(nil), first...)
	for _, in := range op.Inputs[1:] {
		values, err := ws.get(in)
		if err != nil {
			return err
		}
		if len(values) != len(out) {
			return errors.Errorf("sum inputs disagree on length: %d vs %d", len(values), len(out))
		}
		for ii, v := range values {
			out[ii] += v
		}
	}
	ws.set(op.Outputs[0], out)
	return nil
}

func execSub(_ context.Context, ws *Workspace, op *graph.Operator) error {
	a, err := ws.get(op.Inputs[0])
	if err != nil {
		return err
	}
	b, err := ws.get(op.Inputs[1])
	if err != nil {
		return err
	}
	if len(a) != len(b) {
		return errors.Errorf("sub inputs disagree on length: %d vs %d", len(a), len(b))
	}
	out := make([]float32, len(a))
	for ii := range a {
		out[ii] = a[ii] - b[ii]
	}
	ws.set(op.Outputs[0], out)
	return nil
}

func execNegative(_ context.Context, ws *Workspace, op *graph.Operator) error {
	in, err := ws.get(op.Inputs[0])
	if err != nil {
		return err
	}
	out := make([]float32, len(in))
	for ii, v := range in {
		out[ii] = -v
	}
	ws.set(op.Outputs[0], out)
	return nil
}

func execMul(_ context.Context, ws *Workspace, op *graph.Operator) error {
	a, err := ws.get(op.Inputs[0])
	if err != nil {
		return err
	}
	b, err := ws.get(op.Inputs[1])
	if err != nil {
		return err
	}
	if len(a) != len(b) {
		return errors.Errorf("mul inputs disagree on length: %d vs %d", len(a), len(b))
	}
	out := make([]float32, len(a))
	for ii := range a {
		out[ii] = a[ii] * b[ii]
	}
	ws.set(op.Outputs[0], out)
	return nil
}

func execScale(_ context.Context, ws *Workspace, op *graph.Operator) error {
	in, err := ws.get(op.Inputs[0])
	if err != nil {
		return err
	}
	scale := float32(op.FloatArg(graph.ArgScale, 1))
	out := make([]float32, len(in))
	for ii, v := range in {
		out[ii] = v * scale
	}
	ws.set(op.Outputs[0], out)
	return nil
}

func execSumElements(_ context.Context, ws *Workspace, op *graph.Operator) error {
	in, err := ws.get(op.Inputs[0])
	if err != nil {
		return err
	}
	var total float32
	for _, v := range in {
		total += v
	}
	ws.set(op.Outputs[0], []float32{total})
	return nil
}

func execSumElementsGradient(_ context.Context, ws *Workspace, op *graph.Operator) error {
	shapeOf, err := ws.get(op.Inputs[0])
	if err != nil {
		return err
	}
	gradOut, err := ws.get(op.Inputs[1])
	if err != nil {
		return err
	}
	out := make([]float32, len(shapeOf))
	for ii := range out {
		out[ii] = gradOut[0]
	}
	ws.set(op.Outputs[0], out)
	return nil
}

func execGather(_ context.Context, ws *Workspace, op *graph.Operator) error {
	data, err := ws.get(op.Inputs[0])
	if err != nil {
		return err
	}
	indices, err := ws.get(op.Inputs[1])
	if err != nil {
		return err
	}
	out := make([]float32, len(indices))
	for ii, idx := range indices {
		pos := int(idx)
		if pos < 0 || pos >= len(data) {
			return errors.Errorf("gather index %d out of range [0, %d)", pos, len(data))
		}
		out[ii] = data[pos]
	}
	ws.set(op.Outputs[0], out)
	return nil
}

func execCopy(_ context.Context, ws *Workspace, op *graph.Operator) error {
	in, err := ws.get(op.Inputs[0])
	if err != nil {
		return err
	}
	ws.set(op.Outputs[0], append([]float32(nil), in...))
	return nil
}

func execConcat(_ context.Context, ws *Workspace, op *graph.Operator) error {
	if axis := op.IntArg(graph.ArgAxis, 0); axis != 0 {
		return errors.Errorf("concat only supports axis 0, got %d", axis)
	}
	var out []float32
	splitInfo := make([]float32, 0, len(op.Inputs))
	for _, in := range op.Inputs {
		values, err := ws.get(in)
		if err != nil {
			return err
		}
		out = append(out, values...)
		splitInfo = append(splitInfo, float32(len(values)))
	}
	ws.set(op.Outputs[0], out)
	ws.set(op.Outputs[1], splitInfo)
	return nil
}

func execCreateCommonWorld(ctx context.Context, ws *Workspace, op *graph.Operator) error {
	engine, err := collective.Get(op.Engine)
	if err != nil {
		return err
	}
	if ws.KV == nil {
		return errors.New("workspace has no key-exchange store; distributed nets need Workspace.KV set")
	}
	params := collective.WorldParams{
		RunID: op.StrArg(graph.ArgRunID, ""),
		Name:  op.StrArg(graph.ArgWorldName, ""),
		Size:  int(op.IntArg(graph.ArgWorldSize, 1)),
		Rank:  int(op.IntArg(graph.ArgWorldRank, 0)),
	}
	cw, err := engine.CreateCommonWorld(ctx, ws.KV, params)
	if err != nil {
		return err
	}
	ws.worlds[op.Outputs[0].String()] = cw
	return nil
}

func execAllreduce(_ context.Context, ws *Workspace, op *graph.Operator) error {
	engine, err := collective.Get(op.Engine)
	if err != nil {
		return err
	}
	cw, err := ws.world(op.Inputs[0])
	if err != nil {
		return err
	}
	buffers := make([][]float32, 0, len(op.Inputs)-1)
	for _, in := range op.Inputs[1:] {
		values, err := ws.get(in)
		if err != nil {
			return err
		}
		buffers = append(buffers, values)
	}
	return engine.AllReduce(cw, buffers)
}

func execBroadcast(_ context.Context, ws *Workspace, op *graph.Operator) error {
	engine, err := collective.Get(op.Engine)
	if err != nil {
		return err
	}
	cw, err := ws.world(op.Inputs[0])
	if err != nil {
		return err
	}
	buffer, err := ws.get(op.Inputs[1])
	if err != nil {
		return err
	}
	return engine.Broadcast(cw, buffer)
}

func execLocalAllreduce(_ context.Context, ws *Workspace, op *graph.Operator) error {
	engineName := op.Engine
	if engineName == "" {
		engineName = collective.EngineNCCL
	}
	engine, err := collective.Get(engineName)
	if err != nil {
		return err
	}
	buffers := make([][]float32, 0, len(op.Inputs))
	for _, in := range op.Inputs {
		values, err := ws.get(in)
		if err != nil {
			return err
		}
		buffers = append(buffers, values)
	}
	return engine.AllReduce(nil, buffers)
}
