// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"

	"github.com/gradlab/dataparallel/collective"
	"github.com/gradlab/dataparallel/graph"
	"github.com/gradlab/dataparallel/internal/xslices"
)

// reduceSumAnnotation tags the pairwise reduction sums, which legitimately
// read blobs of a sibling device scope.
const reduceSumAnnotation = "replica_reduce"

// reducer emits the operators that reduce every named gradient's per-device
// values into one value known on all devices.
//
// Gradients are processed in reverse construction order: backpropagation
// finishes the last layers' gradients first, so reducing in reverse order
// lets early-layer reduction overlap with still-running backward compute.
type reducer struct {
	model *Model

	// net receives the reduction operators: the step net for per-step
	// gradient reduction, the global update net for block-wise updates.
	net *graph.Net

	rs          *ReplicaSet
	grouping    *Grouping
	gradNames   []string // construction order
	rendezvous  *Rendezvous
	engine      collective.Engine // resolved when rendezvous != nil
	coordinator *Coordinator
	broadcaster *broadcaster

	// window bounds the number of concurrent cross-host reductions: the Nth
	// operation is serialized against operation N-window.
	window int

	// localChain serializes fused local collectives, which share
	// communication buffers.
	localChain    graph.BlobRef
	haveChain     bool
	useCollective bool

	// concatenatedIndices remembers indices blobs already concatenated, by
	// identity. Two gradients sharing one indices blob (tied embeddings)
	// concatenate it only once.
	concatenatedIndices map[string]bool

	// indexConcats counts emitted index concatenations.
	indexConcats int
}

// reduceAll emits reduction for every grouped gradient.
func (r *reducer) reduceAll() {
	reversed := xslices.Reverse(r.gradNames)
	if r.rendezvous == nil {
		r.reduceSingleHost(reversed)
	} else {
		r.reduceDistributed(reversed)
	}
}

// orderedDense returns the per-device dense blobs of a gradient, in device
// order.
func (r *reducer) orderedDense(gradName string) []graph.BlobRef {
	refs, err := r.grouping.OrderedReplicas(gradName, r.rs.Devices())
	if err != nil {
		panic(err)
	}
	return xslices.Map(refs, func(ref graph.Ref) graph.BlobRef {
		dense, ok := ref.(graph.BlobRef)
		if !ok {
			panicf(ErrConfiguration, "gradient %q is sparse on some devices and dense on others", gradName)
		}
		return dense
	})
}

// reduceSingleHost handles all gradients within one host.
func (r *reducer) reduceSingleHost(gradNames []string) {
	if r.rs.Size() == 1 {
		return // A single replica is already reduced.
	}
	for _, gradName := range gradNames {
		refs, err := r.grouping.OrderedReplicas(gradName, r.rs.Devices())
		if err != nil {
			panic(err)
		}
		if _, sparse := refs[0].(graph.GradientSlice); sparse {
			r.reduceSparse(gradName, refs)
		} else {
			r.reduceDense(gradName)
		}
	}
}

// reduceDense reduces one dense gradient across the local devices: a fused
// collective when enabled, otherwise a topology-aware tree of pairwise sums
// for 8 and 4 devices, or reduce-into-master plus broadcast for any other
// device count.
func (r *reducer) reduceDense(gradName string) {
	blobs := r.orderedDense(gradName)
	masterCtx := graph.OnDevice(r.rs.Master())

	if r.useCollective && blobs[0].Device().Kind == graph.Accelerator {
		op := r.net.AddOp(masterCtx, graph.OpLocalAllreduce, blobs, blobs).
			WithEngine(collective.EngineNCCL)
		if r.haveChain {
			// Fused collectives share buffers; they must not overlap.
			op.WithControlInput(r.localChain)
		}
		r.localChain = blobs[0]
		r.haveChain = true
		return
	}

	sum2 := func(ii, jj int) {
		r.net.AddOp(graph.OnDevice(r.rs.Devices()[ii]), graph.OpSum,
			[]graph.BlobRef{blobs[ii], blobs[jj]}, []graph.BlobRef{blobs[ii]}).
			WithAnnotation(reduceSumAnnotation)
	}
	switch r.rs.Size() {
	case 8:
		// Pairwise tree: log2(8) rounds of sums, then broadcast from master.
		for jj := 0; jj < 4; jj++ {
			sum2(jj*2, jj*2+1)
		}
		for jj := 0; jj < 2; jj++ {
			sum2(jj*4, jj*4+2)
		}
		sum2(0, 4)
	case 4:
		sum2(0, 1)
		sum2(2, 3)
		sum2(0, 2)
	default:
		// General fallback: reduce everything into the master copy.
		r.net.AddOp(masterCtx, graph.OpSum, blobs, blobs[:1]).
			WithAnnotation(reduceSumAnnotation)
	}
	r.broadcaster.broadcastLocal(r.net, gradName)
}

// reduceSparse reduces one sparse gradient: the per-device indices tensors
// are concatenated (once per distinct indices blob) and the values tensors
// concatenated, then both concatenations are copied back to every device's
// slice.
func (r *reducer) reduceSparse(gradName string, refs []graph.Ref) {
	slices := xslices.Map(refs, func(ref graph.Ref) graph.GradientSlice {
		slice, ok := ref.(graph.GradientSlice)
		if !ok {
			panicf(ErrConfiguration, "gradient %q is sparse on some devices and dense on others", gradName)
		}
		return slice
	})
	masterCtx := graph.OnDevice(r.rs.Master())

	skipIndices := false
	for _, slice := range slices {
		if r.concatenatedIndices[slice.Indices.String()] {
			skipIndices = true
		}
	}
	if !skipIndices {
		indexConcat := masterCtx.Blob(gradName + "_index_concat")
		indexSplit := masterCtx.Blob(gradName + "_index_splitinfo")
		indices := xslices.Map(slices, func(s graph.GradientSlice) graph.BlobRef { return s.Indices })
		r.net.AddOp(masterCtx, graph.OpConcat, indices,
			[]graph.BlobRef{indexConcat, indexSplit}).
			WithIntArg(graph.ArgAxis, 0)
		r.indexConcats++
		for ii, slice := range slices {
			r.net.AddOp(graph.OnDevice(r.rs.Devices()[ii]), graph.OpCopy,
				[]graph.BlobRef{indexConcat}, []graph.BlobRef{slice.Indices})
			r.concatenatedIndices[slice.Indices.String()] = true
		}
	}

	valueConcat := masterCtx.Blob(gradName + "_val_concat")
	valueSplit := masterCtx.Blob(gradName + "_val_splitinfo")
	values := xslices.Map(slices, func(s graph.GradientSlice) graph.BlobRef { return s.Values })
	r.net.AddOp(masterCtx, graph.OpConcat, values,
		[]graph.BlobRef{valueConcat, valueSplit}).
		WithIntArg(graph.ArgAxis, 0)
	for ii, slice := range slices {
		r.net.AddOp(graph.OnDevice(r.rs.Devices()[ii]), graph.OpCopy,
			[]graph.BlobRef{valueConcat}, []graph.BlobRef{slice.Values})
	}
}

// reduceDistributed handles all gradients across hosts. Cross-host
// reductions are windowed: at most `window` operations are in flight, each
// chained by an explicit control dependency to the operation `window` places
// before it, and the `window` common worlds are reused cyclically.
func (r *reducer) reduceDistributed(gradNames []string) {
	masterCtx := graph.OnDevice(r.rs.Master())
	cyclicalControls := make([]graph.BlobRef, 0, r.window)

	for counter, gradName := range gradNames {
		if refs, err := r.grouping.OrderedReplicas(gradName, r.rs.Devices()); err == nil {
			if _, sparse := refs[0].(graph.GradientSlice); sparse {
				panicf(ErrConfiguration, "gradient %q is sparse; sparse gradients are not supported in cross-host reduction", gradName)
			}
		}
		blobs := r.orderedDense(gradName)
		masterBlob := blobs[0]

		var controlInput graph.BlobRef
		haveControl := false
		if len(cyclicalControls) == r.window {
			controlInput = cyclicalControls[counter%r.window]
			haveControl = true
		}
		world := r.coordinator.CommonWorld(r.model.Init, masterCtx,
			fmt.Sprintf("allreduce_%d_cw", counter%r.window))

		var controlOutput graph.BlobRef
		if r.engine.SupportsFusedCollectives() {
			// Cross-device and cross-host reduction in a single operation.
			op := r.net.AddOp(masterCtx, graph.OpAllreduce,
				append([]graph.BlobRef{world.Blob}, blobs...), blobs).
				WithEngine(r.rendezvous.Engine)
			if haveControl {
				op.WithControlInput(controlInput)
			}
			controlOutput = blobs[0]
		} else {
			controlOutput = r.stagedAllReduce(masterCtx, gradName, blobs, masterBlob,
				world, controlInput, haveControl)
		}

		if len(cyclicalControls) < r.window {
			cyclicalControls = append(cyclicalControls, controlOutput)
		} else {
			cyclicalControls[counter%r.window] = controlOutput
		}
	}
}

// stagedAllReduce is the path for engines without fused multi-device
// collectives: sum across local devices into a scratch blob, allreduce the
// scratch across hosts, then broadcast back to the local devices. The
// scratch blob doubles as the control output serializing the window.
func (r *reducer) stagedAllReduce(masterCtx graph.BuildContext, gradName string,
	blobs []graph.BlobRef, masterBlob graph.BlobRef, world *World,
	controlInput graph.BlobRef, haveControl bool) graph.BlobRef {

	reduced := masterBlob.WithSuffix("_red")
	r.net.AddOp(masterCtx, graph.OpConstantFill,
		[]graph.BlobRef{masterBlob}, []graph.BlobRef{reduced}).
		WithFloatArg(graph.ArgValue, 0)

	// Local reduction shares scratch buffers across operations: chain them.
	localOp := r.net.AddOp(masterCtx, graph.OpLocalAllreduce, blobs, blobs).
		WithEngine(collective.EngineNCCL)
	if r.haveChain {
		localOp.WithControlInput(r.localChain)
	}
	r.localChain = blobs[0]
	r.haveChain = true

	r.net.AddOp(masterCtx, graph.OpCopy,
		[]graph.BlobRef{masterBlob}, []graph.BlobRef{reduced})

	crossOp := r.net.AddOp(masterCtx, graph.OpAllreduce,
		[]graph.BlobRef{world.Blob, reduced}, []graph.BlobRef{reduced}).
		WithEngine(r.rendezvous.Engine)
	if haveControl {
		crossOp.WithControlInput(controlInput)
	}

	r.net.AddOp(masterCtx, graph.OpCopy,
		[]graph.BlobRef{reduced}, []graph.BlobRef{masterBlob})
	r.broadcaster.broadcastLocal(r.net, gradName)
	return reduced
}
