// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/gradlab/dataparallel/graph"
	"github.com/pkg/errors"
)

// ReplicaSet is the ordered list of devices participating in training. The
// first device is the master: the one holding the authoritative copy in any
// reduction or broadcast that needs one.
type ReplicaSet struct {
	devices []graph.Device
}

// NewReplicaSet validates and wraps an ordered device list.
func NewReplicaSet(devices []graph.Device) (*ReplicaSet, error) {
	if len(devices) == 0 {
		return nil, errors.Wrap(ErrConfiguration, "replica set needs at least one device")
	}
	seen := make(map[graph.Device]bool, len(devices))
	for _, d := range devices {
		if seen[d] {
			return nil, errors.Wrapf(ErrConfiguration, "device %s listed twice in replica set", d)
		}
		seen[d] = true
	}
	return &ReplicaSet{devices: devices}, nil
}

// Devices returns the ordered device list. Owned by the replica set.
func (rs *ReplicaSet) Devices() []graph.Device { return rs.devices }

// Master returns the designated master device.
func (rs *ReplicaSet) Master() graph.Device { return rs.devices[0] }

// Size returns the number of devices.
func (rs *ReplicaSet) Size() int { return len(rs.devices) }

// Grouping maps logical blob names to their per-device replicas. Name order
// follows first insertion, so iteration is deterministic across processes
// that construct their graphs in the same order.
type Grouping struct {
	names  []string
	byName map[string]map[graph.Device]graph.Ref
}

// NewGrouping returns an empty grouping.
func NewGrouping() *Grouping {
	return &Grouping{byName: make(map[string]map[graph.Device]graph.Ref)}
}

// Names returns the logical names in insertion order. Owned by the grouping.
func (g *Grouping) Names() []string { return g.names }

// Has reports whether the logical name is grouped.
func (g *Grouping) Has(name string) bool {
	_, found := g.byName[name]
	return found
}

// Replicas returns the device-to-replica map of a logical name.
func (g *Grouping) Replicas(name string) (map[graph.Device]graph.Ref, bool) {
	replicas, found := g.byName[name]
	return replicas, found
}

// Replica returns the replica of the logical name on the given device.
// Absence is an error, never an empty default: every grouped name must have
// exactly one handle per device.
func (g *Grouping) Replica(name string, device graph.Device) (graph.Ref, error) {
	replicas, found := g.byName[name]
	if !found {
		return nil, errors.Wrapf(ErrConsistency, "logical name %q is not grouped", name)
	}
	ref, found := replicas[device]
	if !found {
		return nil, errors.Wrapf(ErrConsistency, "logical name %q has no replica on device %s", name, device)
	}
	return ref, nil
}

// OrderedReplicas returns the replicas of a logical name in device order.
func (g *Grouping) OrderedReplicas(name string, devices []graph.Device) ([]graph.Ref, error) {
	refs := make([]graph.Ref, 0, len(devices))
	for _, device := range devices {
		ref, err := g.Replica(name, device)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (g *Grouping) add(name string, device graph.Device, ref graph.Ref) {
	replicas, found := g.byName[name]
	if !found {
		replicas = make(map[graph.Device]graph.Ref)
		g.byName[name] = replicas
		g.names = append(g.names, name)
	}
	replicas[device] = ref
}

// Merge adds all entries of other into g. Overlapping names merge their
// device maps.
func (g *Grouping) Merge(other *Grouping) {
	for _, name := range other.names {
		for device, ref := range other.byName[name] {
			g.add(name, device, ref)
		}
	}
}

// Group partitions a blob list evenly across the replica set's devices and
// groups the result as {logical name -> {device -> handle}}.
//
// The first numExcluded blobs are not data-parallel (they were registered
// before replication) and are skipped. The remaining count must divide
// evenly by the device count, or Group fails with ErrConfiguration.
//
// Each blob's own device must match the device the partitioning order
// assigns it to; a mismatch means the per-device graph construction order
// diverged between replicas, and is an ErrConsistency.
func (rs *ReplicaSet) Group(refs []graph.Ref, numExcluded int) (*Grouping, error) {
	if numExcluded < 0 || numExcluded > len(refs) {
		return nil, errors.Wrapf(ErrConfiguration, "excluded prefix of %d blobs out of %d", numExcluded, len(refs))
	}
	refs = refs[numExcluded:]
	numDevices := len(rs.devices)
	if len(refs)%numDevices != 0 {
		return nil, errors.Wrapf(ErrConfiguration,
			"%d data-parallel blobs cannot be partitioned evenly across %d devices", len(refs), numDevices)
	}

	grouping := NewGrouping()
	perDevice := len(refs) / numDevices
	for ii, ref := range refs {
		expected := rs.devices[ii/perDevice]
		if ref.Device() != expected {
			return nil, errors.Wrapf(ErrConsistency,
				"blob %v was built on device %s but partition order assigns it to %s; "+
					"per-device construction order differs between replicas", ref, ref.Device(), expected)
		}
		grouping.add(ref.LogicalName(), expected, ref)
	}

	// Each logical name must have exactly one handle per device, and the
	// names must appear in the same order on every device.
	for jj, name := range grouping.names {
		replicas := grouping.byName[name]
		if len(replicas) != numDevices {
			return nil, errors.Wrapf(ErrConsistency,
				"logical name %q has %d replicas, want one per device (%d)", name, len(replicas), numDevices)
		}
		if replicas[rs.Master()] != refs[jj] {
			return nil, errors.Wrapf(ErrConsistency,
				"logical name %q out of order: master replica is %v, expected %v", name, replicas[rs.Master()], refs[jj])
		}
	}
	return grouping, nil
}

// groupComplete groups blobs by their own device, requiring every logical
// name to end up with one replica per device. Unlike Group it has no
// even-partition precondition and accepts blobs in any order; it serves the
// sync-blob set, whose members are discovered from the init net rather than
// registered in partition order.
func (rs *ReplicaSet) groupComplete(refs []graph.Ref) (*Grouping, error) {
	grouping := NewGrouping()
	for _, ref := range refs {
		grouping.add(ref.LogicalName(), ref.Device(), ref)
	}
	for _, name := range grouping.names {
		if len(grouping.byName[name]) != len(rs.devices) {
			return nil, errors.Wrapf(ErrConsistency,
				"sync blob %q has %d replicas, want one per device (%d)", name, len(grouping.byName[name]), len(rs.devices))
		}
	}
	return grouping, nil
}

// ValidateUnique fails with ErrDuplicateParameter if any blob appears twice
// in the list (by identity of its full name).
func ValidateUnique(refs []graph.Ref) error {
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		key := refKey(ref)
		if seen[key] {
			return errors.Wrapf(ErrDuplicateParameter, "parameter %v registered twice", ref)
		}
		seen[key] = true
	}
	return nil
}

func refKey(ref graph.Ref) string {
	switch r := ref.(type) {
	case graph.BlobRef:
		return r.String()
	case graph.GradientSlice:
		return r.String()
	default:
		return ref.LogicalName()
	}
}
