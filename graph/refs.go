// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "strings"

// Ref is a reference to one per-device value: either a dense tensor
// (BlobRef) or a sparse GradientSlice.
type Ref interface {
	// LogicalName is the device-independent name of the value: the blob name
	// with the device name-scope stripped.
	LogicalName() string

	// Device that owns the referenced value.
	Device() Device
}

// BlobRef references one named dense tensor on one device.
//
// The device and the logical (scope-free) name are carried explicitly from
// the moment the reference is created, so device identity never needs to be
// parsed back out of the string name.
type BlobRef struct {
	name    string
	logical string
	device  Device
}

// String returns the fully scoped blob name, e.g. "gpu_1/fc_w".
func (b BlobRef) String() string { return b.name }

// LogicalName implements Ref.
func (b BlobRef) LogicalName() string { return b.logical }

// Device implements Ref.
func (b BlobRef) Device() Device { return b.device }

// IsZero reports whether b is the zero BlobRef.
func (b BlobRef) IsZero() bool { return b.name == "" }

// WithSuffix returns a reference to a sibling blob on the same device, whose
// name is this blob's name plus the suffix.
func (b BlobRef) WithSuffix(suffix string) BlobRef {
	return BlobRef{name: b.name + suffix, logical: b.logical + suffix, device: b.device}
}

// GradientSlice is the sparse-gradient representation: a pair of an indices
// tensor and a values tensor, instead of one dense tensor.
type GradientSlice struct {
	Indices BlobRef
	Values  BlobRef
}

// LogicalName implements Ref. Following the upstream convention the logical
// name of a slice is "<indices>:<values>".
func (gs GradientSlice) LogicalName() string {
	return gs.Indices.LogicalName() + ":" + gs.Values.LogicalName()
}

// Device implements Ref.
func (gs GradientSlice) Device() Device { return gs.Indices.Device() }

// String implements fmt.Stringer.
func (gs GradientSlice) String() string {
	return gs.Indices.String() + ":" + gs.Values.String()
}

// BuildContext is the explicit scope under which graph construction happens:
// the device the emitted operators run on, and the name-scope prefix applied
// to blobs created under it. It replaces any notion of ambient or
// thread-local "current scope": every construction call receives the context
// it should build under.
type BuildContext struct {
	Device     Device
	NamePrefix string
}

// OnDevice returns the build context for the given device, with the device's
// name-scope as the blob prefix.
func OnDevice(device Device) BuildContext {
	ctx := BuildContext{Device: device}
	if scope := device.NameScope(); scope != "" {
		ctx.NamePrefix = scope + "/"
	}
	return ctx
}

// OnHost returns the build context for host (CPU) operators.
func OnHost() BuildContext {
	return OnDevice(HostDevice())
}

// Blob returns a reference to the blob with the given logical name under
// this context's scope.
func (ctx BuildContext) Blob(logicalName string) BlobRef {
	return BlobRef{
		name:    ctx.NamePrefix + logicalName,
		logical: logicalName,
		device:  ctx.Device,
	}
}

// Unscoped returns a reference to a blob by its full name on this context's
// device, without applying the context prefix. The logical name is recovered
// by stripping the context prefix when present.
func (ctx BuildContext) Unscoped(fullName string) BlobRef {
	logical := strings.TrimPrefix(fullName, ctx.NamePrefix)
	return BlobRef{name: fullName, logical: logical, device: ctx.Device}
}
