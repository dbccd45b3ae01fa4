// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "fmt"

// DeviceKind distinguishes accelerator devices from the host CPU.
type DeviceKind int

const (
	// Accelerator is a local accelerator (GPU or similar) addressed by index.
	Accelerator DeviceKind = iota

	// Host is the host CPU. Host blobs are shared by every local accelerator.
	Host
)

// String implements fmt.Stringer.
func (k DeviceKind) String() string {
	switch k {
	case Accelerator:
		return "accelerator"
	case Host:
		return "host"
	}
	return fmt.Sprintf("DeviceKind(%d)", int(k))
}

// Device identifies one compute unit participating in training.
//
// Devices are ordered by the caller: the first device of the ordered list is
// the "master" for any reduction or broadcast that needs a single
// authoritative copy.
type Device struct {
	Num  int
	Kind DeviceKind
}

// AcceleratorDevice returns the accelerator device with the given index.
func AcceleratorDevice(num int) Device {
	return Device{Num: num, Kind: Accelerator}
}

// HostDevice returns the host (CPU) device.
func HostDevice() Device {
	return Device{Num: 0, Kind: Host}
}

// NameScope returns the name-scope prefix under which this device's blobs
// live, e.g. "gpu_0". Host blobs are unscoped and share a single namespace.
func (d Device) NameScope() string {
	if d.Kind == Host {
		return ""
	}
	return fmt.Sprintf("gpu_%d", d.Num)
}

// String implements fmt.Stringer.
func (d Device) String() string {
	if d.Kind == Host {
		return "host"
	}
	return d.NameScope()
}
