// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package vram manages the device memory backing the disk. It selects a
// compute device, owns the session (context and command queue) opened on it
// and the single buffer allocated through the session.
//
// Compute runtimes are plugged in through the Driver interface. The opencl
// subpackage talks to real GPUs, the hostmem subpackage keeps the data in
// host RAM and serves as a reference implementation.
package vram

import (
	"errors"
)

var (
	ErrEnumeration     = errors.New("failed to get list of GPU devices")
	ErrNoDevice        = errors.New("no GPU devices found")
	ErrDeviceNotFound  = errors.New("GPU device does not exist")
	ErrContextCreation = errors.New("failed to create compute context")
	ErrQueueCreation   = errors.New("failed to create command queue")
	ErrAllocation      = errors.New("failed to allocate device memory")
	ErrVerification    = errors.New("device memory is not readable")
	ErrOutOfBounds     = errors.New("transfer out of buffer bounds")
	ErrIO              = errors.New("device transfer failed")
)

// Driver is a compute runtime. Devices are listed in the stable order the
// runtime reports them, so an index selects the same device between runs.
type Driver interface {
	// Lists GPU class compute devices.
	Devices() ([]Device, error)

	// Creates context and command queue bound to the device. The device
	// must come from Devices() of the same driver.
	Open(d Device) (Session, error)
}

// Session owns exactly one context and one command queue. All transfers go
// through its queue and are blocking.
type Session interface {
	// Allocates read-write device memory of size bytes.
	Alloc(size int64) (Mem, error)

	// Blocking device to host transfer of len(p) bytes from offset off.
	Read(m Mem, off int64, p []byte) error

	// Blocking host to device transfer of p to offset off.
	Write(m Mem, off int64, p []byte) error

	// Releases the queue and the context.
	Close() error
}

// Mem is device memory allocated by a Session.
type Mem interface {
	Size() int64
	Release() error
}

// Compute device as reported by the runtime.
type Device struct {
	// Position in the enumeration.
	Index int

	Name string

	// Total global memory in bytes.
	MemSize int64

	// Driver private handle.
	Handle interface{}
}
