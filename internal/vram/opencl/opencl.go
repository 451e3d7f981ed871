// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package opencl implements vram.Driver on top of OpenCL. Only devices of
// GPU type are considered, from all platforms installed on the system.
package opencl

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"
	"github.com/rs/zerolog/log"

	"github.com/asch/vramd/internal/vram"
)

var (
	errForeignDevice = errors.New("device was not enumerated by opencl driver")
	errForeignMem    = errors.New("memory was not allocated by opencl driver")
)

type driver struct {
}

func New() *driver {
	return &driver{}
}

// Devices lists GPU devices of all platforms. A platform without any GPU
// reports an error which is not fatal as long as the platform list itself
// can be queried.
func (d *driver) Devices() ([]vram.Device, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, err
	}

	devices := make([]vram.Device, 0, len(platforms))
	for _, p := range platforms {
		clDevices, err := p.GetDevices(cl.DeviceTypeGPU)
		if err != nil {
			log.Debug().Str("platform", p.Name()).Err(err).Msg("Skipping platform without GPU devices")
			continue
		}

		for _, cd := range clDevices {
			devices = append(devices, vram.Device{
				Index:   len(devices),
				Name:    cd.Name(),
				MemSize: cd.GlobalMemSize(),
				Handle:  cd,
			})
		}
	}

	return devices, nil
}

// Open creates context on the device and an in-order command queue in it.
func (d *driver) Open(dev vram.Device) (vram.Session, error) {
	cd, ok := dev.Handle.(*cl.Device)
	if !ok {
		return nil, errForeignDevice
	}

	log.Debug().Str("device", cd.Name()).Msg("Creating CL context")
	ctx, err := cl.CreateContext([]*cl.Device{cd})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vram.ErrContextCreation, err)
	}

	log.Debug().Msg("Creating CL command queue")
	queue, err := ctx.CreateCommandQueue(cd, 0)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("%w: %v", vram.ErrQueueCreation, err)
	}

	return &session{context: ctx, queue: queue}, nil
}

type session struct {
	context *cl.Context
	queue   *cl.CommandQueue
}

type mem struct {
	buffer *cl.MemObject
	size   int64
}

func (m *mem) Size() int64 {
	return m.size
}

func (m *mem) Release() error {
	m.buffer.Release()
	return nil
}

func (s *session) Alloc(size int64) (vram.Mem, error) {
	buffer, err := s.context.CreateEmptyBuffer(cl.MemReadWrite, int(size))
	if err != nil {
		return nil, err
	}

	return &mem{buffer: buffer, size: size}, nil
}

func (s *session) Read(m vram.Mem, off int64, p []byte) error {
	cm, ok := m.(*mem)
	if !ok {
		return errForeignMem
	}

	event, err := s.queue.EnqueueReadBuffer(cm.buffer, true, int(off), len(p), unsafe.Pointer(&p[0]), nil)
	if err != nil {
		return err
	}
	event.Release()

	return nil
}

func (s *session) Write(m vram.Mem, off int64, p []byte) error {
	cm, ok := m.(*mem)
	if !ok {
		return errForeignMem
	}

	event, err := s.queue.EnqueueWriteBuffer(cm.buffer, true, int(off), len(p), unsafe.Pointer(&p[0]), nil)
	if err != nil {
		return err
	}
	event.Release()

	return nil
}

func (s *session) Close() error {
	s.queue.Release()
	s.context.Release()

	return nil
}
