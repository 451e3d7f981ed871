// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package hostmem keeps the disk in host RAM. It is the trivial reference
// implementation of vram.Driver and does nothing but correctly. It is useful
// for testing the block device and mount layers without a GPU and can serve
// as a template for a new driver.
package hostmem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/asch/vramd/internal/vram"
)

const deviceName = "Host memory"

var errForeignMem = errors.New("memory was not allocated by hostmem")

type driver struct {
}

// Returns driver exposing one device backed by host RAM.
func New() *driver {
	return &driver{}
}

func (d *driver) Devices() ([]vram.Device, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return nil, err
	}

	return []vram.Device{{
		Name:    deviceName,
		MemSize: int64(info.Totalram) * int64(info.Unit),
	}}, nil
}

func (d *driver) Open(dev vram.Device) (vram.Session, error) {
	return &session{limit: dev.MemSize}, nil
}

type session struct {
	// Total host RAM, zero means unknown.
	limit int64
}

type mem struct {
	data []byte
}

func (m *mem) Size() int64 {
	return int64(len(m.data))
}

func (m *mem) Release() error {
	m.data = nil
	return nil
}

// Memory is zeroed by the go runtime, unlike GPU memory.
func (s *session) Alloc(size int64) (vram.Mem, error) {
	if s.limit > 0 && size > s.limit {
		return nil, fmt.Errorf("%d bytes exceed host memory of %d bytes", size, s.limit)
	}

	return &mem{data: make([]byte, size)}, nil
}

func (s *session) Read(m vram.Mem, off int64, p []byte) error {
	data, err := s.bytes(m, off, len(p))
	if err != nil {
		return err
	}

	copy(p, data)

	return nil
}

func (s *session) Write(m vram.Mem, off int64, p []byte) error {
	data, err := s.bytes(m, off, len(p))
	if err != nil {
		return err
	}

	copy(data, p)

	return nil
}

func (s *session) bytes(m vram.Mem, off int64, length int) ([]byte, error) {
	hm, ok := m.(*mem)
	if !ok {
		return nil, errForeignMem
	}

	if off < 0 || off+int64(length) > int64(len(hm.data)) {
		return nil, fmt.Errorf("range %d+%d outside of %d bytes", off, length, len(hm.data))
	}

	return hm.data[off : off+int64(length)], nil
}

func (s *session) Close() error {
	return nil
}
