// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vram

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

const (
	// Size of one transfer when the whole buffer is rewritten.
	zeroChunkSize = 4 * 1024 * 1024
)

// Store is the single device buffer backing the disk together with the
// session which allocated it. Store owns both and releases them together.
//
// Store is not safe for concurrent use. The block device serialises all
// transfers.
type Store struct {
	session Session
	mem     Mem
	size    int64
	device  Device
}

// Open selects the device index of drv, opens a session on it and allocates
// size bytes. Everything acquired is released again when a later step fails.
func Open(drv Driver, index int, size int64) (*Store, error) {
	devices, err := Enumerate(drv)
	if err != nil {
		return nil, err
	}

	device, err := Select(devices, index)
	if err != nil {
		return nil, err
	}

	name, mem := Describe(device)
	log.Info().Int("index", device.Index).Str("name", name).Str("memory", mem).Msg("Using compute device")

	session, err := drv.Open(device)
	if err != nil {
		return nil, err
	}

	store, err := Allocate(session, size)
	if err != nil {
		session.Close()
		return nil, err
	}
	store.device = device

	if err := store.VerifyReadable(); err != nil {
		store.Close()
		return nil, err
	}

	return store, nil
}

// Allocate requests read-write device memory of size bytes through session.
// The content of the memory is undefined, use Zero() if the caller relies on
// a clean disk.
func Allocate(session Session, size int64) (*Store, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d bytes", ErrAllocation, size)
	}

	mem, err := session.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("%w: requested %d bytes (%s): %v",
			ErrAllocation, size, FormatMemSize(size), err)
	}

	log.Debug().Int64("bytes", size).Msg("Device buffer allocated")

	return &Store{
		session: session,
		mem:     mem,
		size:    size,
	}, nil
}

// VerifyReadable reads one byte at offset 0. Runtimes allocate lazily, so
// misconfiguration shows up here instead of on the first real request.
func (s *Store) VerifyReadable() error {
	buf := make([]byte, 1)
	if err := s.session.Read(s.mem, 0, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}

	return nil
}

// Zero overwrites the whole buffer with zeros.
func (s *Store) Zero() error {
	chunk := make([]byte, zeroChunkSize)

	for off := int64(0); off < s.size; off += int64(len(chunk)) {
		n := s.size - off
		if n > int64(len(chunk)) {
			n = int64(len(chunk))
		}

		if _, err := s.WriteAt(chunk[:n], off); err != nil {
			return err
		}
	}

	return nil
}

// ReadAt performs a blocking device to host transfer of len(p) bytes.
func (s *Store) ReadAt(p []byte, off int64) (int, error) {
	if err := s.checkBounds(off, len(p)); err != nil {
		return 0, err
	}

	if len(p) == 0 {
		return 0, nil
	}

	if err := s.session.Read(s.mem, off, p); err != nil {
		return 0, fmt.Errorf("%w: read %d bytes at %d: %v", ErrIO, len(p), off, err)
	}

	return len(p), nil
}

// WriteAt performs a blocking host to device transfer of p.
func (s *Store) WriteAt(p []byte, off int64) (int, error) {
	if err := s.checkBounds(off, len(p)); err != nil {
		return 0, err
	}

	if len(p) == 0 {
		return 0, nil
	}

	if err := s.session.Write(s.mem, off, p); err != nil {
		return 0, fmt.Errorf("%w: write %d bytes at %d: %v", ErrIO, len(p), off, err)
	}

	return len(p), nil
}

func (s *Store) checkBounds(off int64, length int) error {
	if off < 0 || int64(length) > s.size || off > s.size-int64(length) {
		return fmt.Errorf("%w: offset %d length %d size %d", ErrOutOfBounds, off, length, s.size)
	}

	return nil
}

// Size of the buffer in bytes.
func (s *Store) Size() int64 {
	return s.size
}

// Device the buffer lives on.
func (s *Store) Device() Device {
	return s.device
}

// Close releases the buffer, the queue and the context.
func (s *Store) Close() error {
	memErr := s.mem.Release()
	sessionErr := s.session.Close()

	if memErr != nil {
		return memErr
	}

	return sessionErr
}
