// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package geometry computes the shape of the exported disk. The geometry is
// computed once from the requested size and block size and never changes
// while the device is mounted.
package geometry

import (
	"errors"
	"fmt"

	"github.com/docker/go-units"
	"golang.org/x/sys/unix"
)

const (
	// Smallest block size the block layer accepts.
	MinBlockSize = 512
)

var (
	ErrInvalidSize      = errors.New("invalid disk size")
	ErrInvalidBlockSize = errors.New("invalid block size")
)

// Geometry of the disk. Blocks * BlockSize is always at least the requested
// size.
type Geometry struct {
	Blocks    uint64
	BlockSize uint32
}

// Parses human readable size like 100m or 1g. Units are binary, i.e. 1k is
// 1024 bytes.
func ParseSize(s string) (uint64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSize, err)
	}

	if n <= 0 {
		return 0, fmt.Errorf("%w: disk size must be > 0", ErrInvalidSize)
	}

	return uint64(n), nil
}

// Returns the host page size which is both the default and the upper limit of
// the block size.
func PageSize() uint64 {
	return uint64(unix.Getpagesize())
}

// Checks that blockSize is a power of 2 between MinBlockSize and pageSize.
func ValidateBlockSize(blockSize, pageSize uint64) error {
	if blockSize < MinBlockSize {
		return fmt.Errorf("%w: block size must be >= %d", ErrInvalidBlockSize, MinBlockSize)
	}

	if blockSize&(blockSize-1) != 0 {
		return fmt.Errorf("%w: block size must be a power of 2 number", ErrInvalidBlockSize)
	}

	if blockSize > pageSize {
		return fmt.Errorf("%w: block size must be less than the machine page size (%d)",
			ErrInvalidBlockSize, pageSize)
	}

	return nil
}

// Returns geometry for a disk of at least size bytes made of blockSize
// blocks. Zero blockSize means pageSize.
func New(size, blockSize, pageSize uint64) (Geometry, error) {
	if size == 0 {
		return Geometry{}, fmt.Errorf("%w: disk size must be > 0", ErrInvalidSize)
	}

	if blockSize == 0 {
		blockSize = pageSize
	}

	if err := ValidateBlockSize(blockSize, pageSize); err != nil {
		return Geometry{}, err
	}

	return Geometry{
		Blocks:    (size-1)/blockSize + 1,
		BlockSize: uint32(blockSize),
	}, nil
}

// Size of the disk in bytes.
func (g Geometry) Size() uint64 {
	return g.Blocks * uint64(g.BlockSize)
}

func (g Geometry) String() string {
	return fmt.Sprintf("%d blocks of %d bytes", g.Blocks, g.BlockSize)
}
