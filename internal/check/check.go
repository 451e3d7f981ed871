// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package check verifies a served disk end to end. It connects as an NBD
// client to the unix socket of a running vramd serve, writes a pattern to the
// first and the last block, reads it back and restores the original content.
package check

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog/log"
	"libguestfs.org/libnbd"
)

// Result of the check.
type Report struct {
	// Size of the export in bytes.
	Size uint64

	// Offsets which round-tripped successfully.
	Verified []uint64
}

// Run checks the export on socket by rewriting blocks of blockSize bytes.
func Run(socket string, blockSize uint32) (Report, error) {
	var report Report

	h, err := libnbd.Create()
	if err != nil {
		return report, err
	}
	defer h.Close()

	if err := h.ConnectUnix(socket); err != nil {
		return report, fmt.Errorf("connecting to %s: %w", socket, err)
	}
	defer h.Shutdown(nil)

	report.Size, err = h.GetSize()
	if err != nil {
		return report, err
	}

	for _, off := range sampleOffsets(report.Size, uint64(blockSize)) {
		if err := roundTrip(h, off, blockSize); err != nil {
			return report, err
		}
		report.Verified = append(report.Verified, off)
	}

	if err := h.Flush(nil); err != nil {
		return report, err
	}

	return report, nil
}

// Offsets of the first and the last whole block.
func sampleOffsets(size, blockSize uint64) []uint64 {
	if size < blockSize {
		return nil
	}

	last := (size/blockSize - 1) * blockSize
	if last == 0 {
		return []uint64{0}
	}

	return []uint64{0, last}
}

// Pattern which differs from the original content in every byte.
func invertPattern(orig []byte) []byte {
	p := make([]byte, len(orig))
	for i := range p {
		p[i] = ^orig[i]
	}

	return p
}

func roundTrip(h *libnbd.Libnbd, off uint64, blockSize uint32) error {
	orig := make([]byte, blockSize)
	if err := h.Pread(orig, off, nil); err != nil {
		return fmt.Errorf("read at %d: %w", off, err)
	}

	pattern := invertPattern(orig)
	if err := h.Pwrite(pattern, off, nil); err != nil {
		return fmt.Errorf("write at %d: %w", off, err)
	}

	got := make([]byte, blockSize)
	if err := h.Pread(got, off, nil); err != nil {
		return fmt.Errorf("read back at %d: %w", off, err)
	}

	if err := h.Pwrite(orig, off, nil); err != nil {
		return fmt.Errorf("restore at %d: %w", off, err)
	}

	if !bytes.Equal(got, pattern) {
		return fmt.Errorf("data mismatch at offset %d", off)
	}

	log.Debug().Uint64("offset", off).Msg("Block verified")

	return nil
}
