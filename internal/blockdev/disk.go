// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockdev

import (
	"github.com/rs/zerolog/log"

	"github.com/asch/vramd/internal/geometry"
)

// Disk exposes Storage as a block device of fixed geometry. It is what the
// mount mechanisms drive.
type Disk struct {
	geometry geometry.Geometry
	proxy    *transferProxy
}

// Returns disk serving requests from storage. Storage must hold at least
// g.Size() bytes and must not be used by anyone else until Close().
func New(storage Storage, g geometry.Geometry) *Disk {
	return &Disk{
		geometry: g,
		proxy:    newTransferProxy(storage),
	}
}

// ReadAt reads len(p) bytes at byte offset off. It returns after the transfer
// finished or failed.
func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	log.Trace().Int64("offset", off).Int("len", len(p)).Msg("read request")

	n, err := d.proxy.read(p, off)
	if err != nil {
		log.Debug().Int64("offset", off).Int("len", len(p)).Err(err).Msg("read failed")
	}

	return n, err
}

// Read returns length bytes starting at byte offset off.
func (d *Disk) Read(off uint64, length uint32) ([]byte, error) {
	buf := make([]byte, length)

	if _, err := d.ReadAt(buf, int64(off)); err != nil {
		return nil, err
	}

	return buf, nil
}

// WriteAt writes p at byte offset off. It returns after the transfer
// finished or failed.
func (d *Disk) WriteAt(p []byte, off int64) (int, error) {
	log.Trace().Int64("offset", off).Int("len", len(p)).Msg("write request")

	n, err := d.proxy.write(p, off)
	if err != nil {
		log.Debug().Int64("offset", off).Int("len", len(p)).Err(err).Msg("write failed")
	}

	return n, err
}

// Flush succeeds immediately. Every write already completed on the device
// before it was acknowledged.
func (d *Disk) Flush() error {
	log.Trace().Msg("flush request")
	return nil
}

// Trim accepts the discard hint and ignores it.
func (d *Disk) Trim(off uint64, length uint32) error {
	log.Trace().Uint64("offset", off).Uint32("len", length).Msg("trim request")
	return nil
}

func (d *Disk) BlockSize() uint32 {
	return d.geometry.BlockSize
}

func (d *Disk) Blocks() uint64 {
	return d.geometry.Blocks
}

// Size of the disk in bytes.
func (d *Disk) Size() int64 {
	return int64(d.geometry.Size())
}

// Unmount requests stop. It returns immediately, a transfer in flight
// finishes and all later requests fail with ErrStopped. Safe to call from a
// signal handler goroutine.
func (d *Disk) Unmount() {
	if !d.proxy.stopped() {
		log.Info().Msg("Block device unmounted")
	}
	d.proxy.stop()
}

// Close stops the transfer worker. The storage can be released afterwards.
func (d *Disk) Close() {
	d.proxy.close()
}
