// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mount

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/asch/buse/lib/go/buse"
	"github.com/rs/zerolog/log"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	writeItemSize = 32

	// Sector is a linux constant, which is always 512, no matter how big
	// your sectors or blocks are.
	sectorUnit = 512
)

// Options of the BUSE kernel device. Sizes are in bytes.
type BUSEOptions struct {
	Major          int64
	Threads        int
	QueueDepth     int64
	Scheduler      bool
	Durable        bool
	WriteChunkSize int64
	WriteShmSize   int64
	ReadShmSize    int64
	CollisionArea  int64
}

// BUSE attaches the device to the BUSE kernel module as /dev/buse<Major>.
type BUSE struct {
	options BUSEOptions

	mu       sync.Mutex
	device   *buse.Buse
	stopping bool
}

func NewBUSE(o BUSEOptions) *BUSE {
	return &BUSE{options: o}
}

// Path of the block device the kernel creates.
func (b *BUSE) Path() string {
	return fmt.Sprintf("/dev/buse%d", b.options.Major)
}

// Mount ignores path, the device node is given by Major.
func (b *BUSE) Mount(dev Device, path string, ready func()) error {
	rw := &buseReadWriter{
		dev:          dev,
		blockSize:    int64(dev.BlockSize()),
		metadataSize: b.options.WriteChunkSize / int64(dev.BlockSize()) * writeItemSize,
		ready:        ready,
	}

	device, err := buse.New(rw, buse.Options{
		Durable:        b.options.Durable,
		WriteChunkSize: b.options.WriteChunkSize,
		BlockSize:      int64(dev.BlockSize()),
		Threads:        b.options.Threads,
		Major:          b.options.Major,
		WriteShmSize:   b.options.WriteShmSize,
		ReadShmSize:    b.options.ReadShmSize,
		Size:           int64(dev.Blocks()) * int64(dev.BlockSize()),
		CollisionArea:  b.options.CollisionArea,
		QueueDepth:     b.options.QueueDepth,
		Scheduler:      b.options.Scheduler,
	})
	if err != nil {
		return err
	}

	if !b.register(&device) {
		device.RemoveDevice()
		return errStopBeforeMount
	}

	log.Info().Msgf("BUSE device %d registered!", b.options.Major)

	device.Run()

	b.register(nil)
	log.Info().Msgf("Removing buse%d", b.options.Major)
	device.RemoveDevice()

	return nil
}

func (b *BUSE) Unmount() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopping = true
	if b.device != nil {
		b.device.StopDevice()
	}

	return nil
}

func (b *BUSE) register(d *buse.Buse) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.device = d

	return !b.stopping
}

// Implementation of BuseReadWriter forwarding to the Device.
type buseReadWriter struct {
	dev       Device
	blockSize int64

	// Size of the chunk portion which contains all writes metadata. After
	// this offset real data are stored.
	metadataSize int64

	ready func()
}

// One write in the metadata section of the chunk, in bytes.
type extent struct {
	offset int64
	length int64
}

// Parses write extent information from 32 bytes of raw memory. Kernel counts
// in sectors, sequential number and flag are not needed.
func parseExtent(b []byte) extent {
	return extent{
		offset: int64(binary.LittleEndian.Uint64(b[:8]) * sectorUnit),
		length: int64(binary.LittleEndian.Uint64(b[8:16]) * sectorUnit),
	}
}

// Handle writes comming from the buse library. writes contain number write
// commands in this call and chunk contains memory where these commands are
// stored together with their data. First part of the chunk are metadata, until
// metadataSize and the rest are data of all writes in the same order.
func (rw *buseReadWriter) BuseWrite(writes int64, chunk []byte) error {
	if int64(len(chunk)) < rw.metadataSize {
		return fmt.Errorf("chunk of %d bytes is shorter than metadata", len(chunk))
	}
	metadata := chunk[:rw.metadataSize]
	data := chunk[rw.metadataSize:]

	for i := int64(0); i < writes; i++ {
		if int64(len(metadata)) < writeItemSize {
			return fmt.Errorf("%d writes do not fit into %d bytes of metadata", writes, rw.metadataSize)
		}

		e := parseExtent(metadata[:writeItemSize])
		if e.length > int64(len(data)) {
			return fmt.Errorf("write %d of %d bytes exceeds chunk", i, e.length)
		}

		if _, err := rw.dev.WriteAt(data[:e.length], e.offset); err != nil {
			return err
		}

		metadata = metadata[writeItemSize:]
		data = data[e.length:]
	}

	return nil
}

// Read extent starting at sector with length length, both in blocks, to the
// buffer chunk.
func (rw *buseReadWriter) BuseRead(sector, length int64, chunk []byte) error {
	_, err := rw.dev.ReadAt(chunk[:length*rw.blockSize], sector*rw.blockSize)
	return err
}

// Called by buse before serving, the device is registered at this point.
func (rw *buseReadWriter) BusePreRun() {
	rw.ready()
}

func (rw *buseReadWriter) BusePostRemove() {
	log.Debug().Msg("BUSE device removed")
}
