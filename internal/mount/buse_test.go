// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mount

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func putExtent(b []byte, sector, sectors uint64) {
	binary.LittleEndian.PutUint64(b[0:], sector)
	binary.LittleEndian.PutUint64(b[8:], sectors)
	binary.LittleEndian.PutUint64(b[16:], 1)
	binary.LittleEndian.PutUint64(b[24:], 0)
}

func TestBuseWriteChunk(t *testing.T) {
	dev := newFakeDevice(16)
	const chunkSize = 4 * 512
	rw := &buseReadWriter{
		dev:          dev,
		blockSize:    512,
		metadataSize: chunkSize / 512 * writeItemSize,
	}

	a := bytes.Repeat([]byte{0xaa}, 512)
	b := bytes.Repeat([]byte{0xbb}, 1024)

	chunk := make([]byte, rw.metadataSize+chunkSize)
	putExtent(chunk[0:], 2, 1)
	putExtent(chunk[writeItemSize:], 10, 2)
	copy(chunk[rw.metadataSize:], a)
	copy(chunk[rw.metadataSize+512:], b)

	if err := rw.BuseWrite(2, chunk); err != nil {
		t.Fatalf("BuseWrite failed: %v", err)
	}

	if !bytes.Equal(dev.data[2*512:3*512], a) {
		t.Error("first extent not written at sector 2")
	}
	if !bytes.Equal(dev.data[10*512:12*512], b) {
		t.Error("second extent not written at sector 10")
	}
	if !bytes.Equal(dev.data[:2*512], make([]byte, 2*512)) {
		t.Error("data written outside of the extents")
	}
}

func TestBuseWriteRejectsShortChunk(t *testing.T) {
	rw := &buseReadWriter{dev: newFakeDevice(4), blockSize: 512, metadataSize: writeItemSize}

	chunk := make([]byte, writeItemSize+512)
	putExtent(chunk, 0, 2)

	if err := rw.BuseWrite(1, chunk); err == nil {
		t.Error("expected error for extent longer than chunk data")
	}
}

func TestBuseWriteRejectsTooManyWrites(t *testing.T) {
	dev := newFakeDevice(4)
	rw := &buseReadWriter{dev: dev, blockSize: 512, metadataSize: writeItemSize}

	chunk := make([]byte, writeItemSize+2*512)
	putExtent(chunk, 0, 1)

	if err := rw.BuseWrite(2, chunk); err == nil {
		t.Error("expected error for more writes than metadata holds")
	}

	if err := rw.BuseWrite(1, chunk[:writeItemSize-1]); err == nil {
		t.Error("expected error for chunk shorter than metadata")
	}
}

func TestBuseRead(t *testing.T) {
	dev := newFakeDevice(8)
	for i := range dev.data {
		dev.data[i] = byte(i / 512)
	}

	rw := &buseReadWriter{dev: dev, blockSize: 512}
	chunk := make([]byte, 2*512)
	if err := rw.BuseRead(3, 2, chunk); err != nil {
		t.Fatal(err)
	}

	if chunk[0] != 3 || chunk[len(chunk)-1] != 4 {
		t.Errorf("BuseRead(3, 2) returned blocks %d..%d", chunk[0], chunk[len(chunk)-1])
	}
}

func TestBusePreRunSignalsReady(t *testing.T) {
	called := false
	rw := &buseReadWriter{ready: func() { called = true }}
	rw.BusePreRun()

	if !called {
		t.Error("BusePreRun did not report readiness")
	}
}
