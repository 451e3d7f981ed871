// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockdev

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/asch/vramd/internal/geometry"
	"github.com/asch/vramd/internal/vram"
	"github.com/asch/vramd/internal/vram/hostmem"
)

const testBlockSize = 512

func newTestDisk(t *testing.T, blocks uint64) *Disk {
	t.Helper()

	g := geometry.Geometry{Blocks: blocks, BlockSize: testBlockSize}
	store, err := vram.Open(hostmem.New(), vram.FirstDevice, int64(g.Size()))
	if err != nil {
		t.Fatalf("vram.Open failed: %v", err)
	}

	d := New(store, g)
	t.Cleanup(func() {
		d.Close()
		store.Close()
	})

	return d
}

func pattern(seed byte, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i%251)
	}
	return p
}

func TestGeometry(t *testing.T) {
	d := newTestDisk(t, 16)

	if d.BlockSize() != testBlockSize || d.Blocks() != 16 || d.Size() != 16*testBlockSize {
		t.Errorf("geometry %d x %d, size %d", d.Blocks(), d.BlockSize(), d.Size())
	}
}

func TestRoundTrip(t *testing.T) {
	d := newTestDisk(t, 16)

	tests := []struct {
		off int64
		n   int
	}{
		{0, 1},
		{0, testBlockSize},
		{testBlockSize, 3 * testBlockSize},
		{100, 700},
		{15 * testBlockSize, testBlockSize},
		{0, 16 * testBlockSize},
	}

	for i, tt := range tests {
		data := pattern(byte(i), tt.n)
		if n, err := d.WriteAt(data, tt.off); err != nil || n != tt.n {
			t.Fatalf("WriteAt(%d, %d) = %d, %v", tt.off, tt.n, n, err)
		}

		got, err := d.Read(uint64(tt.off), uint32(tt.n))
		if err != nil {
			t.Fatalf("Read(%d, %d) failed: %v", tt.off, tt.n, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("Read(%d, %d) returned different bytes than written", tt.off, tt.n)
		}
	}
}

func TestDisjointWrites(t *testing.T) {
	d := newTestDisk(t, 4)

	a := bytes.Repeat([]byte{0xaa}, testBlockSize)
	b := bytes.Repeat([]byte{0xbb}, testBlockSize)

	if _, err := d.WriteAt(a, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := d.WriteAt(b, testBlockSize); err != nil {
		t.Fatal(err)
	}

	gotA, _ := d.Read(0, testBlockSize)
	gotB, _ := d.Read(testBlockSize, testBlockSize)

	if !bytes.Equal(gotA, a) {
		t.Error("first block was changed by the write to the second")
	}
	if !bytes.Equal(gotB, b) {
		t.Error("second block does not hold its own pattern")
	}
}

func TestFlushAndTrimAreNoops(t *testing.T) {
	d := newTestDisk(t, 4)

	data := pattern(7, 4*testBlockSize)
	if _, err := d.WriteAt(data, 0); err != nil {
		t.Fatal(err)
	}

	if err := d.Flush(); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
	if err := d.Trim(0, 2*testBlockSize); err != nil {
		t.Errorf("Trim failed: %v", err)
	}

	got, err := d.Read(0, 4*testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("flush or trim changed the disk content")
	}
}

func TestOutOfBounds(t *testing.T) {
	d := newTestDisk(t, 2)

	if _, err := d.ReadAt(make([]byte, testBlockSize), 2*testBlockSize); !errors.Is(err, vram.ErrOutOfBounds) {
		t.Errorf("ReadAt past the end error = %v, want ErrOutOfBounds", err)
	}
	if _, err := d.WriteAt(make([]byte, 2*testBlockSize), testBlockSize); !errors.Is(err, vram.ErrOutOfBounds) {
		t.Errorf("WriteAt past the end error = %v, want ErrOutOfBounds", err)
	}
}

func TestUnmountStopsRequests(t *testing.T) {
	d := newTestDisk(t, 2)

	if _, err := d.WriteAt(pattern(1, testBlockSize), 0); err != nil {
		t.Fatal(err)
	}

	d.Unmount()
	d.Unmount()

	if _, err := d.ReadAt(make([]byte, testBlockSize), 0); !errors.Is(err, ErrStopped) {
		t.Errorf("ReadAt after Unmount error = %v, want ErrStopped", err)
	}
	if _, err := d.WriteAt(make([]byte, testBlockSize), 0); !errors.Is(err, ErrStopped) {
		t.Errorf("WriteAt after Unmount error = %v, want ErrStopped", err)
	}
	if err := d.Flush(); err != nil {
		t.Errorf("Flush after Unmount failed: %v", err)
	}
}

func TestCloseStopsRequests(t *testing.T) {
	d := newTestDisk(t, 2)
	d.Close()

	if _, err := d.ReadAt(make([]byte, testBlockSize), 0); !errors.Is(err, ErrStopped) {
		t.Errorf("ReadAt after Close error = %v, want ErrStopped", err)
	}
}

// Concurrent callers are serialised; each one observes its own block.
func TestConcurrentRequests(t *testing.T) {
	const blocks = 32
	d := newTestDisk(t, blocks)

	var wg sync.WaitGroup
	for i := 0; i < blocks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			data := pattern(byte(i), testBlockSize)
			off := int64(i * testBlockSize)
			if _, err := d.WriteAt(data, off); err != nil {
				t.Errorf("WriteAt block %d: %v", i, err)
				return
			}

			got := make([]byte, testBlockSize)
			if _, err := d.ReadAt(got, off); err != nil {
				t.Errorf("ReadAt block %d: %v", i, err)
				return
			}
			if !bytes.Equal(got, data) {
				t.Errorf("block %d corrupted", i)
			}
		}(i)
	}
	wg.Wait()
}
