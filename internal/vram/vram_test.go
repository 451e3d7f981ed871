// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vram

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

var errInjected = errors.New("injected failure")

// Fake runtime recording what was acquired and released.
type fakeDriver struct {
	devices    []Device
	devicesErr error
	openErr    error
	allocErr   error
	readErr    error
	writeErr   error

	opened   int
	closed   int
	released int
	reads    int
}

type fakeSession struct {
	drv *fakeDriver
}

type fakeMem struct {
	drv  *fakeDriver
	data []byte
}

func (m *fakeMem) Size() int64 { return int64(len(m.data)) }

func (m *fakeMem) Release() error {
	m.drv.released++
	return nil
}

func (d *fakeDriver) Devices() ([]Device, error) {
	return d.devices, d.devicesErr
}

func (d *fakeDriver) Open(dev Device) (Session, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opened++
	return &fakeSession{drv: d}, nil
}

func (s *fakeSession) Alloc(size int64) (Mem, error) {
	if s.drv.allocErr != nil {
		return nil, s.drv.allocErr
	}
	return &fakeMem{drv: s.drv, data: make([]byte, size)}, nil
}

func (s *fakeSession) Read(m Mem, off int64, p []byte) error {
	s.drv.reads++
	if s.drv.readErr != nil {
		return s.drv.readErr
	}
	copy(p, m.(*fakeMem).data[off:])
	return nil
}

func (s *fakeSession) Write(m Mem, off int64, p []byte) error {
	if s.drv.writeErr != nil {
		return s.drv.writeErr
	}
	copy(m.(*fakeMem).data[off:], p)
	return nil
}

func (s *fakeSession) Close() error {
	s.drv.closed++
	return nil
}

func twoDevices() []Device {
	return []Device{
		{Name: "GPU A", MemSize: 8 << 30},
		{Name: "GPU B", MemSize: 4 << 30},
	}
}

func TestSelect(t *testing.T) {
	devices, err := Enumerate(&fakeDriver{devices: twoDevices()})
	if err != nil {
		t.Fatal(err)
	}

	d, err := Select(devices, FirstDevice)
	if err != nil || d.Name != "GPU A" {
		t.Errorf("Select(first) = %v, %v, want GPU A", d, err)
	}

	d, err = Select(devices, 1)
	if err != nil || d.Name != "GPU B" || d.Index != 1 {
		t.Errorf("Select(1) = %v, %v, want GPU B at index 1", d, err)
	}

	if _, err := Select(devices, 2); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Select(2) error = %v, want ErrDeviceNotFound", err)
	}

	if _, err := Select(nil, FirstDevice); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Select(empty) error = %v, want ErrNoDevice", err)
	}

	if _, err := Select(nil, 0); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Select(empty, 0) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestEnumerateWrapsRuntimeErrors(t *testing.T) {
	_, err := Enumerate(&fakeDriver{devicesErr: errInjected})
	if !errors.Is(err, ErrEnumeration) {
		t.Errorf("Enumerate error = %v, want ErrEnumeration", err)
	}
}

func TestFormatMemSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.00 kB"},
		{2048, "2.00 kB"},
		{1536 * 1024, "1.50 MB"},
		{1073741824, "1.00 GB"},
		{3 << 40, "3.00 TB"},
		{1 << 50, "1.00 x 2^50"},
	}

	for _, tt := range tests {
		if got := FormatMemSize(tt.bytes); got != tt.want {
			t.Errorf("FormatMemSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func TestDescribe(t *testing.T) {
	name, mem := Describe(Device{MemSize: 2048})
	if name != "Unknown" || mem != "2.00 kB" {
		t.Errorf("Describe = %q, %q", name, mem)
	}
}

func TestOpen(t *testing.T) {
	drv := &fakeDriver{devices: twoDevices()}

	store, err := Open(drv, 1, 4096)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if store.Size() != 4096 || store.Device().Name != "GPU B" {
		t.Errorf("store size %d on %q", store.Size(), store.Device().Name)
	}

	if drv.reads != 1 {
		t.Errorf("expected one verification read, got %d", drv.reads)
	}

	store.Close()
	if drv.closed != 1 || drv.released != 1 {
		t.Errorf("Close released mem %d times and session %d times", drv.released, drv.closed)
	}
}

func TestOpenReleasesOnFailure(t *testing.T) {
	tests := []struct {
		name     string
		drv      *fakeDriver
		index    int
		want     error
		closed   int
		released int
	}{
		{"no devices", &fakeDriver{}, FirstDevice, ErrNoDevice, 0, 0},
		{"bad index", &fakeDriver{devices: twoDevices()}, 5, ErrDeviceNotFound, 0, 0},
		{"context", &fakeDriver{devices: twoDevices(), openErr: ErrContextCreation}, 0, ErrContextCreation, 0, 0},
		{"allocation", &fakeDriver{devices: twoDevices(), allocErr: errInjected}, 0, ErrAllocation, 1, 0},
		{"verification", &fakeDriver{devices: twoDevices(), readErr: errInjected}, 0, ErrVerification, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.drv, tt.index, 1<<20)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Open error = %v, want %v", err, tt.want)
			}
			if tt.drv.closed != tt.closed || tt.drv.released != tt.released {
				t.Errorf("session closed %d, mem released %d; want %d, %d",
					tt.drv.closed, tt.drv.released, tt.closed, tt.released)
			}
		})
	}
}

func TestAllocationErrorNamesSize(t *testing.T) {
	drv := &fakeDriver{allocErr: errInjected}
	session, _ := drv.Open(Device{})

	_, err := Allocate(session, 123456789)
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("Allocate error = %v, want ErrAllocation", err)
	}
	if !strings.Contains(err.Error(), "123456789") {
		t.Errorf("error %q does not name the requested size", err)
	}
}

func newTestStore(t *testing.T, drv *fakeDriver, size int64) *Store {
	t.Helper()

	session, err := drv.Open(Device{})
	if err != nil {
		t.Fatal(err)
	}

	store, err := Allocate(session, size)
	if err != nil {
		t.Fatal(err)
	}

	return store
}

func TestStoreRoundTrip(t *testing.T) {
	store := newTestStore(t, &fakeDriver{}, 8192)
	defer store.Close()

	for _, off := range []int64{0, 1, 511, 4096, 8192 - 100} {
		data := []byte(fmt.Sprintf("%0100d", off))
		if _, err := store.WriteAt(data, off); err != nil {
			t.Fatalf("WriteAt(%d) failed: %v", off, err)
		}

		got := make([]byte, len(data))
		if _, err := store.ReadAt(got, off); err != nil {
			t.Fatalf("ReadAt(%d) failed: %v", off, err)
		}
		if string(got) != string(data) {
			t.Errorf("ReadAt(%d) = %q, want %q", off, got, data)
		}
	}
}

func TestStoreBounds(t *testing.T) {
	drv := &fakeDriver{}
	store := newTestStore(t, drv, 4096)
	defer store.Close()

	buf := make([]byte, 512)
	for _, off := range []int64{-1, 4096 - 511, 4096, 1 << 62} {
		if _, err := store.ReadAt(buf, off); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("ReadAt(%d) error = %v, want ErrOutOfBounds", off, err)
		}
		if _, err := store.WriteAt(buf, off); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("WriteAt(%d) error = %v, want ErrOutOfBounds", off, err)
		}
	}

	if drv.reads != 0 {
		t.Errorf("out of bounds reads reached the device %d times", drv.reads)
	}

	if _, err := store.ReadAt(buf, 4096-512); err != nil {
		t.Errorf("ReadAt of last 512 bytes failed: %v", err)
	}
}

func TestStoreTransferErrors(t *testing.T) {
	drv := &fakeDriver{}
	store := newTestStore(t, drv, 4096)
	defer store.Close()

	drv.readErr = errInjected
	drv.writeErr = errInjected

	buf := make([]byte, 16)
	if _, err := store.ReadAt(buf, 0); !errors.Is(err, ErrIO) || !strings.Contains(err.Error(), errInjected.Error()) {
		t.Errorf("ReadAt error = %v, want ErrIO wrapping the transfer error", err)
	}
	if _, err := store.WriteAt(buf, 0); !errors.Is(err, ErrIO) {
		t.Errorf("WriteAt error = %v, want ErrIO", err)
	}
}

func TestStoreZero(t *testing.T) {
	drv := &fakeDriver{}
	size := int64(zeroChunkSize + 1000)
	store := newTestStore(t, drv, size)
	defer store.Close()

	mem := store.mem.(*fakeMem)
	for i := range mem.data {
		mem.data[i] = 0xff
	}

	if err := store.Zero(); err != nil {
		t.Fatal(err)
	}

	for i, b := range mem.data {
		if b != 0 {
			t.Fatalf("byte %d = %#x after Zero()", i, b)
		}
	}
}
