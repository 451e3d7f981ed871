// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mount

import (
	"errors"
	"net"
	"os"
	"sync"

	"github.com/pojntfx/go-nbd/pkg/client"
	"github.com/pojntfx/go-nbd/pkg/server"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	exportName        = "vramd"
	exportDescription = "GPU memory block device"

	// Largest request the server announces.
	maxRequestSize = 32 * 1024 * 1024
)

var errStopBeforeMount = errors.New("unmounted before the device was registered")

// Adapter from Device to the go-nbd backend interface.
type nbdBackend struct {
	dev Device
}

func (b *nbdBackend) ReadAt(p []byte, off int64) (int, error) {
	return b.dev.ReadAt(p, off)
}

func (b *nbdBackend) WriteAt(p []byte, off int64) (int, error) {
	return b.dev.WriteAt(p, off)
}

func (b *nbdBackend) Size() (int64, error) {
	return int64(b.dev.Blocks()) * int64(b.dev.BlockSize()), nil
}

func (b *nbdBackend) Sync() error {
	return b.dev.Flush()
}

func exports(dev Device) []*server.Export {
	return []*server.Export{{
		Name:        exportName,
		Description: exportDescription,
		Backend:     &nbdBackend{dev: dev},
	}}
}

func serverOptions(dev Device) *server.Options {
	return &server.Options{
		ReadOnly:           false,
		MinimumBlockSize:   dev.BlockSize(),
		PreferredBlockSize: dev.BlockSize(),
		MaximumBlockSize:   maxRequestSize,
	}
}

// NBD attaches the device to a kernel /dev/nbdN device. The NBD server runs
// in-process on one end of a socket pair, the kernel is connected to the
// other end.
type NBD struct {
	mu       sync.Mutex
	device   *os.File
	stopping bool
}

func NewNBD() *NBD {
	return &NBD{}
}

func (n *NBD) Mount(dev Device, path string, ready func()) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	serverConn, clientConn, err := socketPair()
	if err != nil {
		return err
	}
	defer serverConn.Close()
	defer clientConn.Close()

	served := make(chan error, 1)
	go func() {
		served <- server.Handle(serverConn, exports(dev), serverOptions(dev))
	}()

	if !n.register(f) {
		return errStopBeforeMount
	}

	log.Debug().Str("path", path).Msg("Connecting NBD device")

	err = client.Connect(clientConn, f, &client.Options{
		ExportName:  exportName,
		BlockSize:   dev.BlockSize(),
		OnConnected: ready,
	})

	n.register(nil)

	if n.isStopping() {
		return nil
	}

	if err == nil {
		select {
		case err = <-served:
		default:
		}
	}

	return err
}

// Unmount disconnects the kernel device, which makes client.Connect() in
// Mount return.
func (n *NBD) Unmount() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stopping = true
	if n.device == nil {
		return nil
	}

	return client.Disconnect(n.device)
}

// Sets the device file being served. Returns false if stop was already
// requested.
func (n *NBD) register(f *os.File) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.device = f

	return !n.stopping
}

func (n *NBD) isStopping() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.stopping
}

// Returns connected pair of unix stream sockets.
func socketPair() (net.Conn, net.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}

	serverConn, err := fdConn(fds[0], "nbd-server")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}

	clientConn, err := fdConn(fds[1], "nbd-client")
	if err != nil {
		serverConn.Close()
		return nil, nil, err
	}

	return serverConn, clientConn, nil
}

// net.FileConn duplicates the descriptor, the original is closed here.
func fdConn(fd int, name string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	return net.FileConn(f)
}
