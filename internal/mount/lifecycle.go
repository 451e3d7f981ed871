// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package mount attaches a block device to a mount mechanism and drives its
// lifecycle: Initializing, Mounted, Unmounting, Stopped. No state is ever
// revisited.
//
// SIGINT and SIGTERM trigger the unmount. The signal goroutine only posts
// stop requests, it never touches device memory.
package mount

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/asch/vramd/internal/supervisor"
)

var ErrMount = errors.New("failed to mount block device")

// Device is the capability set a mechanism drives. All offsets and lengths
// are in bytes; offsets are block aligned by the kernel.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Flush() error
	Trim(off uint64, length uint32) error
	BlockSize() uint32
	Blocks() uint64

	// Stop request. Must return quickly and be safe to call concurrently
	// with requests.
	Unmount()
}

// Mechanism exposes a Device to its consumers, e.g. the kernel.
type Mechanism interface {
	// Registers dev under path and serves requests until unmounted. ready
	// is called once the device is registered and usable.
	Mount(dev Device, path string, ready func()) error

	// Asks a running Mount to return. Called from the signal goroutine.
	Unmount() error
}

type State int

const (
	Initializing State = iota
	Mounted
	Unmounting
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Mounted:
		return "mounted"
	case Unmounting:
		return "unmounting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Controller mounts one device once.
type Controller struct {
	mechanism Mechanism
	notifier  supervisor.Notifier

	signals chan os.Signal

	mu      sync.Mutex
	state   State
	history []State
}

func NewController(mechanism Mechanism, notifier supervisor.Notifier) *Controller {
	if notifier == nil {
		notifier = supervisor.Discard{}
	}

	return &Controller{
		mechanism: mechanism,
		notifier:  notifier,
		signals:   make(chan os.Signal, 1),
		history:   []State{Initializing},
	}
}

// Mount registers dev under path and blocks until the device is unmounted,
// either by a termination signal or because the mechanism returned.
func (c *Controller) Mount(dev Device, path string) error {
	if c.State() != Initializing {
		return fmt.Errorf("%w: controller already used", ErrMount)
	}

	done := make(chan struct{})
	defer close(done)

	c.registerSigHandlers(dev, path, done)

	err := c.mechanism.Mount(dev, path, func() {
		if c.transition(Initializing, Mounted) {
			log.Info().Str("path", path).Msg("Block device mounted")
			c.notify(supervisor.Ready)
		}
	})

	if c.transition(Initializing, Stopped) {
		if errors.Is(err, errStopBeforeMount) {
			log.Info().Str("path", path).Msg("Stopped before the block device was mounted")
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w on %s: %v", ErrMount, path, err)
		}
		return nil
	}

	c.transition(Mounted, Unmounting)
	dev.Unmount()
	c.notify(supervisor.Stopping)
	c.transition(Unmounting, Stopped)

	if err != nil {
		return fmt.Errorf("%w on %s: %v", ErrMount, path, err)
	}

	log.Info().Str("path", path).Msg("Block device stopped")

	return nil
}

// Stop behaves like a termination signal.
func (c *Controller) Stop() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func (c *Controller) registerSigHandlers(dev Device, path string, done chan struct{}) {
	signal.Notify(c.signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(c.signals)

		select {
		case sig := <-c.signals:
			log.Info().Msgf("Received %s, unmounting %s", sig, path)
			c.transition(Mounted, Unmounting)
			dev.Unmount()
			if err := c.mechanism.Unmount(); err != nil {
				log.Error().Err(err).Msg("Failed to unmount device")
			}
		case <-done:
		}
	}()
}

func (c *Controller) notify(state supervisor.State) {
	if err := c.notifier.Notify(state); err != nil {
		log.Warn().Err(err).Str("state", string(state)).Msg("Failed to notify supervisor")
	}
}

func (c *Controller) transition(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != from {
		return false
	}

	log.Debug().Stringer("from", from).Stringer("to", to).Msg("Lifecycle transition")
	c.state = to
	c.history = append(c.history, to)

	return true
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// History returns all states the controller went through, in order.
func (c *Controller) History() []State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]State(nil), c.history...)
}
