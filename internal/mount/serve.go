// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mount

import (
	"errors"
	"net"
	"os"
	"sync"

	"github.com/pojntfx/go-nbd/pkg/server"
	"github.com/rs/zerolog/log"
)

// Serve exports the device over NBD on a unix socket instead of a kernel
// device. Clients are served one at a time, in the order they connect.
type Serve struct {
	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	stopping bool
}

func NewServe() *Serve {
	return &Serve{}
}

// Mount listens on the socket path. Ready is called once the socket accepts
// connections. A stale socket file is replaced.
func (s *Serve) Mount(dev Device, path string, ready func()) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	defer os.Remove(path)
	defer l.Close()

	if !s.setListener(l) {
		return errStopBeforeMount
	}

	ready()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isStopping() {
				return nil
			}
			return err
		}

		if !s.setConn(conn) {
			conn.Close()
			return nil
		}

		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("NBD client connected")

		err = server.Handle(conn, exports(dev), serverOptions(dev))
		conn.Close()
		s.setConn(nil)

		if s.isStopping() {
			return nil
		}

		if err != nil {
			log.Warn().Err(err).Msg("NBD client session failed")
		} else {
			log.Info().Msg("NBD client disconnected")
		}
	}
}

// Unmount closes the listener and the active client connection.
func (s *Serve) Unmount() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopping = true

	if s.conn != nil {
		s.conn.Close()
	}

	if s.listener != nil {
		return s.listener.Close()
	}

	return nil
}

func (s *Serve) setListener(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listener = l

	return !s.stopping
}

func (s *Serve) setConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = c

	return !s.stopping
}

func (s *Serve) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopping
}
