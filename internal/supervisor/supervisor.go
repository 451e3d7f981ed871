// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package supervisor talks to the process manager running the daemon and
// prepares the process itself. Nothing here is essential, every failure is
// only worth a warning.
package supervisor

import (
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// State announced to the supervisor.
type State string

const (
	Ready    State = daemon.SdNotifyReady
	Stopping State = daemon.SdNotifyStopping
)

// Notifier announces state changes of the daemon.
type Notifier interface {
	Notify(state State) error
}

// Systemd notifies systemd through NOTIFY_SOCKET. Running without systemd is
// not an error.
type Systemd struct {
}

func (Systemd) Notify(state State) error {
	sent, err := daemon.SdNotify(false, string(state))
	if err != nil {
		return err
	}

	if !sent {
		log.Debug().Str("state", string(state)).Msg("No supervisor to notify")
	}

	return nil
}

// Discard drops all notifications.
type Discard struct {
}

func (Discard) Notify(State) error {
	return nil
}

// LockAllMemory prevents current and future pages of the process from being
// swapped out. Returns false when the kernel refused, e.g. because of
// RLIMIT_MEMLOCK.
func LockAllMemory() bool {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		log.Warn().Err(err).Msg("Failed to lock process memory")
		return false
	}

	return true
}
