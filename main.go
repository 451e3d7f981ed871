// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// vramd is a userspace daemon exposing GPU memory as a block device. The
// memory is allocated through a compute runtime (OpenCL) and the device is
// attached to the kernel through NBD or BUSE. Content lives only as long as
// the daemon.
//
// Project structure is following:
//
// - internal/vram selects the compute device and owns the device memory.
// Drivers for OpenCL and for plain host memory live in its subpackages.
//
// - internal/blockdev turns the device memory into a block device with fixed
// geometry computed by internal/geometry.
//
// - internal/mount attaches the block device to the kernel and drives the
// mount lifecycle including signal handling and supervisor notification
// (internal/supervisor).
//
// - internal/seed optionally loads an image before mounting and
// internal/check verifies a served disk from the outside.
//
// - internal/config contains configuration package which is common for all
// commands.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/vramd/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vramd",
	Short: "Block device backed by GPU memory",
	Long: `vramd allocates GPU memory and exposes it as a block device, e.g. for
scratch storage at RAM disk speed on machines with idle GPU memory.

Configuration is read from a toml file, overridden by environment variables,
overridden by command line flags.

` + config.Description(),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Parse configuration from file and environment variables, set up logging and
// run the requested command. Any error is fatal.
func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.DefaultConfig, "Path to configuration file")
	rootCmd.AddCommand(listCmd(), mountCmd(), serveCmd(), checkCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Send()
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	if err := config.Configure(cfgFile); err != nil {
		return err
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	return nil
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
