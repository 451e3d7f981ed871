// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/vramd/internal/blockdev"
	"github.com/asch/vramd/internal/check"
	"github.com/asch/vramd/internal/config"
	"github.com/asch/vramd/internal/geometry"
	"github.com/asch/vramd/internal/mount"
	"github.com/asch/vramd/internal/seed"
	"github.com/asch/vramd/internal/supervisor"
	"github.com/asch/vramd/internal/vram"
	"github.com/asch/vramd/internal/vram/hostmem"
	"github.com/asch/vramd/internal/vram/opencl"
)

// Flags shared by mount and serve. They override the configuration only
// when given.
type diskFlags struct {
	gpu       int
	blockSize int
	backend   string
	zero      bool
	image     string
}

func (f *diskFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.gpu, "gpu", "g", vram.FirstDevice, "GPU number to use. Defaults to the first device found")
	cmd.Flags().IntVarP(&f.blockSize, "block-size", "b", 0, "Disk block size. Must be power of 2 between 512 and machine page size")
	cmd.Flags().StringVar(&f.backend, "backend", "opencl", "Memory backend: opencl or host")
	cmd.Flags().BoolVar(&f.zero, "zero", false, "Zero the device memory before use")
	cmd.Flags().StringVar(&f.image, "image", "", "Load image (path or s3://bucket/key) before use")
}

func (f *diskFlags) apply(cmd *cobra.Command, args []string) {
	if cmd.Flags().Changed("gpu") {
		config.Cfg.GPU = f.gpu
	}
	if cmd.Flags().Changed("block-size") {
		config.Cfg.BlockSize = f.blockSize
	}
	if cmd.Flags().Changed("backend") {
		config.Cfg.Backend = f.backend
	}
	if cmd.Flags().Changed("zero") {
		config.Cfg.Zero = f.zero
	}
	if cmd.Flags().Changed("image") {
		config.Cfg.Image = f.image
	}
	if len(args) > 0 {
		config.Cfg.Size = args[0]
	}
}

func listCmd() *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List GPU devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("backend") {
				config.Cfg.Backend = backend
			}

			drv, err := newDriver(config.Cfg.Backend)
			if err != nil {
				return err
			}

			devices, err := vram.Enumerate(drv)
			if err != nil {
				return err
			}

			fmt.Println("Available GPU devices:")
			for _, d := range devices {
				name, mem := vram.Describe(d)
				fmt.Printf("  %d: %s, memory %s\n", d.Index, name, mem)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "opencl", "Memory backend: opencl or host")

	return cmd
}

func mountCmd() *cobra.Command {
	var flags diskFlags
	var device, mechanism string

	cmd := &cobra.Command{
		Use:   "mount [flags] size",
		Short: "Mount a VRAM device",
		Long:  "Mount a VRAM device of the given size, e.g. 1000m or 1g, and serve it until SIGINT or SIGTERM.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, args)
			if cmd.Flags().Changed("device") {
				config.Cfg.Device = device
			}
			if cmd.Flags().Changed("mechanism") {
				config.Cfg.Mechanism = mechanism
			}

			var mech mount.Mechanism
			path := config.Cfg.Device

			switch config.Cfg.Mechanism {
			case "nbd":
				mech = mount.NewNBD()
			case "buse":
				b := mount.NewBUSE(buseOptions())
				mech, path = b, b.Path()
			default:
				return fmt.Errorf("unknown mechanism %q", config.Cfg.Mechanism)
			}

			return runDisk(mech, path)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&device, "device", "d", "/dev/nbd0", "nbd device to use")
	cmd.Flags().StringVar(&mechanism, "mechanism", "nbd", "Kernel interface: nbd or buse")

	return cmd
}

func serveCmd() *cobra.Command {
	var flags diskFlags
	var socket string

	cmd := &cobra.Command{
		Use:   "serve [flags] size",
		Short: "Export a VRAM device over NBD on a unix socket",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, args)
			if cmd.Flags().Changed("socket") {
				config.Cfg.Socket = socket
			}

			return runDisk(mount.NewServe(), config.Cfg.Socket)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&socket, "socket", "s", "/run/vramd.sock", "Unix socket to listen on")

	return cmd
}

// checkBlockSize validates --block-size before it is narrowed to uint32.
func checkBlockSize(blockSize int) (uint32, error) {
	if blockSize < 0 {
		return 0, fmt.Errorf("%w: negative block size %d", geometry.ErrInvalidBlockSize, blockSize)
	}
	if err := geometry.ValidateBlockSize(uint64(blockSize), geometry.PageSize()); err != nil {
		return 0, err
	}

	return uint32(blockSize), nil
}

func checkCmd() *cobra.Command {
	var socket string
	var blockSize int

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify a served VRAM device through its NBD socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("socket") {
				config.Cfg.Socket = socket
			}

			bs, err := checkBlockSize(blockSize)
			if err != nil {
				return err
			}

			report, err := check.Run(config.Cfg.Socket, bs)
			if err != nil {
				return err
			}

			fmt.Printf("Export %s: %s, verified %d blocks\n",
				config.Cfg.Socket, vram.FormatMemSize(int64(report.Size)), len(report.Verified))

			return nil
		},
	}

	cmd.Flags().StringVarP(&socket, "socket", "s", "/run/vramd.sock", "Unix socket of the export")
	cmd.Flags().IntVarP(&blockSize, "block-size", "b", geometry.MinBlockSize, "Size of each verified block")

	return cmd
}

func newDriver(backend string) (vram.Driver, error) {
	switch backend {
	case "opencl":
		return opencl.New(), nil
	case "host":
		return hostmem.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func buseOptions() mount.BUSEOptions {
	b := config.Cfg.BUSE

	return mount.BUSEOptions{
		Major:          int64(b.Major),
		Threads:        b.Threads,
		QueueDepth:     int64(b.QueueDepth),
		Scheduler:      b.Scheduler,
		Durable:        b.Durable,
		WriteChunkSize: int64(b.ChunkSize),
		WriteShmSize:   int64(b.WriteBufSize),
		ReadShmSize:    int64(b.ReadBufSize),
		CollisionArea:  int64(b.CollisionSize),
	}
}

// Creates the disk from configuration and serves it with mech until it is
// unmounted. Device memory is released on every path out of here.
func runDisk(mech mount.Mechanism, path string) error {
	if !config.Cfg.SkipMLock {
		supervisor.LockAllMemory()
	}

	if config.Cfg.Size == "" {
		return fmt.Errorf("%w: disk size is required", geometry.ErrInvalidSize)
	}

	size, err := geometry.ParseSize(config.Cfg.Size)
	if err != nil {
		return err
	}

	g, err := geometry.New(size, uint64(config.Cfg.BlockSize), geometry.PageSize())
	if err != nil {
		return err
	}

	log.Info().Str("path", path).Msgf("Creating block device (%s)", g)

	drv, err := newDriver(config.Cfg.Backend)
	if err != nil {
		return err
	}

	store, err := vram.Open(drv, config.Cfg.GPU, int64(g.Size()))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := prepare(store); err != nil {
		return err
	}

	disk := blockdev.New(store, g)
	defer disk.Close()

	var notifier supervisor.Notifier = supervisor.Systemd{}
	if config.Cfg.SkipNotify {
		notifier = supervisor.Discard{}
	}

	return mount.NewController(mech, notifier).Mount(disk, path)
}

// Zeroes the memory and loads the image if requested.
func prepare(store *vram.Store) error {
	if config.Cfg.Zero {
		log.Info().Msg("Zeroing device memory")
		if err := store.Zero(); err != nil {
			return err
		}
	}

	if config.Cfg.Image == "" {
		return nil
	}

	src, err := seed.Open(config.Cfg.Image, seed.S3Options{
		Remote:    config.Cfg.S3.Remote,
		Region:    config.Cfg.S3.Region,
		AccessKey: config.Cfg.S3.AccessKey,
		SecretKey: config.Cfg.S3.SecretKey,
	})
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = seed.Load(store, store.Size(), src)

	return err
}
