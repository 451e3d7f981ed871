// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	DefaultConfig = "/etc/vramd/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure. Command line flags
// override both.
type Config struct {
	ConfigPath string

	Device     string `toml:"device" env:"VRAMD_DEVICE" env-default:"/dev/nbd0" env-description:"NBD device to use."`
	GPU        int    `toml:"gpu" env:"VRAMD_GPU" env-default:"-1" env-description:"GPU number to use. Negative means the first device found."`
	BlockSize  int    `toml:"block_size" env:"VRAMD_BLOCKSIZE" env-default:"0" env-description:"Disk block size. Power of 2 between 512 and machine page size, 0 means page size."`
	Size       string `toml:"size" env:"VRAMD_SIZE" env-default:"" env-description:"Disk size, e.g. 1000m, 1g."`
	Backend    string `toml:"backend" env:"VRAMD_BACKEND" env-default:"opencl" env-description:"Memory backend: opencl or host."`
	Mechanism  string `toml:"mechanism" env:"VRAMD_MECHANISM" env-default:"nbd" env-description:"Kernel interface for mount: nbd or buse."`
	Socket     string `toml:"socket" env:"VRAMD_SOCKET" env-default:"/run/vramd.sock" env-description:"Unix socket of the NBD export for serve and check."`
	Zero       bool   `toml:"zero" env:"VRAMD_ZERO" env-default:"false" env-description:"Zero the device memory before mounting."`
	Image      string `toml:"image" env:"VRAMD_IMAGE" env-default:"" env-description:"Image loaded to the disk before mounting. Local path or s3://bucket/key."`
	SkipMLock  bool   `toml:"skip_mlock" env:"VRAMD_SKIP_MLOCK" env-default:"false" env-description:"Do not lock process memory. Locking prevents swapping of the daemon."`
	SkipNotify bool   `toml:"skip_notify" env:"VRAMD_SKIP_NOTIFY" env-default:"false" env-description:"Do not notify systemd about readiness and stopping."`

	BUSE struct {
		Major         int  `toml:"major" env:"VRAMD_BUSE_MAJOR" env-default:"0" env-description:"Device major. Decimal part of /dev/buse%d."`
		Threads       int  `toml:"threads" env:"VRAMD_BUSE_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
		QueueDepth    int  `toml:"queue_depth" env:"VRAMD_BUSE_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`
		Scheduler     bool `toml:"scheduler" env:"VRAMD_BUSE_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
		Durable       bool `toml:"durable" env:"VRAMD_BUSE_DURABLE" env-default:"false" env-description:"Flush semantics. True means durable, false means barrier only."`
		WriteBufSize  int  `toml:"write_shared_buffer_size" env:"VRAMD_BUSE_WRITE_BUFSIZE" env-default:"32" env-description:"Write shared memory size in MB."`
		ReadBufSize   int  `toml:"read_shared_buffer_size" env:"VRAMD_BUSE_READ_BUFSIZE" env-default:"32" env-description:"Read shared memory size in MB."`
		ChunkSize     int  `toml:"chunk_size" env:"VRAMD_BUSE_CHUNKSIZE" env-default:"4" env-description:"Write chunk size in MB."`
		CollisionSize int  `toml:"collision_chunk_size" env:"VRAMD_BUSE_COLSIZE" env-default:"1" env-description:"Collision size in MB."`
	} `toml:"buse"`

	S3 struct {
		Remote    string `toml:"remote" env:"VRAMD_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"VRAMD_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"VRAMD_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"VRAMD_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	Log struct {
		Level  int  `toml:"level" env:"VRAMD_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"VRAMD_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"VRAMD_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"VRAMD_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads the configuration file at path and the environment. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure(path string) error {
	Cfg = Config{ConfigPath: path}

	return parse()
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.BUSE.WriteBufSize *= 1024 * 1024
	Cfg.BUSE.ReadBufSize *= 1024 * 1024
	Cfg.BUSE.ChunkSize *= 1024 * 1024
	Cfg.BUSE.CollisionSize *= 1024 * 1024

	return nil
}

// Description of all environment variables for the usage text.
func Description() string {
	header := "Environment variables:"
	desc, err := cleanenv.GetDescription(&Config{}, &header)
	if err != nil {
		return ""
	}

	return desc
}
