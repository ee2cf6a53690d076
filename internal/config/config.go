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
	DefaultPath = "/etc/obi/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Pool    string `toml:"pool" env:"OBI_POOL" env-default:"rbd" env-description:"Default pool for images given without an explicit pool."`
	Backend string `toml:"backend" env:"OBI_BACKEND" env-default:"file" env-description:"Object store backend. One of s3, gcs, file, mem."`
	Writers int    `toml:"writers" env:"OBI_WRITERS" env-default:"16" env-description:"Number of asynchronous object writer threads."`

	Image struct {
		Order  int `toml:"order" env:"OBI_IMAGE_ORDER" env-default:"22" env-description:"Default object size as a power of two. Objects are 2^order bytes."`
		Format int `toml:"format" env:"OBI_IMAGE_FORMAT" env-default:"1" env-description:"Default image format. Format 2 supports cloning."`
	} `toml:"image"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"OBI_S3_BUCKET" env-description:"S3 Bucket name." env-default:"obi"`
		Remote    string `toml:"remote" env:"OBI_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"OBI_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"OBI_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"OBI_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	GCS struct {
		Bucket      string `toml:"bucket" env:"OBI_GCS_BUCKET" env-description:"GCS Bucket name." env-default:"obi"`
		Credentials string `toml:"credentials" env:"OBI_GCS_CREDENTIALS" env-description:"Path to GCS service account credentials file. Empty string for application default credentials." env-default:""`
	} `toml:"gcs"`

	File struct {
		Dir string `toml:"dir" env:"OBI_FILE_DIR" env-description:"Directory for the file backend." env-default:"/var/lib/obi"`
	} `toml:"file"`

	Bench struct {
		IOSize  int   `toml:"io_size" env:"OBI_BENCH_IOSIZE" env-description:"Write size in bytes for the write benchmark." env-default:"4096"`
		Threads int   `toml:"io_threads" env:"OBI_BENCH_THREADS" env-description:"Maximum number of outstanding writes for the write benchmark." env-default:"16"`
		Total   int64 `toml:"io_total" env:"OBI_BENCH_TOTAL" env-description:"Total bytes to write in the write benchmark. In MB." env-default:"1024"`
	} `toml:"bench"`

	Import struct {
		MergeSize int64 `toml:"merge_size" env:"OBI_IMPORT_MERGESIZE" env-description:"Merge adjacent source extents until a run reaches this size. In MB." env-default:"32"`
		ChunkSize int64 `toml:"chunk_size" env:"OBI_IMPORT_CHUNKSIZE" env-description:"Chunk size for reading the source file. In MB." env-default:"4"`
	} `toml:"import"`

	Device struct {
		Bus string `toml:"bus" env:"OBI_DEVICE_BUS" env-description:"Sysfs bus directory of the kernel driver." env-default:"/sys/bus/obi"`
	} `toml:"device"`

	Log struct {
		Level  int  `toml:"level" env:"OBI_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"OBI_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"OBI_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"OBI_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure parses the configuration file and reads the environment
// variables. The configuration file has the lower priority and the environment
// variables have the highest priority. It is perfectly fine to use just one of
// these or to combine them.
func Configure(path string) error {
	Cfg.ConfigPath = path
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Bench.Total *= 1024 * 1024
	Cfg.Import.MergeSize *= 1024 * 1024
	Cfg.Import.ChunkSize *= 1024 * 1024

	return nil
}

// Describe returns a help text describing every configuration value and its
// environment variable. It is appended to the command line help.
func Describe() string {
	help, err := cleanenv.GetDescription(&Cfg, nil)
	if err != nil {
		return ""
	}

	return help
}
