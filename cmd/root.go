// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package cmd implements the command line interface. Every verb resolves
// its image argument, opens the configured store backend and calls into
// the image control plane; the commands themselves stay thin.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/config"
	"github.com/asch/obi/internal/obi/image"
	"github.com/asch/obi/internal/obi/store"
	"github.com/asch/obi/internal/obi/store/filestore"
	"github.com/asch/obi/internal/obi/store/gcs"
	"github.com/asch/obi/internal/obi/store/memstore"
	"github.com/asch/obi/internal/obi/store/s3"
)

var (
	confPath  string
	poolFlag  string
	imageFlag string
	snapFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "obi",
	Short: "Manage block images stored in an object store",
	Long: `obi manages virtual block images sharded into fixed-size objects in an
object store. Images can be snapshotted, cloned copy-on-write, imported
from and exported to sparse files, advisorily locked and mapped into the
kernel block layer.

Images are named [pool/]name[@snap]; the pool falls back to --pool and
then to the configured default.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Configure(confPath); err != nil {
			return err
		}
		loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

		if config.Cfg.Profiler {
			runProfiler(config.Cfg.ProfilerPort)
		}
		if poolFlag != "" {
			config.Cfg.Pool = poolFlag
		}

		return nil
	},
}

// Execute runs the command line. SIGINT or SIGTERM cancel the command's
// context so long running loops stop gracefully.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&confPath, "conf", "c", config.DefaultPath, "path to the configuration file")
	rootCmd.PersistentFlags().StringVarP(&poolFlag, "pool", "p", "", "pool name, overrides the configured default")
	rootCmd.PersistentFlags().StringVar(&imageFlag, "image", "", "image name, in place of the positional argument")
	rootCmd.PersistentFlags().StringVar(&snapFlag, "snap", "", "snapshot name, in place of the @snap suffix")

	rootCmd.Long += "\n\n" + config.Describe()
}

// openStore builds the configured object store backend.
func openStore(ctx context.Context) (store.Store, error) {
	switch config.Cfg.Backend {
	case "s3":
		return s3.New(s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
		})
	case "gcs":
		return gcs.New(ctx, gcs.Options{
			Bucket:      config.Cfg.GCS.Bucket,
			Credentials: config.Cfg.GCS.Credentials,
		})
	case "file":
		return filestore.New(config.Cfg.File.Dir)
	case "mem":
		return memstore.New(), nil
	}

	return nil, fmt.Errorf("unknown backend %q: %w", config.Cfg.Backend, errdefs.ErrInvalidArgument)
}

// resolveSpec returns the image spec from the positional argument at idx,
// falling back to the --image flag, and applies the --pool and --snap
// defaults.
func resolveSpec(args []string, idx int) (image.Spec, error) {
	arg := ""
	if idx < len(args) {
		arg = args[idx]
	} else if imageFlag != "" {
		arg = imageFlag
	}
	if arg == "" {
		return image.Spec{}, fmt.Errorf("image name was not specified: %w", errdefs.ErrInvalidArgument)
	}

	s, err := image.ParseSpec(arg, config.Cfg.Pool)
	if err != nil {
		return image.Spec{}, err
	}
	if s.Snap == "" {
		s.Snap = snapFlag
	}

	return s, nil
}

// resolveImage is resolveSpec refusing a snapshot suffix.
func resolveImage(args []string, idx int) (image.Spec, error) {
	s, err := resolveSpec(args, idx)
	if err != nil {
		return s, err
	}
	if s.Snap != "" {
		return s, fmt.Errorf("snapshot name may not be specified here: %w", errdefs.ErrInvalidArgument)
	}

	return s, nil
}

// resolveSnap is resolveSpec requiring a snapshot.
func resolveSnap(args []string, idx int) (image.Spec, error) {
	s, err := resolveSpec(args, idx)
	if err != nil {
		return s, err
	}
	if s.Snap == "" {
		return s, fmt.Errorf("snapshot name was not specified: %w", errdefs.ErrInvalidArgument)
	}

	return s, nil
}

// resolveDest parses a destination image argument. Its pool defaults to
// destPool when given, otherwise to the usual default; a snapshot suffix is
// refused, a snapshot cannot be a destination.
func resolveDest(arg, destPool string) (image.Spec, error) {
	def := config.Cfg.Pool
	if destPool != "" {
		def = destPool
	}

	s, err := image.ParseSpec(arg, def)
	if err != nil {
		return image.Spec{}, err
	}
	if s.Snap != "" {
		return s, fmt.Errorf("destination may not be a snapshot: %w", errdefs.ErrInvalidArgument)
	}

	return s, nil
}

// prettySize renders byte counts the way info output shows them, preferring
// the largest unit that divides evenly.
func prettySize(n int64) string {
	switch {
	case n != 0 && n%(1<<30) == 0:
		return fmt.Sprintf("%d GB", n>>30)
	case n != 0 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MB", n>>20)
	case n != 0 && n%(1<<10) == 0:
		return fmt.Sprintf("%d kB", n>>10)
	}

	return fmt.Sprintf("%d bytes", n)
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
