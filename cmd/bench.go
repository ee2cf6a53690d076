// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/config"
	"github.com/asch/obi/internal/obi/aio"
	"github.com/asch/obi/internal/obi/image"
)

var (
	benchIOSize  int
	benchThreads int
	benchTotal   int64
)

var benchWriteCmd = &cobra.Command{
	Use:   "bench-write [pool/]image",
	Short: "Benchmark sequential writes against an image",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := resolveImage(args, 0)
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		img, err := image.Open(cmd.Context(), st, spec.Pool, spec.Name, image.OpenOptions{Writers: config.Cfg.Writers})
		if err != nil {
			return err
		}
		defer img.Close()

		o := aio.BenchOptions{
			IOSize:  benchIOSize,
			Threads: benchThreads,
			Total:   benchTotal << 20,
		}
		if o.IOSize == 0 {
			o.IOSize = config.Cfg.Bench.IOSize
		}
		if o.Threads == 0 {
			o.Threads = config.Cfg.Bench.Threads
		}
		if o.Total == 0 {
			o.Total = config.Cfg.Bench.Total
		}

		return aio.BenchWrite(cmd.Context(), img, o, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(benchWriteCmd)

	benchWriteCmd.Flags().IntVar(&benchIOSize, "io-size", 0, "write size in bytes")
	benchWriteCmd.Flags().IntVar(&benchThreads, "io-threads", 0, "maximum writes in flight")
	benchWriteCmd.Flags().Int64Var(&benchTotal, "io-total", 0, "total bytes to write in MB")
}
