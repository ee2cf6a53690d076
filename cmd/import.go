// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/config"
	"github.com/asch/obi/internal/obi/sparse"
	"github.com/asch/obi/internal/progress"
)

var (
	importSize     int64
	importOrder    int
	importFormat   int
	importFeatures uint64
	importDestPool string
)

var importCmd = &cobra.Command{
	Use:   "import path [dest-pool/]dest",
	Short: "Create an image from a file, skipping holes",
	Long: `Import creates an image and fills it from a file. Allocated extents of
the source are probed and holes are never transferred, so a sparse source
yields a sparse image. Path "-" imports standard input and needs --size.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		destArg := ""
		if len(args) > 1 {
			destArg = args[1]
		} else if path != "-" {
			destArg = filepath.Base(path)
		}
		dst, err := resolveDest(destArg, importDestPool)
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		order := importOrder
		if order == 0 {
			order = config.Cfg.Image.Order
		}
		format := importFormat
		if format == 0 {
			format = config.Cfg.Image.Format
		}

		pr := progress.NewPrinter("Importing image", os.Stderr)
		err = sparse.Import(cmd.Context(), st, dst.Pool, dst.Name, path, sparse.ImportOptions{
			Size:      importSize << 20,
			Order:     order,
			Format:    format,
			Features:  importFeatures,
			MergeSize: config.Cfg.Import.MergeSize,
			ChunkSize: config.Cfg.Import.ChunkSize,
		}, pr.Update)
		if err != nil {
			pr.Fail()
			return err
		}
		pr.Done()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().Int64VarP(&importSize, "size", "s", 0, "image size in MB, mandatory for standard input")
	importCmd.Flags().IntVar(&importOrder, "order", 0, "object size as a power of two, 12..25")
	importCmd.Flags().IntVar(&importFormat, "format", 0, "image format, 1 or 2")
	importCmd.Flags().Uint64Var(&importFeatures, "features", 0, "feature bitmask for format 2 images")
	importCmd.Flags().StringVar(&importDestPool, "dest-pool", "", "destination pool name")
}
