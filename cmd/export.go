// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/obi/image"
	"github.com/asch/obi/internal/obi/sparse"
	"github.com/asch/obi/internal/progress"
)

var exportCmd = &cobra.Command{
	Use:   "export [pool/]image[@snap] [path]",
	Short: "Write an image's content into a file, keeping it sparse",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := resolveSpec(args, 0)
		if err != nil {
			return err
		}

		path := spec.Name
		if len(args) > 1 {
			path = args[1]
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		img, err := image.Open(cmd.Context(), st, spec.Pool, spec.Name, image.OpenOptions{Snap: spec.Snap})
		if err != nil {
			return err
		}
		defer img.Close()

		pr := progress.NewPrinter("Exporting image", os.Stderr)
		if err := sparse.Export(cmd.Context(), img, path, pr.Update); err != nil {
			pr.Fail()
			return err
		}
		pr.Done()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
