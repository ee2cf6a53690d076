// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/obi/image"
	"github.com/asch/obi/internal/progress"
)

var resizeSize int64

var resizeCmd = &cobra.Command{
	Use:   "resize [pool/]image --size <MB>",
	Short: "Resize an image",
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

		img, err := image.Open(cmd.Context(), st, spec.Pool, spec.Name, image.OpenOptions{})
		if err != nil {
			return err
		}
		defer img.Close()

		pr := progress.NewPrinter("Resizing image", os.Stderr)
		if err := img.Resize(cmd.Context(), resizeSize<<20, pr.Update); err != nil {
			pr.Fail()
			return err
		}
		pr.Done()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(resizeCmd)

	resizeCmd.Flags().Int64VarP(&resizeSize, "size", "s", 0, "new image size in MB")
	resizeCmd.MarkFlagRequired("size")
}
