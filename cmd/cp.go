// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/obi/image"
	"github.com/asch/obi/internal/progress"
)

var cpDestPool string

var cpCmd = &cobra.Command{
	Use:     "cp [pool/]src[@snap] dest",
	Aliases: []string{"copy"},
	Short:   "Copy an image or a snapshot into a new image",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := resolveSpec(args, 0)
		if err != nil {
			return err
		}

		destPool := cpDestPool
		if destPool == "" {
			destPool = src.Pool
		}
		dst, err := resolveDest(args[1], destPool)
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		img, err := image.Open(cmd.Context(), st, src.Pool, src.Name, image.OpenOptions{Snap: src.Snap})
		if err != nil {
			return err
		}
		defer img.Close()

		pr := progress.NewPrinter("Image copy", os.Stderr)
		if err := img.CopyTo(cmd.Context(), dst.Pool, dst.Name, pr.Update); err != nil {
			pr.Fail()
			return err
		}
		pr.Done()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(cpCmd)

	cpCmd.Flags().StringVar(&cpDestPool, "dest-pool", "", "destination pool name")
}
