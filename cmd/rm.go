// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/obi/image"
	"github.com/asch/obi/internal/progress"
)

var rmCmd = &cobra.Command{
	Use:     "rm [pool/]image",
	Aliases: []string{"delete"},
	Short:   "Delete an image",
	Args:    cobra.MaximumNArgs(1),
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

		pr := progress.NewPrinter("Removing image", os.Stderr)
		if err := image.Remove(cmd.Context(), st, spec.Pool, spec.Name, pr.Update); err != nil {
			pr.Fail()
			return err
		}
		pr.Done()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}
