// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/obi/image"
)

var mvDestPool string

var mvCmd = &cobra.Command{
	Use:     "mv [pool/]src dest",
	Aliases: []string{"rename"},
	Short:   "Rename an image within its pool",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := resolveImage(args, 0)
		if err != nil {
			return err
		}

		destPool := mvDestPool
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

		return image.Rename(cmd.Context(), st, src.Pool, src.Name, dst.Pool, dst.Name)
	},
}

func init() {
	rootCmd.AddCommand(mvCmd)

	mvCmd.Flags().StringVar(&mvDestPool, "dest-pool", "", "destination pool name")
}
