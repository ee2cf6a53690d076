// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/config"
	"github.com/asch/obi/internal/obi/image"
)

var lsCmd = &cobra.Command{
	Use:     "ls [pool]",
	Aliases: []string{"list"},
	Short:   "List images in a pool",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool := config.Cfg.Pool
		if len(args) > 0 {
			pool = args[0]
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		names, err := image.List(cmd.Context(), st.Pool(pool))
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
}
