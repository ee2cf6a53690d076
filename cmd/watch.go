// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/obi/image"
	"github.com/asch/obi/internal/obi/store"
)

var watchCmd = &cobra.Command{
	Use:   "watch [pool/]image",
	Short: "Print header change notifications until interrupted",
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

		cancel, err := img.Watch(cmd.Context(), func(ev store.Event) {
			fmt.Printf("notify on %s/%s version %d\n", spec.Pool, spec.Name, ev.Version)
		})
		if err != nil {
			return err
		}
		defer cancel()

		fmt.Printf("watching %s/%s, press ctrl-c to stop\n", spec.Pool, spec.Name)
		<-cmd.Context().Done()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
