// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/obi/image"
)

var infoCmd = &cobra.Command{
	Use:   "info [pool/]image[@snap]",
	Short: "Show information about an image",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := resolveSpec(args, 0)
		if err != nil {
			return err
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

		info := img.Info()

		fmt.Printf("obi image '%s':\n", spec.Name)
		fmt.Printf("\tsize %s in %d objects\n", prettySize(info.Size), info.Objects)
		fmt.Printf("\torder %d (%s objects)\n", info.Order, prettySize(info.ObjectSize))
		fmt.Printf("\tblock_name_prefix: %s\n", info.BlockNamePrefix)
		fmt.Printf("\tformat: %d\n", info.Format)
		if info.Format == 2 {
			fmt.Printf("\tfeatures: %s\n", image.FeatureString(info.Features))
		}
		if info.Features&image.FeatureStripingV2 != 0 {
			fmt.Printf("\tstripe unit: %s\n", prettySize(info.StripeUnit))
			fmt.Printf("\tstripe count: %d\n", info.StripeCount)
		}
		if spec.Snap != "" {
			fmt.Printf("\tprotected: %v\n", info.Protected)
		}
		if p := info.Parent; p != nil {
			fmt.Printf("\tparent: %s/%s@%s\n", p.Pool, p.Image, p.Snap)
			fmt.Printf("\toverlap: %s\n", prettySize(p.Overlap))
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
