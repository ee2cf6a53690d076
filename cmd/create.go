// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/config"
	"github.com/asch/obi/internal/obi/image"
)

var (
	createSize        int64
	createOrder       int
	createFormat      int
	createFeatures    uint64
	createStripeUnit  int64
	createStripeCount int64
)

var createCmd = &cobra.Command{
	Use:   "create [pool/]name --size <MB>",
	Short: "Create an empty image",
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

		order := createOrder
		if order == 0 {
			order = config.Cfg.Image.Order
		}
		format := createFormat
		if format == 0 {
			format = config.Cfg.Image.Format
		}

		return image.Create(cmd.Context(), st.Pool(spec.Pool), spec.Name, image.CreateOptions{
			Size:        createSize << 20,
			Order:       order,
			Format:      format,
			Features:    createFeatures,
			StripeUnit:  createStripeUnit,
			StripeCount: createStripeCount,
		})
	},
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().Int64VarP(&createSize, "size", "s", 0, "image size in MB")
	createCmd.Flags().IntVar(&createOrder, "order", 0, "object size as a power of two, 12..25")
	createCmd.Flags().IntVar(&createFormat, "format", 0, "image format, 1 or 2")
	createCmd.Flags().Uint64Var(&createFeatures, "features", 0, "feature bitmask for format 2 images")
	createCmd.Flags().Int64Var(&createStripeUnit, "stripe-unit", 0, "stripe unit in bytes")
	createCmd.Flags().Int64Var(&createStripeCount, "stripe-count", 0, "number of objects to stripe over")
	createCmd.MarkFlagRequired("size")
}
