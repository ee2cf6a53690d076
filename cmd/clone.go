// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/obi/image"
	"github.com/asch/obi/internal/progress"
)

var (
	cloneFeatures uint64
	cloneOrder    int
	cloneDestPool string
)

var cloneCmd = &cobra.Command{
	Use:   "clone [pool/]parent@snap [dest-pool/]child",
	Short: "Clone a protected snapshot into a copy-on-write child image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := resolveSnap(args, 0)
		if err != nil {
			return err
		}

		destPool := cloneDestPool
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

		return image.Clone(cmd.Context(), st, src.Pool, src.Name, src.Snap, dst.Pool, dst.Name, image.CloneOptions{
			Features: cloneFeatures,
			Order:    cloneOrder,
		})
	},
}

var childrenCmd = &cobra.Command{
	Use:   "children [pool/]image@snap",
	Short: "List the clones of a snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := resolveSnap(args, 0)
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

		children, err := img.Children(cmd.Context(), spec.Snap)
		if err != nil {
			return err
		}
		for _, c := range children {
			fmt.Printf("%s/%s\n", c.Pool, c.Name)
		}

		return nil
	},
}

var flattenCmd = &cobra.Command{
	Use:   "flatten [pool/]image",
	Short: "Copy all parent data into a clone and sever the parent link",
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

		pr := progress.NewPrinter("Image flatten", os.Stderr)
		if err := img.Flatten(cmd.Context(), pr.Update); err != nil {
			pr.Fail()
			return err
		}
		pr.Done()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(cloneCmd, childrenCmd, flattenCmd)

	cloneCmd.Flags().Uint64Var(&cloneFeatures, "features", 0, "feature bitmask of the child image")
	cloneCmd.Flags().IntVar(&cloneOrder, "order", 0, "object size as a power of two, defaults to the parent's")
	cloneCmd.Flags().StringVar(&cloneDestPool, "dest-pool", "", "destination pool name")
}
