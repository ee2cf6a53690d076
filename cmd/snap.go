// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/obi/image"
	"github.com/asch/obi/internal/progress"
)

var snapCmd = &cobra.Command{
	Use:   "snap",
	Short: "Manage image snapshots",
}

// snapOpen resolves the image argument and opens a head handle on it.
func snapOpen(ctx context.Context, args []string, needSnap bool) (image.Spec, *image.Image, func(), error) {
	var (
		spec image.Spec
		err  error
	)
	if needSnap {
		spec, err = resolveSnap(args, 0)
	} else {
		spec, err = resolveSpec(args, 0)
	}
	if err != nil {
		return spec, nil, nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return spec, nil, nil, err
	}

	img, err := image.Open(ctx, st, spec.Pool, spec.Name, image.OpenOptions{})
	if err != nil {
		st.Close()
		return spec, nil, nil, err
	}

	return spec, img, func() {
		img.Close()
		st.Close()
	}, nil
}

var snapLsCmd = &cobra.Command{
	Use:     "ls [pool/]image",
	Aliases: []string{"list"},
	Short:   "List the snapshots of an image",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, img, done, err := snapOpen(cmd.Context(), args, false)
		if err != nil {
			return err
		}
		defer done()

		snaps, err := img.Snaps(cmd.Context())
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "SNAPID\tNAME\tSIZE")
		for _, s := range snaps {
			fmt.Fprintf(w, "%d\t%s\t%s\n", s.ID, s.Name, prettySize(s.Size))
		}

		return w.Flush()
	},
}

var snapCreateCmd = &cobra.Command{
	Use:   "create [pool/]image@snap",
	Short: "Snapshot the image's current content",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, img, done, err := snapOpen(cmd.Context(), args, true)
		if err != nil {
			return err
		}
		defer done()

		return img.SnapCreate(cmd.Context(), spec.Snap)
	},
}

var snapRmCmd = &cobra.Command{
	Use:   "rm [pool/]image@snap",
	Short: "Delete a snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, img, done, err := snapOpen(cmd.Context(), args, true)
		if err != nil {
			return err
		}
		defer done()

		pr := progress.NewPrinter("Removing snap", os.Stderr)
		if err := img.SnapRemove(cmd.Context(), spec.Snap, pr.Update); err != nil {
			pr.Fail()
			return err
		}
		pr.Done()

		return nil
	},
}

var snapRollbackCmd = &cobra.Command{
	Use:   "rollback [pool/]image@snap",
	Short: "Rewrite the image head with a snapshot's content",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, img, done, err := snapOpen(cmd.Context(), args, true)
		if err != nil {
			return err
		}
		defer done()

		pr := progress.NewPrinter("Rolling back to snapshot", os.Stderr)
		if err := img.SnapRollback(cmd.Context(), spec.Snap, pr.Update); err != nil {
			pr.Fail()
			return err
		}
		pr.Done()

		return nil
	},
}

var snapPurgeCmd = &cobra.Command{
	Use:   "purge [pool/]image",
	Short: "Delete all unprotected snapshots",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, img, done, err := snapOpen(cmd.Context(), args, false)
		if err != nil {
			return err
		}
		defer done()

		pr := progress.NewPrinter("Removing all snapshots", os.Stderr)
		if err := img.SnapPurge(cmd.Context(), pr.Update); err != nil {
			pr.Fail()
			return err
		}
		pr.Done()

		return nil
	},
}

var snapProtectCmd = &cobra.Command{
	Use:   "protect [pool/]image@snap",
	Short: "Protect a snapshot so it can be cloned",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, img, done, err := snapOpen(cmd.Context(), args, true)
		if err != nil {
			return err
		}
		defer done()

		return img.SnapProtect(cmd.Context(), spec.Snap)
	},
}

var snapUnprotectCmd = &cobra.Command{
	Use:   "unprotect [pool/]image@snap",
	Short: "Clear a snapshot's protection",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, img, done, err := snapOpen(cmd.Context(), args, true)
		if err != nil {
			return err
		}
		defer done()

		return img.SnapUnprotect(cmd.Context(), spec.Snap)
	},
}

func init() {
	rootCmd.AddCommand(snapCmd)
	snapCmd.AddCommand(snapLsCmd, snapCreateCmd, snapRmCmd, snapRollbackCmd, snapPurgeCmd, snapProtectCmd, snapUnprotectCmd)
}
