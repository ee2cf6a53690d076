// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/config"
	"github.com/asch/obi/internal/kdev"
)

var mapCmd = &cobra.Command{
	Use:   "map [pool/]image[@snap]",
	Short: "Map an image into a kernel block device",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := resolveSpec(args, 0)
		if err != nil {
			return err
		}

		d, err := kdev.New(config.Cfg.Device.Bus).Add(spec.Pool, spec.Name, spec.Snap)
		if err != nil {
			return err
		}
		fmt.Println(d.Node)

		return nil
	},
}

var unmapCmd = &cobra.Command{
	Use:   "unmap device",
	Short: "Unmap a kernel block device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := strings.TrimPrefix(args[0], "/dev/obi")

		return kdev.New(config.Cfg.Device.Bus).Remove(id)
	},
}

var showmappedCmd = &cobra.Command{
	Use:   "showmapped",
	Short: "List mapped kernel block devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := kdev.New(config.Cfg.Device.Bus).List()
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "id\tpool\timage\tsnap\tdevice")
		for _, d := range devices {
			snap := d.Snap
			if snap == "" {
				snap = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Pool, d.Name, snap, d.Node)
		}

		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(mapCmd, unmapCmd, showmappedCmd)
}
