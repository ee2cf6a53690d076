// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/asch/obi/internal/obi/image"
)

var lockShared string

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage advisory image locks",
}

var lockListCmd = &cobra.Command{
	Use:     "list [pool/]image",
	Aliases: []string{"ls"},
	Short:   "Show the holders of an image's lock",
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

		img, err := image.Open(cmd.Context(), st, spec.Pool, spec.Name, image.OpenOptions{})
		if err != nil {
			return err
		}
		defer img.Close()

		info, err := img.Lockers(cmd.Context())
		if err != nil {
			return err
		}
		if len(info.Lockers) == 0 {
			return nil
		}

		if info.Exclusive {
			fmt.Println("There is 1 exclusive lock on this image.")
		} else {
			fmt.Printf("There are %d shared locks on this image.\n", len(info.Lockers))
			fmt.Printf("Lock tag: %s\n", info.Tag)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "Locker\tID\tAddress")
		for _, l := range info.Lockers {
			fmt.Fprintf(w, "%s\t%s\t%s\n", l.Client, l.Cookie, l.Address)
		}

		return w.Flush()
	},
}

var lockAddCmd = &cobra.Command{
	Use:   "add [pool/]image lock-id",
	Short: "Take a lock on an image",
	Args:  cobra.ExactArgs(2),
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

		return img.LockAdd(cmd.Context(), args[1], lockShared)
	},
}

var lockRemoveCmd = &cobra.Command{
	Use:     "remove [pool/]image lock-id locker",
	Aliases: []string{"rm"},
	Short:   "Release a lock, including another client's",
	Args:    cobra.ExactArgs(3),
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

		return img.LockRemove(cmd.Context(), args[2], args[1])
	},
}

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(lockListCmd, lockAddCmd, lockRemoveCmd)

	lockAddCmd.Flags().StringVar(&lockShared, "shared", "", "take a shared lock under the given tag instead of an exclusive one")
}
