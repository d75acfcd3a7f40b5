package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/notisync/store"
	"github.com/user/notisync/util"
)

// newFilterCmd manages the apps whose notifications are never relayed. A
// running daemon picks up changes within a second.
func newFilterCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Manage apps whose notifications are not relayed",
	}

	withStore := func(fn func(cmd *cobra.Command, st *store.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if _, err := opts.resolve(cmd); err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), util.DatabasePath(opts.cfg.DataDir))
			if err != nil {
				return err
			}
			defer st.Close()
			return fn(cmd, st, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <package>...",
			Short: "Stop relaying notifications from the given apps",
			Args:  cobra.MinimumNArgs(1),
			RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
				for _, pkg := range args {
					if err := st.AddFilteredApp(cmd.Context(), pkg); err != nil {
						return err
					}
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "remove <package>...",
			Short: "Relay notifications from the given apps again",
			Args:  cobra.MinimumNArgs(1),
			RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
				for _, pkg := range args {
					if err := st.RemoveFilteredApp(cmd.Context(), pkg); err != nil {
						return err
					}
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List filtered apps",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
				apps, err := st.FilteredApps(cmd.Context())
				if err != nil {
					return err
				}
				for _, a := range apps {
					fmt.Fprintln(cmd.OutOrStdout(), a.PackageName)
				}
				return nil
			}),
		},
	)
	return cmd
}
