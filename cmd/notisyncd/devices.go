package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/notisync/store"
	"github.com/user/notisync/util"
)

func newDevicesCmd(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the peers this device syncs with",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.resolve(cmd); err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), util.DatabasePath(opts.cfg.DataDir))
			if err != nil {
				return err
			}
			defer st.Close()

			devices, err := st.BondedDevices(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printDevicesJSON(cmd.OutOrStdout(), devices)
			}
			return printDevices(cmd.OutOrStdout(), devices)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printDevices(w io.Writer, devices []store.BondedDevice) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "no paired devices")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tSYNC")
	for _, d := range devices {
		sync := "off"
		if d.SyncOn {
			sync = "on"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Address, d.Name, sync)
	}
	return tw.Flush()
}

type deviceJSON struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Sync    bool   `json:"sync"`
}

func printDevicesJSON(w io.Writer, devices []store.BondedDevice) error {
	out := make([]deviceJSON, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceJSON{Address: d.Address, Name: d.Name, Sync: d.SyncOn})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
