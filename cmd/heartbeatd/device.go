package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDeviceCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage devices allowed to send beats",
	}
	cmd.AddCommand(
		newDeviceAddCmd(flags),
		newDeviceListCmd(flags),
	)
	return cmd
}

func newDeviceAddCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add <name>",
		Short: "Register a device and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			audit, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer audit.Close()

			ctx := cmd.Context()
			device, err := st.CreateDevice(ctx, args[0])
			if err != nil {
				return err
			}
			_ = audit.LogDeviceCreated(ctx, device.ID, device.Name)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created device %d (%s)\n", device.ID, device.Name)
			fmt.Fprintf(out, "Token: %s\n", device.Token)
			fmt.Fprintln(out, "Store the token now; it cannot be shown again.")
			return nil
		},
	}
}

func newDeviceListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			devices, err := st.ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices registered.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tBEATS\tCREATED")
			for _, d := range devices {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", d.ID, d.Name, d.BeatCount, d.CreatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}
