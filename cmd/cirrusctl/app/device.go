package app

import (
	"encoding/json"
	"fmt"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"cirruslink.io/sdk-go/iotservice"
)

func (r *root) deviceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage device identities",
	}
	cmd.AddCommand(
		r.deviceListCommand(),
		r.deviceShowCommand(),
		r.deviceCreateCommand(),
		r.deviceDeleteCommand(),
	)
	return cmd
}

func (r *root) deviceListCommand() *cobra.Command {
	var maxCount int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := r.service()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			devices, err := c.ListDevices(ctx, maxCount)
			if err != nil {
				return err
			}

			table := uitable.New()
			table.AddRow("DEVICE ID", "STATUS", "CONNECTION", "LAST ACTIVITY")
			for _, d := range devices {
				table.AddRow(d.DeviceID, d.Status, d.ConnectionState, d.LastActivityTime)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxCount, "max", 0, "Maximum number of devices to list (0 for server default).")
	return cmd
}

func (r *root) deviceShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show DEVICE_ID",
		Short: "Show one device identity as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.service()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			device, err := c.GetDevice(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, device)
		},
	}
}

func (r *root) deviceCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create DEVICE_ID",
		Short: "Register a new device identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.service()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			device, err := c.CreateDevice(ctx, &iotservice.Device{DeviceID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd, device)
		},
	}
}

func (r *root) deviceDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete DEVICE_ID",
		Short: "Remove a device identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.service()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			if err := c.DeleteDevice(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
