package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"cirruslink.io/sdk-go/iotservice"
)

func (r *root) twinCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "twin",
		Short: "Inspect and update device twins",
	}
	cmd.AddCommand(r.twinShowCommand(), r.twinSetCommand())
	return cmd
}

func (r *root) twinShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show DEVICE_ID",
		Short: "Show a device twin as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.service()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			twin, err := c.GetTwin(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, twin)
		},
	}
}

func (r *root) twinSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set DEVICE_ID DESIRED_JSON",
		Short: "Merge a JSON object into a twin's desired properties",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var desired map[string]any
			if err := json.Unmarshal([]byte(args[1]), &desired); err != nil {
				return fmt.Errorf("desired properties must be a JSON object: %w", err)
			}

			c, err := r.service()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			twin, err := c.UpdateTwin(ctx, &iotservice.Twin{
				DeviceID:   args[0],
				Properties: &iotservice.TwinProperties{Desired: desired},
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, twin)
		},
	}
}
