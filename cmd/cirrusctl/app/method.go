package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"cirruslink.io/sdk-go/iotservice"
)

func (r *root) methodCommand() *cobra.Command {
	var timeout int
	var payload string

	cmd := &cobra.Command{
		Use:   "method DEVICE_ID METHOD_NAME",
		Short: "Invoke a direct method on a connected device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			call := &iotservice.MethodCall{
				MethodName:     args[1],
				TimeoutSeconds: timeout,
			}
			if payload != "" {
				var body any
				if err := json.Unmarshal([]byte(payload), &body); err != nil {
					return fmt.Errorf("payload must be valid JSON: %w", err)
				}
				call.Payload = body
			}

			c, err := r.service()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			result, err := c.InvokeMethod(ctx, args[0], call)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %d\n", result.Status)
			if len(result.Payload) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), string(result.Payload))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload to send with the method call.")
	cmd.Flags().IntVar(&timeout, "timeout", 30, "Seconds the hub waits for the device to respond.")
	return cmd
}

func (r *root) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show registry statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := r.service()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()

			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}
