package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"cirruslink.io/sdk-go/iotservice"
)

func (r *root) c2dCommand() *cobra.Command {
	var ack string
	var messageID string

	cmd := &cobra.Command{
		Use:   "c2d DEVICE_ID PAYLOAD",
		Short: "Queue a cloud-to-device message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := r.service()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			defer c.Close(ctx)

			err = c.SendC2D(ctx, args[0], &iotservice.C2DMessage{
				Payload:   []byte(args[1]),
				MessageID: messageID,
				Ack:       ack,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&messageID, "message-id", "", "Message id for duplicate detection and feedback correlation.")
	cmd.Flags().StringVar(&ack, "ack", "", "Delivery feedback to request: none, positive, negative or full.")
	return cmd
}
