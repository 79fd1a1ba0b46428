// Package app implements the cirrusctl command tree: service-side hub
// administration from the terminal.
package app

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cirruslink.io/sdk-go/iotservice"
	"cirruslink.io/sdk-go/pkg/log"
)

// connEnvVar supplies the service connection string when the flag is
// absent.
const connEnvVar = "CIRRUS_SERVICE_CONNECTION_STRING"

const commandTimeout = 30 * time.Second

type root struct {
	connString string
	client     *iotservice.Client
}

// NewRootCommand builds the cirrusctl command tree.
func NewRootCommand() *cobra.Command {
	r := &root{}
	cmd := &cobra.Command{
		Use:           "cirrusctl",
		Short:         "Manage devices on a CirrusLink hub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&r.connString, "connection-string", "",
		"Service connection string. Defaults to $"+connEnvVar+".")

	cmd.AddCommand(
		r.deviceCommand(),
		r.twinCommand(),
		r.methodCommand(),
		r.c2dCommand(),
		r.statsCommand(),
	)
	return cmd
}

// service lazily builds the hub client, so help and flag errors never
// require credentials.
func (r *root) service() (*iotservice.Client, error) {
	if r.client != nil {
		return r.client, nil
	}
	cs := r.connString
	if cs == "" {
		cs = os.Getenv(connEnvVar)
	}
	if cs == "" {
		return nil, errors.New("no connection string: pass --connection-string or set $" + connEnvVar)
	}
	c, err := iotservice.NewFromConnectionString(cs, iotservice.WithLogger(log.NewNopLogger()))
	if err != nil {
		return nil, err
	}
	r.client = c
	return c, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}
