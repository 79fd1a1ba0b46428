package app

import (
	"fmt"

	"cirruslink.io/sdk-go/cmd/cirrus-device-agent/app/options"
	"cirruslink.io/sdk-go/pkg/app"
	"cirruslink.io/sdk-go/pkg/log"
)

const (
	commandName = "cirrus-device-agent"
	commandDesc = `The CirrusLink device agent runs a simulated device against a hub:
it sends periodic telemetry, echoes direct method calls, and mirrors
desired-property changes back into its reported state.`
)

func NewApp() *app.App {
	opts := options.NewAgentOptions()
	return app.NewApp(
		commandName,
		"Run a simulated CirrusLink device",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithRunFunc(run(opts)),
	)
}

func run(opts *options.AgentOptions) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		ctx := app.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		agent, err := cfg.NewAgent()
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}

		return agent.Run(ctx)
	}
}
