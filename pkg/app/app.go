// Package app assembles a command binary from reusable parts: cobra for
// the command surface, pflag for flags, viper for config-file and
// environment binding.
package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cirruslink.io/sdk-go/pkg/options"
)

// envPrefix scopes environment variable binding, e.g. CIRRUS_LOG_LEVEL.
const envPrefix = "CIRRUS"

// RunFunc is the command body, invoked after flags, config file and
// environment have been merged and validated.
type RunFunc func() error

// App is one runnable command.
type App struct {
	name        string
	brief       string
	description string
	options     options.IOptions
	run         RunFunc
	noConfig    bool

	configFile string
	cmd        *cobra.Command
}

// Option configures an App at construction.
type Option func(*App)

// WithDescription sets the long help text.
func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

// WithOptions attaches the command's flag-backed configuration block.
func WithOptions(opts options.IOptions) Option {
	return func(a *App) { a.options = opts }
}

// WithRunFunc sets the command body.
func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.run = run }
}

// WithNoConfig disables the --config flag and config-file loading.
func WithNoConfig() Option {
	return func(a *App) { a.noConfig = true }
}

// NewApp builds the command. name is the binary name, brief the one-line
// summary.
func NewApp(name, brief string, opts ...Option) *App {
	a := &App{name: name, brief: brief}
	for _, opt := range opts {
		opt(a)
	}
	a.buildCommand()
	return a
}

// Command exposes the underlying cobra command so callers can attach
// subcommands.
func (a *App) Command() *cobra.Command { return a.cmd }

// Run parses flags and executes the command.
func (a *App) Run() error {
	return a.cmd.Execute()
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:           a.name,
		Short:         a.brief,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
	}
	cmd.SetErrPrefix(a.name + ":")

	if a.options != nil {
		a.options.AddFlags(cmd.Flags())
	}
	if !a.noConfig {
		cmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "",
			"Path to the configuration file.")
	}

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if a.options != nil {
			if err := a.bindConfig(cmd); err != nil {
				return err
			}
			if errs := a.options.Validate(); len(errs) > 0 {
				return fmt.Errorf("invalid configuration: %v", errs)
			}
		}
		if a.run != nil {
			return a.run()
		}
		return nil
	}
	a.cmd = cmd
}

// bindConfig layers configuration: defaults < config file < environment <
// explicit flags.
func (a *App) bindConfig(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if !a.noConfig {
		if a.configFile != "" {
			v.SetConfigFile(a.configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
		} else {
			v.SetConfigName(a.name)
			v.AddConfigPath(".")
			v.AddConfigPath("/etc/cirrus")
			if err := v.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return fmt.Errorf("reading config file: %w", err)
				}
			}
		}
	}

	return v.Unmarshal(a.options)
}
