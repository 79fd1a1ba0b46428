package options

import (
	"errors"
	"time"

	"github.com/spf13/pflag"

	"cirruslink.io/sdk-go/internal/agent"
	"cirruslink.io/sdk-go/pkg/log"
	"cirruslink.io/sdk-go/pkg/options"
)

type AgentOptions struct {
	// ConnectionString identifies the device and carries its key.
	ConnectionString string `json:"connection-string" mapstructure:"connection-string"`

	// TelemetryInterval is the gap between simulated readings.
	TelemetryInterval time.Duration `json:"telemetry-interval" mapstructure:"telemetry-interval"`

	// Http configures the Prometheus metrics endpoint; an empty address
	// disables it.
	Http *options.HttpOptions `json:"http" mapstructure:"http"`

	Mqtt *options.MqttOptions `json:"mqtt" mapstructure:"mqtt"`
	Log  *log.Options         `json:"log" mapstructure:"log"`
}

var _ options.IOptions = (*AgentOptions)(nil)

func NewAgentOptions() *AgentOptions {
	return &AgentOptions{
		TelemetryInterval: 10 * time.Second,
		Http:              options.NewHttpOptions(),
		Mqtt:              options.NewMqttOptions(),
		Log:               log.NewOptions(),
	}
}

func (o *AgentOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.ConnectionString, "connection-string", o.ConnectionString,
		"Device connection string (HostName=...;DeviceId=...;SharedAccessKey=...).")
	fs.DurationVar(&o.TelemetryInterval, "telemetry-interval", o.TelemetryInterval,
		"Interval between telemetry messages.")
	o.Http.AddFlags(fs)
	o.Mqtt.AddFlags(fs, "mqtt")
	o.Log.AddFlags(fs)
}

func (o *AgentOptions) Validate() []error {
	var errs []error
	if o.ConnectionString == "" {
		errs = append(errs, errors.New("--connection-string is required"))
	}
	if o.TelemetryInterval <= 0 {
		errs = append(errs, errors.New("--telemetry-interval must be positive"))
	}
	if o.Http != nil && o.Http.Addr != "" {
		errs = append(errs, o.Http.Validate()...)
	}
	errs = append(errs, o.Mqtt.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return errs
}

func (o *AgentOptions) Config() (*agent.Config, error) {
	return &agent.Config{
		ConnectionString:  o.ConnectionString,
		TelemetryInterval: o.TelemetryInterval,
		Http:              o.Http,
		Mqtt:              o.Mqtt,
	}, nil
}
