package options

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentOptionsDefaults(t *testing.T) {
	o := NewAgentOptions()
	assert.Equal(t, 10*time.Second, o.TelemetryInterval)
	assert.Equal(t, "0.0.0.0:9090", o.Http.Addr)
	assert.Equal(t, "tcp", o.Http.Network)
}

func TestAgentOptionsFlags(t *testing.T) {
	o := NewAgentOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--connection-string", "HostName=h;DeviceId=d;SharedAccessKey=aw==",
		"--http.addr", "127.0.0.1:9091",
		"--http.timeout", "5s",
	}))
	assert.Empty(t, o.Validate())
	assert.Equal(t, "127.0.0.1:9091", o.Http.Addr)
	assert.Equal(t, 5*time.Second, o.Http.Timeout)
}

func TestAgentOptionsConfig(t *testing.T) {
	o := NewAgentOptions()
	o.ConnectionString = "HostName=h;DeviceId=d;SharedAccessKey=aw=="
	o.Http.Addr = "127.0.0.1:9091"

	cfg, err := o.Config()
	require.NoError(t, err)
	assert.Same(t, o.Http, cfg.Http)
	assert.Same(t, o.Mqtt, cfg.Mqtt)
}

func TestAgentOptionsValidate(t *testing.T) {
	o := NewAgentOptions()
	o.ConnectionString = "HostName=h;DeviceId=d;SharedAccessKey=aw=="
	o.Http.Addr = "not-an-address"
	errs := o.Validate()
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "invalid address")
}
