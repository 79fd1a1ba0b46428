package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectionString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(t *testing.T, cs *ConnectionString)
	}{
		{
			name:  "device with shared access key",
			input: "HostName=hub.cirruslink.io;DeviceId=dev01;SharedAccessKey=c2VjcmV0",
			check: func(t *testing.T, cs *ConnectionString) {
				assert.Equal(t, "hub.cirruslink.io", cs.HostName)
				assert.Equal(t, "dev01", cs.DeviceID)
				assert.Equal(t, "c2VjcmV0", cs.SharedAccessKey)
				assert.False(t, cs.IsService())
				assert.Equal(t, "hub.cirruslink.io/devices/dev01", cs.TargetURI())
			},
		},
		{
			name:  "module identity",
			input: "HostName=hub.cirruslink.io;DeviceId=dev01;ModuleId=mod01;SharedAccessKey=c2VjcmV0",
			check: func(t *testing.T, cs *ConnectionString) {
				assert.Equal(t, "mod01", cs.ModuleID)
				assert.Equal(t, "hub.cirruslink.io/devices/dev01/modules/mod01", cs.TargetURI())
			},
		},
		{
			name:  "service policy",
			input: "HostName=hub.cirruslink.io;SharedAccessKeyName=service;SharedAccessKey=c2VjcmV0",
			check: func(t *testing.T, cs *ConnectionString) {
				assert.True(t, cs.IsService())
				assert.Equal(t, "hub.cirruslink.io", cs.TargetURI())
			},
		},
		{
			name:  "x509 device",
			input: "HostName=hub.cirruslink.io;DeviceId=dev01;x509=true",
			check: func(t *testing.T, cs *ConnectionString) {
				assert.True(t, cs.X509)
			},
		},
		{
			name:  "gateway host",
			input: "HostName=hub.cirruslink.io;DeviceId=dev01;SharedAccessKey=c2VjcmV0;GatewayHostName=edge.local",
			check: func(t *testing.T, cs *ConnectionString) {
				assert.Equal(t, "edge.local", cs.GatewayHostName)
			},
		},
		{name: "empty", input: "", wantErr: true},
		{name: "missing host", input: "DeviceId=dev01;SharedAccessKey=c2VjcmV0", wantErr: true},
		{name: "no auth", input: "HostName=hub.cirruslink.io;DeviceId=dev01", wantErr: true},
		{
			name:    "two auth mechanisms",
			input:   "HostName=hub.cirruslink.io;DeviceId=dev01;SharedAccessKey=c2VjcmV0;x509=true",
			wantErr: true,
		},
		{name: "invalid key", input: "HostName=h;DeviceId=d;SharedAccessKey=k;Bogus=1", wantErr: true},
		{name: "duplicate key", input: "HostName=h;HostName=h2;DeviceId=d;SharedAccessKey=k", wantErr: true},
		{name: "module without device", input: "HostName=h;ModuleId=m;SharedAccessKey=k", wantErr: true},
		{name: "malformed segment", input: "HostName=h;DeviceId", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, err := ParseConnectionString(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cs)
		})
	}
}

func TestConnectionStringRedaction(t *testing.T) {
	cs, err := ParseConnectionString("HostName=hub.cirruslink.io;DeviceId=dev01;SharedAccessKey=c2VjcmV0")
	require.NoError(t, err)
	assert.NotContains(t, cs.String(), "c2VjcmV0")
	assert.Contains(t, cs.String(), "SharedAccessKey=****")
}
