package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iselt/netsession/transport"
)

func TestDefaultSocketConfig(t *testing.T) {
	cfg := DefaultSocketConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, transport.DefaultConfig(), cfg.engineConfig())
}

func TestSocketConfigSetDefaults(t *testing.T) {
	var cfg SocketConfig
	cfg.SetDefaults()

	assert.Equal(t, 5*time.Second, cfg.IdleConnectionTimeout)
	assert.Equal(t, 1024, cfg.MaxPacketsInFlight)
	assert.Zero(t, cfg.HeartbeatInterval, "heartbeats stay disabled")
	assert.NoError(t, cfg.Validate())
}

func TestSocketConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SocketConfig
		wantErr []string
	}{
		{
			name: "valid without heartbeat",
			cfg:  SocketConfig{IdleConnectionTimeout: time.Second, MaxPacketsInFlight: 1},
		},
		{
			name:    "zero idle timeout",
			cfg:     SocketConfig{MaxPacketsInFlight: 10},
			wantErr: []string{"idle_connection_timeout"},
		},
		{
			name:    "heartbeat not shorter than idle timeout",
			cfg:     SocketConfig{IdleConnectionTimeout: time.Second, HeartbeatInterval: time.Second, MaxPacketsInFlight: 10},
			wantErr: []string{"heartbeat_interval (1s)"},
		},
		{
			name: "everything wrong at once",
			cfg:  SocketConfig{IdleConnectionTimeout: -time.Second, HeartbeatInterval: -time.Second, MaxPacketsInFlight: 70000},
			wantErr: []string{
				"idle_connection_timeout",
				"heartbeat_interval must not be negative",
				"max_packets_in_flight",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			for _, want := range tt.wantErr {
				assert.ErrorContains(t, err, want)
			}
		})
	}
}
