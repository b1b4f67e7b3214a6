package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Second, cfg.Mediator.ForwardDelay)
	assert.Equal(t, 64, cfg.Registry.MaxSlotsPerRoom)
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8082", cfg.Mediator.AdminAddress)
	assert.Equal(t, ":8081", cfg.Signal.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  read_timeout: 10s
  write_timeout: 15s

signal:
  address: ":9001"
  ping_interval: 5s
  pong_timeout: 10s

mediator:
  signal_url: "ws://signal:9001/ws"
  forward_delay: 500ms
  forward_answer_timeout: 3s

webrtc:
  ice_servers:
    - urls: ["stun:stun.example.org:3478"]
  negotiation_timeout: 7s

registry:
  max_rooms: 10
  max_slots_per_room: 4

logging:
  level: "debug"
`)

	t.Setenv("ROOMRELAY_SIGNAL_ADDRESS", ":7001")
	t.Setenv("ROOMRELAY_MEDIATOR_ID", "mediator-a")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, ":7001", cfg.Signal.Address)
	assert.Equal(t, 5*time.Second, cfg.Signal.PingInterval)
	assert.Equal(t, "ws://signal:9001/ws", cfg.Mediator.SignalURL)
	assert.Equal(t, "mediator-a", cfg.Mediator.ID)
	assert.Equal(t, 500*time.Millisecond, cfg.Mediator.ForwardDelay)
	assert.Equal(t, 3*time.Second, cfg.Mediator.ForwardAnswerTimeout)
	assert.Equal(t, 7*time.Second, cfg.WebRTC.NegotiationTimeout)
	require.Len(t, cfg.WebRTC.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.WebRTC.ICEServers[0].URLs)
	assert.Equal(t, 10, cfg.Registry.MaxRooms)
	assert.Equal(t, 4, cfg.Registry.MaxSlotsPerRoom)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// untouched sections keep their defaults
	assert.Equal(t, 64, cfg.Signal.SendQueueSize)
	assert.Equal(t, 128, cfg.Mediator.ForwardQueueSize)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RedisAddressOverrideEnablesRedis(t *testing.T) {
	t.Setenv("ROOMRELAY_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
}

func TestLoadFirst_FallsBackToDefaults(t *testing.T) {
	cfg, path, err := LoadFirst("missing-a.yaml", "missing-b.yaml")
	assert.Error(t, err)
	assert.Empty(t, path)
	require.NotNil(t, cfg)
	assert.Equal(t, ":8081", cfg.Signal.Address)
}

func TestLoadFirst_PicksFirstExisting(t *testing.T) {
	path := writeTempConfig(t, `
signal:
  address: ":6001"
`)
	cfg, used, err := LoadFirst("missing.yaml", path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, ":6001", cfg.Signal.Address)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "pong timeout must exceed ping interval",
			mutate: func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval },
		},
		{
			name:   "send queue must be > 0",
			mutate: func(c *Config) { c.Signal.SendQueueSize = 0 },
		},
		{
			name:   "forward delay must be >= 0",
			mutate: func(c *Config) { c.Mediator.ForwardDelay = -time.Second },
		},
		{
			name:   "forward answer timeout must be > 0",
			mutate: func(c *Config) { c.Mediator.ForwardAnswerTimeout = 0 },
		},
		{
			name:   "signal url required",
			mutate: func(c *Config) { c.Mediator.SignalURL = "" },
		},
		{
			name: "port range must be ordered",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50000
				c.WebRTC.PortRange.Max = 40000
			},
		},
		{
			name:   "port range needs both ends",
			mutate: func(c *Config) { c.WebRTC.PortRange.Min = 50000 },
		},
		{
			name:   "max slots must be >= 0",
			mutate: func(c *Config) { c.Registry.MaxSlotsPerRoom = -1 },
		},
		{
			name: "redis address required when enabled",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Address = ""
			},
		},
		{
			name: "tracing sample rate bounded",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 2
			},
		},
		{
			name: "ws messages per second must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.WebSocket.MessagesPerSecond = 0
			},
		},
		{
			name:   "ws max message size must be >= 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 },
		},
		{
			name:   "jwt secret required",
			mutate: func(c *Config) { c.Auth.JWTSecret = "" },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}
