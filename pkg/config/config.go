package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	// Server holds the HTTP timeouts shared by the signaling server and the
	// mediator admin API.
	Server struct {
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		SendQueueSize   int           `yaml:"send_queue_size"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Mediator struct {
		ID                   string        `yaml:"id"`
		SignalURL            string        `yaml:"signal_url"`
		AdminAddress         string        `yaml:"admin_address"`
		ForwardDelay         time.Duration `yaml:"forward_delay"`
		ForwardAnswerTimeout time.Duration `yaml:"forward_answer_timeout"`
		ForwardQueueSize     int           `yaml:"forward_queue_size"`
		DialAttempts         int           `yaml:"dial_attempts"`
	} `yaml:"mediator"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		PLIInterval        time.Duration `yaml:"pli_interval"`
	} `yaml:"webrtc"`

	Registry struct {
		MaxRooms        int `yaml:"max_rooms"`
		MaxSlotsPerRoom int `yaml:"max_slots_per_room"`
	} `yaml:"registry"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendQueueSize <= 0 {
		return fmt.Errorf("signal.send_queue_size must be > 0")
	}

	// Mediator
	if c.Mediator.SignalURL == "" {
		return fmt.Errorf("mediator.signal_url must not be empty")
	}
	if c.Mediator.ForwardDelay < 0 {
		return fmt.Errorf("mediator.forward_delay must be >= 0")
	}
	if c.Mediator.ForwardAnswerTimeout <= 0 {
		return fmt.Errorf("mediator.forward_answer_timeout must be > 0")
	}
	if c.Mediator.ForwardQueueSize <= 0 {
		return fmt.Errorf("mediator.forward_queue_size must be > 0")
	}
	if c.Mediator.DialAttempts < 0 {
		return fmt.Errorf("mediator.dial_attempts must be >= 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.NegotiationTimeout < 0 {
		return fmt.Errorf("webrtc.negotiation_timeout must be >= 0")
	}

	// Registry
	if c.Registry.MaxRooms < 0 {
		return fmt.Errorf("registry.max_rooms must be >= 0")
	}
	if c.Registry.MaxSlotsPerRoom < 0 {
		return fmt.Errorf("registry.max_slots_per_room must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file in the working directory is loaded first; it never overrides
// variables that are already set.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst tries each path in order and returns the first configuration that
// loads. When none does the defaults are returned together with the last error.
func LoadFirst(paths ...string) (*Config, string, error) {
	var lastErr error
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			lastErr = err
			continue
		}
		cfg, err := Load(path)
		if err == nil {
			return cfg, path, nil
		}
		lastErr = err
	}
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg, "", lastErr
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendQueueSize = 64
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Mediator.SignalURL = "ws://localhost:8081/ws"
	cfg.Mediator.AdminAddress = ":8082"
	cfg.Mediator.ForwardDelay = 2 * time.Second
	cfg.Mediator.ForwardAnswerTimeout = 10 * time.Second
	cfg.Mediator.ForwardQueueSize = 128
	cfg.Mediator.DialAttempts = 5

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.NegotiationTimeout = 15 * time.Second
	cfg.WebRTC.PLIInterval = 3 * time.Second

	cfg.Registry.MaxRooms = 0
	cfg.Registry.MaxSlotsPerRoom = 64

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("ROOMRELAY_ADMIN_ADDRESS"); addr != "" {
		c.Mediator.AdminAddress = addr
	}
	if addr := os.Getenv("ROOMRELAY_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if u := os.Getenv("ROOMRELAY_SIGNAL_URL"); u != "" {
		c.Mediator.SignalURL = u
	}
	if id := os.Getenv("ROOMRELAY_MEDIATOR_ID"); id != "" {
		c.Mediator.ID = id
	}
	if d := os.Getenv("ROOMRELAY_FORWARD_DELAY"); d != "" {
		if v, err := time.ParseDuration(d); err == nil {
			c.Mediator.ForwardDelay = v
		}
	}
	if level := os.Getenv("ROOMRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("ROOMRELAY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("ROOMRELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("ROOMRELAY_REDIS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Redis.Enabled = enabled
		}
	}
}
