// ABOUTME: Configuration loading and parsing for a2a-relay
// ABOUTME: Supports YAML files with environment variable expansion, duration and byte-size parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config represents the complete a2a-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Relay     RelayConfig     `yaml:"relay"`
	Responder ResponderConfig `yaml:"responder"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves grpc.health.v1 when set
	GRPCAddr       string   `yaml:"grpc_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve HTTPS with tailnet certs on :443
	Funnel    bool   `yaml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds the optional presence mirror configuration
type RedisConfig struct {
	URL       string        `yaml:"url"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// RelayConfig holds routing, session and connection settings
type RelayConfig struct {
	AIAgentID             string `yaml:"ai_agent_id"`
	DuplicatePolicy       string `yaml:"duplicate_policy"`
	OutboundQueueDepth    int    `yaml:"outbound_queue_depth"`
	OverflowPolicy        string `yaml:"overflow_policy"`
	EndAISessionAfterTurn bool   `yaml:"end_ai_session_after_turn"`

	SessionIdleTimeout time.Duration `yaml:"-"`
	WriteTimeout       time.Duration `yaml:"-"`
	PingInterval       time.Duration `yaml:"-"`
	PongWait           time.Duration `yaml:"-"`
	DedupeTTL          time.Duration `yaml:"-"`
	MinAudioSize       int64         `yaml:"-"`
	MaxMessageSize     int64         `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SessionIdleTimeoutRaw string `yaml:"session_idle_timeout"`
	WriteTimeoutRaw       string `yaml:"write_timeout"`
	PingIntervalRaw       string `yaml:"ping_interval"`
	PongWaitRaw           string `yaml:"pong_wait"`
	DedupeTTLRaw          string `yaml:"dedupe_ttl"`
	MinAudioSizeRaw       string `yaml:"min_audio_size"`
	MaxMessageSizeRaw     string `yaml:"max_message_size"`
}

// ResponderConfig holds the AI responder pipeline configuration
type ResponderConfig struct {
	Provider            string   `yaml:"provider"` // "openai" or "disabled"
	APIKey              string   `yaml:"api_key"`
	BaseURL             string   `yaml:"base_url"`
	TranscriptionModel  string   `yaml:"transcription_model"`
	ChatModel           string   `yaml:"chat_model"`
	SpeechModel         string   `yaml:"speech_model"`
	Voice               string   `yaml:"voice"`
	AudioFormat         string   `yaml:"audio_format"`
	SystemPrompt        string   `yaml:"system_prompt"`
	MaxTokens           int      `yaml:"max_tokens"`
	Temperature         *float32 `yaml:"temperature"`
	AudioBytesPerSecond int      `yaml:"audio_bytes_per_second"`

	MinTimeout time.Duration `yaml:"-"`
	MaxTimeout time.Duration `yaml:"-"`

	MinTimeoutRaw string `yaml:"min_timeout"`
	MaxTimeoutRaw string `yaml:"max_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults
const (
	DefaultAIAgentID          = "ai_agent"
	DefaultQueueDepth         = 64
	DefaultRedisKeyPrefix     = "a2a:"
	DefaultMetricsPath        = "/metrics"
	DefaultAudioFormat        = "webm"
	DefaultMaxTokens          = 150
	DefaultTemperature        = float32(0.7)
	DefaultAudioBytesPerSec   = 16000
	DefaultMinAudioSize       = "1KB"
	DefaultMaxMessageSize     = "8MB"
	DefaultSessionIdleTimeout = 5 * time.Minute
	DefaultWriteTimeout       = 10 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultPongWait           = 75 * time.Second
	DefaultDedupeTTL          = 5 * time.Minute
	DefaultRedisTTL           = 10 * time.Minute
	DefaultMinTimeout         = 10 * time.Second
	DefaultMaxTimeout         = 60 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML, applying defaults and environment
// overrides before validating.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := parseSizes(&cfg); err != nil {
		return nil, fmt.Errorf("parsing sizes: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Relay.AIAgentID == "" {
		c.Relay.AIAgentID = DefaultAIAgentID
	}
	if c.Relay.DuplicatePolicy == "" {
		c.Relay.DuplicatePolicy = "supersede"
	}
	if c.Relay.OutboundQueueDepth == 0 {
		c.Relay.OutboundQueueDepth = DefaultQueueDepth
	}
	if c.Relay.OverflowPolicy == "" {
		c.Relay.OverflowPolicy = "reject_new"
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}

	r := &c.Responder
	if r.Provider == "" {
		r.Provider = "openai"
	}
	if r.AudioFormat == "" {
		r.AudioFormat = DefaultAudioFormat
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.Temperature == nil {
		t := DefaultTemperature
		r.Temperature = &t
	}
	if r.AudioBytesPerSecond == 0 {
		r.AudioBytesPerSecond = DefaultAudioBytesPerSec
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// applyEnv applies environment overrides for secrets and paths.
func (c *Config) applyEnv() {
	if envPath := os.Getenv("A2A_DB_PATH"); envPath != "" {
		c.Database.Path = envPath
	}
	if c.Responder.APIKey == "" {
		c.Responder.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Tailscale.AuthKey == "" {
		c.Tailscale.AuthKey = os.Getenv("TS_AUTHKEY")
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Relay.DuplicatePolicy {
	case "supersede", "reject":
	default:
		return fmt.Errorf("relay.duplicate_policy must be supersede or reject, got %q", c.Relay.DuplicatePolicy)
	}
	switch c.Relay.OverflowPolicy {
	case "reject_new", "drop_oldest":
	default:
		return fmt.Errorf("relay.overflow_policy must be reject_new or drop_oldest, got %q", c.Relay.OverflowPolicy)
	}
	if c.Relay.OutboundQueueDepth < 1 {
		return fmt.Errorf("relay.outbound_queue_depth must be positive")
	}
	if c.Relay.MinAudioSize >= c.Relay.MaxMessageSize {
		return fmt.Errorf("relay.min_audio_size must be smaller than relay.max_message_size")
	}
	if c.Relay.PingInterval > 0 && c.Relay.PongWait <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_wait must be longer than relay.ping_interval")
	}

	switch c.Responder.Provider {
	case "openai", "disabled":
	default:
		return fmt.Errorf("responder.provider must be openai or disabled, got %q", c.Responder.Provider)
	}
	if c.Responder.MinTimeout > c.Responder.MaxTimeout {
		return fmt.Errorf("responder.min_timeout must not exceed responder.max_timeout")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values,
// falling back to the default when a field is absent.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"relay.session_idle_timeout", cfg.Relay.SessionIdleTimeoutRaw, DefaultSessionIdleTimeout, &cfg.Relay.SessionIdleTimeout},
		{"relay.write_timeout", cfg.Relay.WriteTimeoutRaw, DefaultWriteTimeout, &cfg.Relay.WriteTimeout},
		{"relay.ping_interval", cfg.Relay.PingIntervalRaw, DefaultPingInterval, &cfg.Relay.PingInterval},
		{"relay.pong_wait", cfg.Relay.PongWaitRaw, DefaultPongWait, &cfg.Relay.PongWait},
		{"relay.dedupe_ttl", cfg.Relay.DedupeTTLRaw, DefaultDedupeTTL, &cfg.Relay.DedupeTTL},
		{"redis.ttl", cfg.Redis.TTLRaw, DefaultRedisTTL, &cfg.Redis.TTL},
		{"responder.min_timeout", cfg.Responder.MinTimeoutRaw, DefaultMinTimeout, &cfg.Responder.MinTimeout},
		{"responder.max_timeout", cfg.Responder.MaxTimeoutRaw, DefaultMaxTimeout, &cfg.Responder.MaxTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			*f.dst = f.def
			continue
		}
		// "0" is accepted without a unit and disables the feature
		if f.raw == "0" {
			*f.dst = 0
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

// parseSizes converts human-readable byte sizes ("1KB", "8MB") into byte counts.
func parseSizes(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		def  string
		dst  *int64
	}{
		{"relay.min_audio_size", cfg.Relay.MinAudioSizeRaw, DefaultMinAudioSize, &cfg.Relay.MinAudioSize},
		{"relay.max_message_size", cfg.Relay.MaxMessageSizeRaw, DefaultMaxMessageSize, &cfg.Relay.MaxMessageSize},
	}

	for _, f := range fields {
		raw := f.raw
		if raw == "" {
			raw = f.def
		}
		size, err := units.FromHumanSize(raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, raw, err)
		}
		*f.dst = size
	}

	return nil
}
