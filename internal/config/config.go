package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the realtime companion pipeline
// and the negotiation endpoint that backs it.
type Config struct {
	BindAddr                 string        `yaml:"bind_addr"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout"`
	SessionInactivityTimeout time.Duration `yaml:"session_inactivity_timeout"`
	MetricsNamespace         string        `yaml:"metrics_namespace"`
	LogLevel                 string        `yaml:"log_level"`

	NegotiateURL     string        `yaml:"negotiate_url"`
	NegotiateTimeout time.Duration `yaml:"negotiate_timeout"`

	Transport             string        `yaml:"transport"`
	OpenTimeout           time.Duration `yaml:"open_timeout"`
	SessionCreatedTimeout time.Duration `yaml:"session_created_timeout"`
	Voice                 string        `yaml:"voice"`
	Model                 string        `yaml:"model"`
	Instructions          string        `yaml:"instructions"`
	TurnDetection         string        `yaml:"turn_detection"`

	CaptureFrameDuration time.Duration `yaml:"capture_frame_duration"`
	CaptureCommand       string        `yaml:"capture_command"`
	PlaybackQueueSize    int           `yaml:"playback_queue_size"`
	PlaybackCommand      string        `yaml:"playback_command"`

	OpenAIAPIKey  string        `yaml:"-"`
	OpenAIBaseURL string        `yaml:"openai_base_url"`
	CredentialTTL time.Duration `yaml:"credential_ttl"`

	DatabaseURL string `yaml:"-"`
}

// Load reads an optional YAML file named by TANDEM_CONFIG_FILE, then
// environment variables, and applies safe defaults.
func Load() (Config, error) {
	cfg := Defaults()

	if path := stringsTrimSpace("TANDEM_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = strings.ToLower(envOrDefault("APP_LOG_LEVEL", cfg.LogLevel))
	cfg.NegotiateURL = envOrDefault("NEGOTIATE_URL", cfg.NegotiateURL)
	cfg.Transport = strings.ToLower(envOrDefault("REALTIME_TRANSPORT", cfg.Transport))
	cfg.Voice = envOrDefault("REALTIME_VOICE", cfg.Voice)
	cfg.Model = envOrDefault("REALTIME_MODEL", cfg.Model)
	cfg.Instructions = envOrDefault("REALTIME_INSTRUCTIONS", cfg.Instructions)
	cfg.TurnDetection = strings.ToLower(envOrDefault("REALTIME_TURN_DETECTION", cfg.TurnDetection))
	cfg.CaptureCommand = envOrDefault("CAPTURE_COMMAND", cfg.CaptureCommand)
	cfg.PlaybackCommand = envOrDefault("PLAYBACK_COMMAND", cfg.PlaybackCommand)
	cfg.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIAPIKey = stringsTrimSpace("OPENAI_API_KEY")
	cfg.DatabaseURL = stringsTrimSpace("DATABASE_URL")

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"NEGOTIATE_TIMEOUT", &cfg.NegotiateTimeout},
		{"REALTIME_OPEN_TIMEOUT", &cfg.OpenTimeout},
		{"REALTIME_SESSION_CREATED_TIMEOUT", &cfg.SessionCreatedTimeout},
		{"CAPTURE_FRAME_DURATION", &cfg.CaptureFrameDuration},
		{"CREDENTIAL_TTL", &cfg.CredentialTTL},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}
	cfg.PlaybackQueueSize, err = intFromEnv("PLAYBACK_QUEUE_SIZE", cfg.PlaybackQueueSize)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		MetricsNamespace:         "tandem",
		LogLevel:                 "info",
		NegotiateURL:             "http://localhost:8080/v1/realtime/session",
		NegotiateTimeout:         8 * time.Second,
		Transport:                "socket",
		OpenTimeout:              10 * time.Second,
		SessionCreatedTimeout:    10 * time.Second,
		Voice:                    "verse",
		Model:                    "gpt-4o-realtime-preview",
		// The companion speaks to dancers browsing the community site.
		Instructions:         "You are Tandem, a friendly companion for a dance community. Keep replies short and spoken.",
		TurnDetection:        "server_vad",
		CaptureFrameDuration: 100 * time.Millisecond,
		PlaybackQueueSize:    256,
		OpenAIBaseURL:        "https://api.openai.com",
		CredentialTTL:        time.Minute,
	}
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	switch c.Transport {
	case "socket", "media":
	default:
		return fmt.Errorf("REALTIME_TRANSPORT must be socket or media, got %q", c.Transport)
	}
	switch c.TurnDetection {
	case "server_vad", "none":
	default:
		return fmt.Errorf("REALTIME_TURN_DETECTION must be server_vad or none, got %q", c.TurnDetection)
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.NegotiateTimeout <= 0 {
		return fmt.Errorf("NEGOTIATE_TIMEOUT must be positive")
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("REALTIME_OPEN_TIMEOUT must be positive")
	}
	if c.SessionCreatedTimeout <= 0 {
		return fmt.Errorf("REALTIME_SESSION_CREATED_TIMEOUT must be positive")
	}
	if c.CaptureFrameDuration < 10*time.Millisecond || c.CaptureFrameDuration > time.Second {
		return fmt.Errorf("CAPTURE_FRAME_DURATION must be between 10ms and 1s")
	}
	if c.PlaybackQueueSize <= 0 {
		return fmt.Errorf("PLAYBACK_QUEUE_SIZE must be positive")
	}
	if c.CredentialTTL < 10*time.Second {
		return fmt.Errorf("CREDENTIAL_TTL must be at least 10s")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
