package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Transport != "socket" {
		t.Fatalf("Transport = %q, want %q", cfg.Transport, "socket")
	}
	if cfg.NegotiateTimeout != 8*time.Second {
		t.Fatalf("NegotiateTimeout = %v, want 8s", cfg.NegotiateTimeout)
	}
	if cfg.CaptureFrameDuration != 100*time.Millisecond {
		t.Fatalf("CaptureFrameDuration = %v, want 100ms", cfg.CaptureFrameDuration)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("REALTIME_TRANSPORT", "MEDIA")
	t.Setenv("NEGOTIATE_TIMEOUT", "3s")
	t.Setenv("PLAYBACK_QUEUE_SIZE", "16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Transport != "media" {
		t.Fatalf("Transport = %q, want %q", cfg.Transport, "media")
	}
	if cfg.NegotiateTimeout != 3*time.Second {
		t.Fatalf("NegotiateTimeout = %v, want 3s", cfg.NegotiateTimeout)
	}
	if cfg.PlaybackQueueSize != 16 {
		t.Fatalf("PlaybackQueueSize = %d, want 16", cfg.PlaybackQueueSize)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "tandem.yaml")
	body := "voice: alloy\nnegotiate_timeout: 4s\nturn_detection: none\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TANDEM_CONFIG_FILE", path)
	t.Setenv("REALTIME_VOICE", "shimmer")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Voice != "shimmer" {
		t.Fatalf("Voice = %q, want env value %q", cfg.Voice, "shimmer")
	}
	if cfg.NegotiateTimeout != 4*time.Second {
		t.Fatalf("NegotiateTimeout = %v, want 4s from file", cfg.NegotiateTimeout)
	}
	if cfg.TurnDetection != "none" {
		t.Fatalf("TurnDetection = %q, want %q", cfg.TurnDetection, "none")
	}
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("REALTIME_TRANSPORT", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("REALTIME_OPEN_TIMEOUT", "soon")

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"TANDEM_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"NEGOTIATE_URL",
		"NEGOTIATE_TIMEOUT",
		"REALTIME_TRANSPORT",
		"REALTIME_OPEN_TIMEOUT",
		"REALTIME_SESSION_CREATED_TIMEOUT",
		"REALTIME_VOICE",
		"REALTIME_MODEL",
		"REALTIME_INSTRUCTIONS",
		"REALTIME_TURN_DETECTION",
		"CAPTURE_FRAME_DURATION",
		"CAPTURE_COMMAND",
		"PLAYBACK_QUEUE_SIZE",
		"PLAYBACK_COMMAND",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"CREDENTIAL_TTL",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
