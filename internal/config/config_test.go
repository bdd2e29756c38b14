package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	// Clear any env vars that might interfere.
	for _, env := range []string{
		"OAVC_DATA_DIR", "OAVC_HTTP_PORT", "OAVC_SIP_PORT", "OAVC_EVENT_PORT",
		"OAVC_RTP_PORT_MIN", "OAVC_RTP_PORT_MAX", "OAVC_LOG_LEVEL",
		"OAVC_STT_URL", "OAVC_RESPONDER",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = []string{"voice-connector"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.EventPort != defaultEventPort {
		t.Errorf("EventPort = %d, want %d", cfg.EventPort, defaultEventPort)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.RTPPortMin != defaultRTPPortMin || cfg.RTPPortMax != defaultRTPPortMax {
		t.Errorf("RTP range = %d-%d, want %d-%d", cfg.RTPPortMin, cfg.RTPPortMax, defaultRTPPortMin, defaultRTPPortMax)
	}
	if cfg.Responder != "echo" {
		t.Errorf("Responder = %q, want echo", cfg.Responder)
	}
	if cfg.StalePartialTimeout != 2500*time.Millisecond {
		t.Errorf("StalePartialTimeout = %v, want 2.5s", cfg.StalePartialTimeout)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"voice-connector"}
	t.Setenv("OAVC_HTTP_PORT", "9090")
	t.Setenv("OAVC_DATA_DIR", "/tmp/oavc-test")
	t.Setenv("OAVC_LOG_LEVEL", "debug")
	t.Setenv("OAVC_BARGE_IN_THRESHOLD", "2s")
	t.Setenv("OAVC_VAD_THRESHOLD", "0.4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/oavc-test" {
		t.Errorf("DataDir = %q, want /tmp/oavc-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.BargeInThreshold != 2*time.Second {
		t.Errorf("BargeInThreshold = %v, want 2s", cfg.BargeInThreshold)
	}
	if cfg.VADThreshold != 0.4 {
		t.Errorf("VADThreshold = %v, want 0.4", cfg.VADThreshold)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	os.Args = []string{"voice-connector", "--http-port", "3000", "--log-level", "warn"}
	t.Setenv("OAVC_HTTP_PORT", "9090")
	t.Setenv("OAVC_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	os.Args = []string{"voice-connector", "--http-port", "99999"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateOddRTPPortMin(t *testing.T) {
	os.Args = []string{"voice-connector", "--rtp-port-min", "35001"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for odd rtp-port-min, got nil")
	}
}

func TestValidateRTPRangeTooSmall(t *testing.T) {
	os.Args = []string{"voice-connector", "--rtp-port-min", "35000", "--rtp-port-max", "35001"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for degenerate rtp range, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	os.Args = []string{"voice-connector", "--log-level", "verbose"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateInvalidResponder(t *testing.T) {
	os.Args = []string{"voice-connector", "--responder", "markov"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown responder kind, got nil")
	}
}

func TestValidateIntentRequiresURL(t *testing.T) {
	os.Args = []string{"voice-connector", "--responder", "intent"}
	os.Unsetenv("OAVC_INTENT_URL")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when responder=intent has no intent-url")
	}
}

func TestValidateVADThresholdOrdering(t *testing.T) {
	os.Args = []string{"voice-connector", "--vad-threshold", "0.1", "--vad-min-threshold", "0.2"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error when min threshold exceeds initial threshold")
	}
}

func TestCodecPreference(t *testing.T) {
	cfg := &Config{CodecPrefs: "PCMA, opus ,pcmu"}
	got := cfg.CodecPreference()
	want := []string{"pcma", "opus", "pcmu"}
	if len(got) != len(want) {
		t.Fatalf("CodecPreference() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CodecPreference()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMediaIPConfigured(t *testing.T) {
	cfg := &Config{AdvertisedIP: "203.0.113.7"}
	if got := cfg.MediaIP(); got != "203.0.113.7" {
		t.Errorf("MediaIP() = %q, want configured address", got)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
