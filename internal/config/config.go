// Package config loads runtime configuration from CLI flags and
// environment variables.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the voice connector.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int

	// Switch-facing listeners.
	EventIP      string // UDP datagram listener for switch call events
	EventPort    int
	SIPIP        string
	SIPPort      int
	AdvertisedIP string // IP placed in answer SDP; auto-detected if empty

	// RTP media.
	RTPIP      string
	RTPPortMin int
	RTPPortMax int
	CodecPrefs string // comma-separated negotiation order

	// VAD tuning.
	VADThreshold          float64
	VADMinThreshold       float64
	VADMaxThreshold       float64
	CalibrationWindowMs   int
	SpeechDebounceFrames  int
	SilenceDebounceFrames int
	TTSCooldownMs         int

	// Session timers.
	SpeechTimeout       time.Duration
	SilenceTimeout      time.Duration
	StalePartialTimeout time.Duration
	BargeInThreshold    time.Duration

	// Speech services.
	STTURL        string
	STTSampleRate int
	TTSURL        string
	TTSVoice      string
	TTSSampleRate int

	// Responder selection.
	Responder  string // echo, intent, or llm
	IntentURL  string
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir    = "./data"
	defaultHTTPPort   = 8081
	defaultEventIP    = "0.0.0.0"
	defaultEventPort  = 50060
	defaultSIPIP      = "0.0.0.0"
	defaultSIPPort    = 5080
	defaultRTPIP      = "0.0.0.0"
	defaultRTPPortMin = 35000
	defaultRTPPortMax = 65000
	defaultCodecPrefs = "pcmu,pcma,opus"
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"
)

// envPrefix is the prefix for all connector environment variables.
const envPrefix = "OAVC_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voice-connector", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the scenario database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.StringVar(&cfg.EventIP, "event-ip", defaultEventIP, "bind IP for the switch event datagram listener")
	fs.IntVar(&cfg.EventPort, "event-port", defaultEventPort, "UDP port for switch call events")
	fs.StringVar(&cfg.SIPIP, "sip-ip", defaultSIPIP, "SIP UDP bind IP")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port")
	fs.StringVar(&cfg.AdvertisedIP, "advertised-ip", "", "IP advertised in answer SDP (auto-detected if empty)")
	fs.StringVar(&cfg.RTPIP, "rtp-ip", defaultRTPIP, "bind IP for RTP sockets")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media (must be even)")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")
	fs.StringVar(&cfg.CodecPrefs, "codec-prefs", defaultCodecPrefs, "comma-separated codec negotiation order")

	fs.Float64Var(&cfg.VADThreshold, "vad-threshold", 0.30, "initial RMS speech threshold")
	fs.Float64Var(&cfg.VADMinThreshold, "vad-min-threshold", 0.15, "lower clamp for the adaptive speech threshold")
	fs.Float64Var(&cfg.VADMaxThreshold, "vad-max-threshold", 0.60, "upper clamp for the adaptive speech threshold")
	fs.IntVar(&cfg.CalibrationWindowMs, "calibration-window-ms", 4000, "rolling window for noise calibration")
	fs.IntVar(&cfg.SpeechDebounceFrames, "speech-debounce-frames", 3, "consecutive speech frames before the speaking state flips on")
	fs.IntVar(&cfg.SilenceDebounceFrames, "silence-debounce-frames", 10, "consecutive silence frames before the speaking state flips off")
	fs.IntVar(&cfg.TTSCooldownMs, "tts-cooldown-ms", 300, "echo gate hold time after TTS playback")

	fs.DurationVar(&cfg.SpeechTimeout, "speech-timeout", 10*time.Second, "force-finalize a monologue after this much continuous speech")
	fs.DurationVar(&cfg.SilenceTimeout, "silence-timeout", 3*time.Second, "force-finalize after the caller goes quiet for this long")
	fs.DurationVar(&cfg.StalePartialTimeout, "stale-partial-timeout", 2500*time.Millisecond, "promote an unchanged partial transcript to final after this long")
	fs.DurationVar(&cfg.BargeInThreshold, "barge-in-threshold", 1500*time.Millisecond, "continuous speech during playback that triggers an interrupt")

	fs.StringVar(&cfg.STTURL, "stt-url", "ws://127.0.0.1:2700", "speech recognition websocket endpoint")
	fs.IntVar(&cfg.STTSampleRate, "stt-sample-rate", 16000, "sample rate of PCM sent to the recognizer")
	fs.StringVar(&cfg.TTSURL, "tts-url", "http://127.0.0.1:5002/api/tts", "speech synthesis HTTP endpoint")
	fs.StringVar(&cfg.TTSVoice, "tts-voice", "", "synthesis voice model (service default if empty)")
	fs.IntVar(&cfg.TTSSampleRate, "tts-sample-rate", 22050, "sample rate of PCM produced by the synthesizer")

	fs.StringVar(&cfg.Responder, "responder", "echo", "response engine (echo, intent, llm)")
	fs.StringVar(&cfg.IntentURL, "intent-url", "", "intent classification service endpoint")
	fs.StringVar(&cfg.LLMAPIKey, "llm-api-key", "", "API key for the LLM responder")
	fs.StringVar(&cfg.LLMBaseURL, "llm-base-url", "", "base URL for an OpenAI-compatible LLM endpoint (official API if empty)")
	fs.StringVar(&cfg.LLMModel, "llm-model", "gpt-4o-mini", "model name for the LLM responder")

	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":                envPrefix + "DATA_DIR",
		"http-port":               envPrefix + "HTTP_PORT",
		"event-ip":                envPrefix + "EVENT_IP",
		"event-port":              envPrefix + "EVENT_PORT",
		"sip-ip":                  envPrefix + "SIP_IP",
		"sip-port":                envPrefix + "SIP_PORT",
		"advertised-ip":           envPrefix + "ADVERTISED_IP",
		"rtp-ip":                  envPrefix + "RTP_IP",
		"rtp-port-min":            envPrefix + "RTP_PORT_MIN",
		"rtp-port-max":            envPrefix + "RTP_PORT_MAX",
		"codec-prefs":             envPrefix + "CODEC_PREFS",
		"vad-threshold":           envPrefix + "VAD_THRESHOLD",
		"vad-min-threshold":       envPrefix + "VAD_MIN_THRESHOLD",
		"vad-max-threshold":       envPrefix + "VAD_MAX_THRESHOLD",
		"calibration-window-ms":   envPrefix + "CALIBRATION_WINDOW_MS",
		"speech-debounce-frames":  envPrefix + "SPEECH_DEBOUNCE_FRAMES",
		"silence-debounce-frames": envPrefix + "SILENCE_DEBOUNCE_FRAMES",
		"tts-cooldown-ms":         envPrefix + "TTS_COOLDOWN_MS",
		"speech-timeout":          envPrefix + "SPEECH_TIMEOUT",
		"silence-timeout":         envPrefix + "SILENCE_TIMEOUT",
		"stale-partial-timeout":   envPrefix + "STALE_PARTIAL_TIMEOUT",
		"barge-in-threshold":      envPrefix + "BARGE_IN_THRESHOLD",
		"stt-url":                 envPrefix + "STT_URL",
		"stt-sample-rate":         envPrefix + "STT_SAMPLE_RATE",
		"tts-url":                 envPrefix + "TTS_URL",
		"tts-voice":               envPrefix + "TTS_VOICE",
		"tts-sample-rate":         envPrefix + "TTS_SAMPLE_RATE",
		"responder":               envPrefix + "RESPONDER",
		"intent-url":              envPrefix + "INTENT_URL",
		"llm-api-key":             envPrefix + "LLM_API_KEY",
		"llm-base-url":            envPrefix + "LLM_BASE_URL",
		"llm-model":               envPrefix + "LLM_MODEL",
		"log-level":               envPrefix + "LOG_LEVEL",
		"log-format":              envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "event-ip":
			cfg.EventIP = val
		case "event-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.EventPort = v
			}
		case "sip-ip":
			cfg.SIPIP = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "advertised-ip":
			cfg.AdvertisedIP = val
		case "rtp-ip":
			cfg.RTPIP = val
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "codec-prefs":
			cfg.CodecPrefs = val
		case "vad-threshold":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.VADThreshold = v
			}
		case "vad-min-threshold":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.VADMinThreshold = v
			}
		case "vad-max-threshold":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.VADMaxThreshold = v
			}
		case "calibration-window-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CalibrationWindowMs = v
			}
		case "speech-debounce-frames":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SpeechDebounceFrames = v
			}
		case "silence-debounce-frames":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SilenceDebounceFrames = v
			}
		case "tts-cooldown-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.TTSCooldownMs = v
			}
		case "speech-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SpeechTimeout = v
			}
		case "silence-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SilenceTimeout = v
			}
		case "stale-partial-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.StalePartialTimeout = v
			}
		case "barge-in-threshold":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.BargeInThreshold = v
			}
		case "stt-url":
			cfg.STTURL = val
		case "stt-sample-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.STTSampleRate = v
			}
		case "tts-url":
			cfg.TTSURL = val
		case "tts-voice":
			cfg.TTSVoice = val
		case "tts-sample-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.TTSSampleRate = v
			}
		case "responder":
			cfg.Responder = val
		case "intent-url":
			cfg.IntentURL = val
		case "llm-api-key":
			cfg.LLMAPIKey = val
		case "llm-base-url":
			cfg.LLMBaseURL = val
		case "llm-model":
			cfg.LLMModel = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.EventPort < 1 || c.EventPort > 65535 {
		return fmt.Errorf("event-port must be between 1 and 65535, got %d", c.EventPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP uses even ports, RTCP the next odd one.
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	if c.VADMinThreshold <= 0 || c.VADMinThreshold > c.VADThreshold || c.VADThreshold > c.VADMaxThreshold || c.VADMaxThreshold >= 1 {
		return fmt.Errorf("vad thresholds must satisfy 0 < min <= initial <= max < 1, got %.2f/%.2f/%.2f",
			c.VADMinThreshold, c.VADThreshold, c.VADMaxThreshold)
	}

	switch c.Responder {
	case "echo", "intent", "llm":
	default:
		return fmt.Errorf("responder must be one of echo, intent, llm; got %q", c.Responder)
	}
	if c.Responder == "intent" && c.IntentURL == "" {
		return fmt.Errorf("responder=intent requires intent-url")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// CodecPreference returns the configured codec order as a slice.
func (c *Config) CodecPreference() []string {
	parts := strings.Split(c.CodecPrefs, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}

// MediaIP returns the IP address advertised in answer SDP. If AdvertisedIP
// is configured, it is returned directly. Otherwise the function attempts to
// detect the machine's primary non-loopback IPv4 address. Falls back to
// "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.AdvertisedIP != "" {
		return c.AdvertisedIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
