// Package vad implements adaptive voice activity detection for 16 kHz call
// audio. The engine keeps a per-call noise calibration that moves the speech
// threshold with the acoustic environment, debounces the speaking state, and
// gates out the bot's own TTS audio echoing back on the line.
package vad

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/audio"
)

// Config holds the VAD tuning knobs. Zero values select the defaults.
type Config struct {
	// InitialThreshold is the starting RMS speech threshold (default 0.30).
	InitialThreshold float64
	// MinThreshold and MaxThreshold clamp the adaptive threshold
	// (defaults 0.15 and 0.60).
	MinThreshold float64
	MaxThreshold float64
	// CalibrationWindowMs is the rolling audio window used for noise
	// calibration (default 4000).
	CalibrationWindowMs int
	// SpeechDebounceFrames is how many consecutive speech frames flip
	// the speaking state on (default 3).
	SpeechDebounceFrames int
	// SilenceDebounceFrames is how many consecutive silence frames flip
	// the speaking state off (default 10).
	SilenceDebounceFrames int
	// TTSCooldownMs is how long after TTS playback the echo gate stays
	// engaged (default 300).
	TTSCooldownMs int
}

func (c Config) withDefaults() Config {
	if c.InitialThreshold == 0 {
		c.InitialThreshold = baseThreshold
	}
	if c.MinThreshold == 0 {
		c.MinThreshold = 0.15
	}
	if c.MaxThreshold == 0 {
		c.MaxThreshold = 0.60
	}
	if c.CalibrationWindowMs == 0 {
		c.CalibrationWindowMs = 4000
	}
	if c.SpeechDebounceFrames == 0 {
		c.SpeechDebounceFrames = 3
	}
	if c.SilenceDebounceFrames == 0 {
		c.SilenceDebounceFrames = 10
	}
	if c.TTSCooldownMs == 0 {
		c.TTSCooldownMs = 300
	}
	return c
}

const (
	// baseThreshold is the neutral RMS threshold the adaptive value
	// drifts back toward.
	baseThreshold = 0.30

	// rmsFloor is the absolute level below which frames bypass detection
	// and calibration entirely.
	rmsFloor = 0.006

	sampleRate = 16000

	// subFrameSamples is 20 ms at 16 kHz, the granularity of the stricter
	// secondary detector.
	subFrameSamples = sampleRate * 20 / 1000
)

// Engine is the per-call voice activity detector. Process is called from the
// inbound audio task; RegisterTTS and TTSDone are called from the pacer
// goroutine, so all state is guarded by a mutex.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex

	threshold float64

	// Rolling calibration buffer, oldest first.
	buffer        []bufferedFrame
	bufferSamples int

	lastCalibration  time.Time
	lastDrift        time.Time
	consecHighNoise  int
	lastRMS          float64
	lastPeak         float64
	lastNoiseFloor   float64
	calibrationCount int

	isSpeaking   bool
	speechCount  int
	silenceCount int
	speechStart  time.Time
	lastActivity time.Time

	ttsActive        bool
	ttsCooldownUntil time.Time
}

type bufferedFrame struct {
	at      time.Time
	samples []int16
}

// New creates a VAD engine with the given configuration.
func New(cfg Config, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("subsystem", "vad"),
		now:       time.Now,
		threshold: cfg.InitialThreshold,
	}
	return e
}

// Threshold returns the current adaptive speech threshold.
func (e *Engine) Threshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threshold
}

// IsSpeaking returns the debounced speaking state.
func (e *Engine) IsSpeaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isSpeaking
}

// SpeakingFor returns how long the debounced state has been continuously
// speaking, or zero when not speaking.
func (e *Engine) SpeakingFor() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isSpeaking {
		return 0
	}
	return e.now().Sub(e.speechStart)
}

// SilentFor returns how long since the last debounced speech activity, or
// zero when there has been none yet.
func (e *Engine) SilentFor() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastActivity.IsZero() || e.isSpeaking {
		return 0
	}
	return e.now().Sub(e.lastActivity)
}

// RegisterTTS marks TTS audio as in flight, engaging the echo gate and
// refreshing the post-playback cooldown. Called for every chunk the pacer
// enqueues.
func (e *Engine) RegisterTTS() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ttsActive = true
	e.ttsCooldownUntil = e.now().Add(time.Duration(e.cfg.TTSCooldownMs) * time.Millisecond)
}

// TTSDone marks TTS playback finished. The echo gate stays engaged until the
// cooldown from the last registered chunk expires.
func (e *Engine) TTSDone() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ttsActive = false
	e.ttsCooldownUntil = e.now().Add(time.Duration(e.cfg.TTSCooldownMs) * time.Millisecond)
}

// Reset clears the speaking state and debounce counters. Calibration and the
// adaptive threshold survive: the acoustic environment did not change just
// because the conversation turned over.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isSpeaking = false
	e.speechCount = 0
	e.silenceCount = 0
}

// Process classifies one 16 kHz PCM16 frame and returns the per-frame speech
// decision. The debounced state is available via IsSpeaking.
func (e *Engine) Process(frame []int16) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	rms := float64(audio.Level(frame))

	// Echo gate: while our own TTS is (or just was) playing, only clear
	// speech from the stricter detector gets through. Everything else is
	// presumed to be the far end hearing us.
	if e.ttsActive || now.Before(e.ttsCooldownUntil) {
		if !e.clearSpeech(frame) {
			return false
		}
	}

	// Frames below the absolute floor bypass detection and calibration.
	// They still count toward the silence debounce so the speaking state
	// can fall back to false during dead air.
	if rms < rmsFloor {
		e.observe(false, now)
		return false
	}

	e.appendCalibration(frame, now)
	e.calibrate(now)

	speech := rms >= e.threshold

	// Extreme noise: a threshold pushed near its ceiling with sustained
	// mid-level energy and no real peaks means the detector is chasing
	// noise, not a voice.
	if speech && e.consecHighNoise >= 3 && e.threshold > 0.45 && e.lastRMS > 0.012 && e.lastPeak < 0.7 {
		speech = false
	}

	e.observe(speech, now)

	// High-noise confirmation: when the threshold has been driven up, a
	// debounced speech decision additionally needs corroboration.
	if speech && e.isSpeaking && e.threshold > 0.4 {
		if e.speechRatio(frame) < 0.5 && rms < 0.04 {
			speech = false
			e.observe(false, now)
		}
	}

	return speech
}

// observe feeds one raw decision into the debounce counters and flips the
// speaking state when a counter crosses its configured count.
func (e *Engine) observe(speech bool, now time.Time) {
	if speech {
		e.speechCount++
		e.silenceCount = 0
		if !e.isSpeaking && e.speechCount >= e.cfg.SpeechDebounceFrames {
			e.isSpeaking = true
			e.speechStart = now
			e.logger.Debug("speech started", "threshold", e.threshold)
		}
		if e.isSpeaking {
			e.lastActivity = now
		}
		return
	}

	e.silenceCount++
	e.speechCount = 0
	if e.isSpeaking && e.silenceCount >= e.cfg.SilenceDebounceFrames {
		e.isSpeaking = false
		e.logger.Debug("speech ended", "duration", now.Sub(e.speechStart))
	}
}

// clearSpeech is the stricter secondary detector used while the echo gate is
// engaged: at least two 20 ms sub-frames must exceed 1.5x the current
// threshold.
func (e *Engine) clearSpeech(frame []int16) bool {
	strict := e.threshold * 1.5
	hot := 0
	for off := 0; off < len(frame); off += subFrameSamples {
		end := off + subFrameSamples
		if end > len(frame) {
			end = len(frame)
		}
		if float64(audio.Level(frame[off:end])) >= strict {
			hot++
			if hot >= 2 {
				return true
			}
		}
	}
	return false
}

// speechRatio is the fraction of 20 ms sub-frames above the current
// threshold, used for high-noise confirmation.
func (e *Engine) speechRatio(frame []int16) float64 {
	total := 0
	hot := 0
	for off := 0; off < len(frame); off += subFrameSamples {
		end := off + subFrameSamples
		if end > len(frame) {
			end = len(frame)
		}
		total++
		if float64(audio.Level(frame[off:end])) >= e.threshold {
			hot++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hot) / float64(total)
}

func clampThreshold(v, min, max float64) float64 {
	return math.Max(min, math.Min(max, v))
}
