// Package session is the per-call brain: it gates caller audio through the
// VAD into the ASR stream, tracks the transcript state machine, routes
// committed finals through the responder, and drives the TTS pacer,
// including barge-in when the caller talks over a reply.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/audio"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/responder"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/stt"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/vad"
)

// Conversation states.
const (
	StateIdle       = "idle"
	StateListening  = "listening"
	StateResponding = "responding"
)

// Recognizer is the streaming ASR surface the session consumes.
type Recognizer interface {
	SendAudio(chunk []byte) error
	Partials() <-chan stt.Transcript
	Finals() <-chan stt.Transcript
	Close() error
}

// Config holds the session timing knobs. Zero values select the defaults.
type Config struct {
	// StalePartialTimeout promotes an unchanged partial to final
	// (default 2.5s).
	StalePartialTimeout time.Duration
	// SpeechTimeout force-finalizes a monologue (default 10s).
	SpeechTimeout time.Duration
	// SilenceTimeout force-finalizes after the caller goes quiet
	// (default 3s).
	SilenceTimeout time.Duration
	// BargeInThreshold is how long continuous speech during TTS playback
	// triggers an interrupt (default 1.5s).
	BargeInThreshold time.Duration
	// WatchdogInterval is the timer task's tick (default 100ms).
	WatchdogInterval time.Duration
	// ApologyText is spoken when the responder fails.
	ApologyText string
}

func (c Config) withDefaults() Config {
	if c.StalePartialTimeout == 0 {
		c.StalePartialTimeout = 2500 * time.Millisecond
	}
	if c.SpeechTimeout == 0 {
		c.SpeechTimeout = 10 * time.Second
	}
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = 3 * time.Second
	}
	if c.BargeInThreshold == 0 {
		c.BargeInThreshold = 1500 * time.Millisecond
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = 100 * time.Millisecond
	}
	if c.ApologyText == "" {
		c.ApologyText = "I'm sorry, something went wrong. Could you repeat that?"
	}
	return c
}

// Session owns the conversation state for one call.
type Session struct {
	callID  string
	cfg     Config
	logger  *slog.Logger
	machine *fsm.FSM

	rec     Recognizer
	respond responder.Responder
	pacer   *Pacer
	vad     *vad.Engine

	now func() time.Time

	mu            sync.Mutex
	lastPartial   string
	lastPartialAt time.Time
	lastFinal     string
	respondCancel context.CancelFunc

	finalsCommitted atomic.Uint64
	bargeIns        atomic.Uint64

	// finalCh mirrors committed finals for observers (the scenario runner);
	// sends never block.
	finalCh chan string

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New creates a session wired to a call's recognizer, responder, pacer, and
// VAD engine.
func New(callID string, cfg Config, rec Recognizer, resp responder.Responder, pacer *Pacer, v *vad.Engine, logger *slog.Logger) *Session {
	s := &Session{
		callID:  callID,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("subsystem", "session", "call_id", callID),
		rec:     rec,
		respond: resp,
		pacer:   pacer,
		vad:     v,
		now:     time.Now,
		finalCh: make(chan string, 8),
		stop:    make(chan struct{}),
	}

	s.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "speech", Src: []string{StateIdle}, Dst: StateListening},
			{Name: "final", Src: []string{StateIdle, StateListening}, Dst: StateResponding},
			{Name: "response_done", Src: []string{StateResponding}, Dst: StateListening},
			{Name: "barge_in", Src: []string{StateResponding}, Dst: StateListening},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("transcript state change",
					"from", e.Src,
					"to", e.Dst,
					"event", e.Event,
				)
			},
		},
	)

	return s
}

// State returns the current conversation state.
func (s *Session) State() string {
	return s.machine.Current()
}

// LastFinal returns the most recent committed final transcript.
func (s *Session) LastFinal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFinal
}

// FinalEvents streams committed finals to an observer. Events are dropped
// rather than block the committing task when the observer lags.
func (s *Session) FinalEvents() <-chan string {
	return s.finalCh
}

// Stats returns finals committed and barge-ins triggered so far.
func (s *Session) Stats() (finals, bargeIns uint64) {
	return s.finalsCommitted.Load(), s.bargeIns.Load()
}

// Start launches the transcript consumer and watchdog tasks.
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.transcriptLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.watchdogLoop(ctx)
	}()
}

// Stop shuts the session down: interrupts any reply, closes the ASR stream,
// and waits for the tasks to exit.
func (s *Session) Stop() {
	s.once.Do(func() {
		close(s.stop)
		s.pacer.Interrupt()
		s.cancelRespond()
		s.rec.Close()
	})
	s.wg.Wait()
}

// AudioIn feeds one 16 kHz PCM16 frame of caller audio through the VAD and,
// while the caller is speaking, into the ASR stream. Called from the RTP
// receive task.
func (s *Session) AudioIn(frame []int16) {
	rawSpeech := s.vad.Process(frame)
	speaking := s.vad.IsSpeaking()

	if speaking && s.machine.Current() == StateIdle {
		if err := s.machine.Event(context.Background(), "speech"); err != nil {
			s.logger.Debug("speech event rejected", "error", err)
		}
	}

	// Raw speech frames go too: the debounce would otherwise eat the first
	// syllables of every utterance.
	if !speaking && !rawSpeech {
		return
	}
	if err := s.rec.SendAudio(audio.PCM16ToBytes(frame)); err != nil {
		s.logger.Debug("dropping audio, stt unavailable", "error", err)
	}
}

// transcriptLoop consumes ASR results until the session stops.
func (s *Session) transcriptLoop(ctx context.Context) {
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case tr, ok := <-s.rec.Partials():
			if !ok {
				return
			}
			s.onPartial(tr.Text)
		case tr, ok := <-s.rec.Finals():
			if !ok {
				return
			}
			s.commitFinal(tr.Text, "asr")
		}
	}
}

func (s *Session) onPartial(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Late partials for an utterance that already finalized are discarded:
	// a partial never shadows a newer final.
	if s.machine.Current() == StateResponding {
		return
	}
	if text == s.lastPartial {
		return
	}
	s.lastPartial = text
	s.lastPartialAt = s.now()
}

// commitFinal records a final transcript and dispatches the response
// pipeline. source is "asr" for recognizer finals or the watchdog rule that
// forced the promotion.
func (s *Session) commitFinal(text, source string) {
	if text == "" {
		return
	}

	s.mu.Lock()
	s.lastFinal = text
	s.lastPartial = ""
	s.mu.Unlock()

	s.finalsCommitted.Add(1)
	select {
	case s.finalCh <- text:
	default:
	}
	s.logger.Info("final transcript",
		"text", text,
		"source", source,
	)

	if err := s.machine.Event(context.Background(), "final"); err != nil {
		// Already responding: the final is recorded for LastFinal but a
		// second concurrent reply is not started.
		s.logger.Debug("final while responding, not dispatching", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.respondCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.respondAndSpeak(ctx, text)
	}()
}

// respondAndSpeak runs the responder and feeds the reply to the pacer. On
// responder failure the caller hears the apology line rather than dead air.
func (s *Session) respondAndSpeak(ctx context.Context, text string) {
	tokens, err := s.respond.Respond(ctx, s.callID, text)
	if err != nil {
		s.logger.Error("responder failed", "error", err)
		apology := make(chan string, 1)
		apology <- s.cfg.ApologyText
		close(apology)
		tokens = apology
	}

	if err := s.pacer.Speak(ctx, tokens); err != nil && ctx.Err() == nil {
		s.logger.Warn("tts playback failed", "error", err)
	}

	s.mu.Lock()
	s.respondCancel = nil
	s.mu.Unlock()

	if ctx.Err() != nil {
		// Interrupted: the barge-in handler already moved the state on.
		return
	}
	if err := s.machine.Event(context.Background(), "response_done"); err != nil {
		s.logger.Debug("response_done rejected", "error", err)
	}
}

func (s *Session) cancelRespond() {
	s.mu.Lock()
	cancel := s.respondCancel
	s.respondCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// watchdogLoop runs the timed transitions: stale-partial promotion, speech
// and silence timeouts, and barge-in detection.
func (s *Session) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.pacer.Active() && s.vad.SpeakingFor() >= s.cfg.BargeInThreshold {
			s.bargeIn()
			continue
		}

		s.checkPromotions()
	}
}

// bargeIn cancels the in-flight reply because the caller talked over it.
func (s *Session) bargeIn() {
	s.bargeIns.Add(1)
	s.logger.Info("barge-in, interrupting tts")

	s.cancelRespond()
	s.pacer.Interrupt()

	s.mu.Lock()
	s.lastPartial = ""
	s.mu.Unlock()
	s.vad.Reset()

	if err := s.machine.Event(context.Background(), "barge_in"); err != nil {
		s.logger.Debug("barge_in event rejected", "error", err)
	}
}

// checkPromotions applies the stale/speech/silence rules to the pending
// partial.
func (s *Session) checkPromotions() {
	now := s.now()

	s.mu.Lock()
	partial := s.lastPartial
	partialAge := now.Sub(s.lastPartialAt)
	s.mu.Unlock()

	hasPartial := len(partial) >= 2

	switch {
	case hasPartial && partialAge >= s.cfg.StalePartialTimeout:
		s.commitFinal(partial, "stale_partial")

	case s.vad.SpeakingFor() >= s.cfg.SpeechTimeout:
		if hasPartial {
			s.commitFinal(partial, "speech_timeout")
		}
		s.vad.Reset()

	case hasPartial && s.vad.SilentFor() >= s.cfg.SilenceTimeout:
		s.commitFinal(partial, "silence_timeout")
	}
}
