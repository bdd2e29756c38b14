package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/audio"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/codec"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/stt"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/vad"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSynth returns scripted PCM16 chunks, or trickles chunks forever when
// endless is set.
type fakeSynth struct {
	rate    int
	chunks  [][]byte
	endless bool
}

func (f *fakeSynth) SampleRate() int { return f.rate }

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	out := make(chan []byte)
	go func() {
		defer close(out)
		if f.endless {
			chunk := audio.PCM16ToBytes(make([]int16, 80))
			for {
				select {
				case out <- chunk:
					time.Sleep(5 * time.Millisecond)
				case <-ctx.Done():
					return
				}
			}
		}
		for _, c := range f.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type fakeOut struct {
	mu     sync.Mutex
	frames [][]byte
	drains int

	// hold makes QueueLen report enqueued frames as unsent until sent()
	// is called, mimicking a backlogged sender.
	hold   bool
	queued int
}

func (f *fakeOut) Enqueue(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	if f.hold {
		f.queued++
	}
	return true
}

func (f *fakeOut) Drain() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	n := len(f.frames)
	f.frames = nil
	f.queued = 0
	return n
}

func (f *fakeOut) QueueLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued
}

func (f *fakeOut) sent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = 0
}

func (f *fakeOut) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeOut) frameAt(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[i]
}

type fakeGate struct {
	registers atomic.Int64
	dones     atomic.Int64
}

func (f *fakeGate) RegisterTTS() { f.registers.Add(1) }
func (f *fakeGate) TTSDone()     { f.dones.Add(1) }

func tokenStream(tokens ...string) chan string {
	ch := make(chan string, len(tokens))
	for _, t := range tokens {
		ch <- t
	}
	close(ch)
	return ch
}

func TestPacerFramingAndPadding(t *testing.T) {
	// 250 samples at 8 kHz against a 160-sample frame: one full frame plus
	// one silence-padded frame.
	pcm := make([]int16, 250)
	for i := range pcm {
		pcm[i] = 1000
	}
	synth := &fakeSynth{rate: 8000, chunks: [][]byte{audio.PCM16ToBytes(pcm)}}
	out := &fakeOut{}
	gate := &fakeGate{}
	p := NewPacer(synth, out, gate, codec.NewPCMU(), testLogger())

	if err := p.Speak(context.Background(), tokenStream("Hello.")); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	if got := out.frameCount(); got != 2 {
		t.Fatalf("frames enqueued = %d, want 2", got)
	}
	for i := 0; i < 2; i++ {
		if len(out.frameAt(i)) != codec.G711FrameBytes {
			t.Errorf("frame %d size = %d, want %d", i, len(out.frameAt(i)), codec.G711FrameBytes)
		}
	}
	// Tail of the padded frame is u-law silence.
	last := out.frameAt(1)
	if last[len(last)-1] != audio.SilencePCMU {
		t.Errorf("padded frame tail = %#x, want %#x", last[len(last)-1], audio.SilencePCMU)
	}

	if gate.registers.Load() != 2 {
		t.Errorf("RegisterTTS calls = %d, want 2", gate.registers.Load())
	}
	if gate.dones.Load() != 1 {
		t.Errorf("TTSDone calls = %d, want 1", gate.dones.Load())
	}
	if p.Active() {
		t.Error("pacer still active after Speak returned")
	}
}

func TestPacerInterrupt(t *testing.T) {
	synth := &fakeSynth{rate: 8000, endless: true}
	out := &fakeOut{}
	gate := &fakeGate{}
	p := NewPacer(synth, out, gate, codec.NewPCMU(), testLogger())

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Speak(context.Background(), tokenStream("An answer that never ends."))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for out.frameCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no frames enqueued before interrupt")
		}
		time.Sleep(time.Millisecond)
	}

	p.Interrupt()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Speak returned nil after interrupt")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Speak did not return after interrupt")
	}

	if gate.dones.Load() != 1 {
		t.Errorf("TTSDone calls = %d, want 1", gate.dones.Load())
	}

	// Idempotent: a second interrupt is a no-op.
	p.Interrupt()
	if gate.dones.Load() != 1 {
		t.Errorf("TTSDone calls after second interrupt = %d, want 1", gate.dones.Load())
	}
}

func TestPacerRejectsConcurrentSpeak(t *testing.T) {
	synth := &fakeSynth{rate: 8000, endless: true}
	out := &fakeOut{}
	gate := &fakeGate{}
	p := NewPacer(synth, out, gate, codec.NewPCMU(), testLogger())

	go p.Speak(context.Background(), tokenStream("First."))

	deadline := time.Now().Add(2 * time.Second)
	for !p.Active() {
		if time.Now().After(deadline) {
			t.Fatal("pacer never became active")
		}
		time.Sleep(time.Millisecond)
	}

	if err := p.Speak(context.Background(), tokenStream("Second.")); err == nil {
		t.Error("second Speak accepted while first still active")
	}
	p.Interrupt()
}

func TestAggregateSentences(t *testing.T) {
	tokens := tokenStream("Hello ", "world.", " How ", "are ", "you?", " trailing")
	var got []string
	for s := range aggregateSentences(context.Background(), tokens) {
		got = append(got, s)
	}
	want := []string{"Hello world.", "How are you?", "trailing"}
	if len(got) != len(want) {
		t.Fatalf("sentences = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
}

type fakeRecognizer struct {
	partials chan stt.Transcript
	finals   chan stt.Transcript
	sent     atomic.Int64
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
	}
}

func (f *fakeRecognizer) SendAudio(chunk []byte) error    { f.sent.Add(1); return nil }
func (f *fakeRecognizer) Partials() <-chan stt.Transcript { return f.partials }
func (f *fakeRecognizer) Finals() <-chan stt.Transcript   { return f.finals }
func (f *fakeRecognizer) Close() error                    { return nil }

// scriptedResponder reports what it was asked and replies with a fixed
// token stream per call.
type scriptedResponder struct {
	calls  chan string
	tokens func() <-chan string
}

func (r *scriptedResponder) Respond(ctx context.Context, callID, text string) (<-chan string, error) {
	r.calls <- text
	return r.tokens(), nil
}

func newTestSession(t *testing.T, resp *scriptedResponder) (*Session, *fakeRecognizer, *fakeOut) {
	t.Helper()

	rec := newFakeRecognizer()
	out := &fakeOut{}
	v := vad.New(vad.Config{SpeechDebounceFrames: 1, SilenceDebounceFrames: 2}, testLogger())
	synth := &fakeSynth{rate: 8000}
	pacer := NewPacer(synth, out, v, codec.NewPCMU(), testLogger())

	s := New("test-call", Config{
		StalePartialTimeout: 80 * time.Millisecond,
		SilenceTimeout:      150 * time.Millisecond,
		BargeInThreshold:    50 * time.Millisecond,
		WatchdogInterval:    10 * time.Millisecond,
	}, rec, resp, pacer, v, testLogger())
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, rec, out
}

func waitForCall(t *testing.T, calls chan string) string {
	t.Helper()
	select {
	case text := <-calls:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("responder was never invoked")
		return ""
	}
}

func TestFinalDispatchesResponse(t *testing.T) {
	resp := &scriptedResponder{
		calls:  make(chan string, 4),
		tokens: func() <-chan string { return tokenStream("Reply.") },
	}
	s, rec, _ := newTestSession(t, resp)

	rec.finals <- stt.Transcript{Text: "check my balance", Final: true}

	if got := waitForCall(t, resp.calls); got != "check my balance" {
		t.Errorf("responder text = %q", got)
	}
	if got := s.LastFinal(); got != "check my balance" {
		t.Errorf("LastFinal = %q", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateListening {
		if time.Now().After(deadline) {
			t.Fatalf("state = %q, want listening after response", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStalePartialPromotion(t *testing.T) {
	resp := &scriptedResponder{
		calls:  make(chan string, 4),
		tokens: func() <-chan string { return tokenStream() },
	}
	s, rec, _ := newTestSession(t, resp)

	rec.partials <- stt.Transcript{Text: "hello there"}

	if got := waitForCall(t, resp.calls); got != "hello there" {
		t.Errorf("promoted text = %q", got)
	}
	finals, _ := s.Stats()
	if finals != 1 {
		t.Errorf("finals committed = %d, want 1", finals)
	}
}

func TestShortPartialNotPromoted(t *testing.T) {
	resp := &scriptedResponder{
		calls:  make(chan string, 4),
		tokens: func() <-chan string { return tokenStream() },
	}
	s, rec, _ := newTestSession(t, resp)

	// Single-character partials are noise, never promoted.
	rec.partials <- stt.Transcript{Text: "a"}

	time.Sleep(250 * time.Millisecond)
	select {
	case text := <-resp.calls:
		t.Errorf("responder invoked with %q for a one-char partial", text)
	default:
	}
	if got := s.LastFinal(); got != "" {
		t.Errorf("LastFinal = %q, want empty", got)
	}
}

func TestBargeInInterruptsResponse(t *testing.T) {
	hold := make(chan string) // kept open: response never completes on its own
	resp := &scriptedResponder{
		calls:  make(chan string, 4),
		tokens: func() <-chan string { return hold },
	}
	s, rec, _ := newTestSession(t, resp)
	defer close(hold)

	rec.finals <- stt.Transcript{Text: "tell me everything", Final: true}
	waitForCall(t, resp.calls)

	// Caller talks over the reply: loud 20 ms frames at 16 kHz.
	loud := make([]int16, 320)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 20000
		} else {
			loud[i] = -20000
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, bargeIns := s.Stats()
		if bargeIns >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("barge-in never triggered")
		}
		s.AudioIn(loud)
		time.Sleep(10 * time.Millisecond)
	}

	stateDeadline := time.Now().Add(2 * time.Second)
	for s.State() != StateListening {
		if time.Now().After(stateDeadline) {
			t.Fatalf("state = %q, want listening after barge-in", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSpeechGatesAudioToASR(t *testing.T) {
	resp := &scriptedResponder{
		calls:  make(chan string, 4),
		tokens: func() <-chan string { return tokenStream() },
	}
	s, rec, _ := newTestSession(t, resp)

	quiet := make([]int16, 320)
	for i := 0; i < 20; i++ {
		s.AudioIn(quiet)
	}
	if n := rec.sent.Load(); n != 0 {
		t.Errorf("silence frames forwarded to ASR: %d", n)
	}

	loud := make([]int16, 320)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 20000
		} else {
			loud[i] = -20000
		}
	}
	for i := 0; i < 5; i++ {
		s.AudioIn(loud)
	}
	if n := rec.sent.Load(); n == 0 {
		t.Error("speech frames were not forwarded to ASR")
	}
}

func TestEchoGateHeldUntilQueueDrains(t *testing.T) {
	pcm := make([]int16, 320)
	for i := range pcm {
		pcm[i] = 1000
	}
	synth := &fakeSynth{rate: 8000, chunks: [][]byte{audio.PCM16ToBytes(pcm)}}
	out := &fakeOut{hold: true}
	gate := &fakeGate{}
	p := NewPacer(synth, out, gate, codec.NewPCMU(), testLogger())

	if err := p.Speak(context.Background(), tokenStream("Hold on.")); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	// Everything is queued but nothing has left the sender yet: the gate
	// must stay up and the pacer must still count as active.
	if gate.dones.Load() != 0 {
		t.Fatalf("TTSDone fired with %d frames still queued", out.QueueLen())
	}
	if !p.Active() {
		t.Error("pacer reported idle while audio is still queued")
	}

	out.sent()

	deadline := time.Now().Add(2 * time.Second)
	for gate.dones.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("TTSDone never fired after the queue drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if p.Active() {
		t.Error("pacer still active after the queue drained")
	}
}

func TestInterruptCutsOffDrainingReply(t *testing.T) {
	pcm := make([]int16, 320)
	synth := &fakeSynth{rate: 8000, chunks: [][]byte{audio.PCM16ToBytes(pcm)}}
	out := &fakeOut{hold: true}
	gate := &fakeGate{}
	p := NewPacer(synth, out, gate, codec.NewPCMU(), testLogger())

	if err := p.Speak(context.Background(), tokenStream("Hold on.")); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if !p.Active() {
		t.Fatal("pacer should be draining")
	}

	// Barge-in while the reply drains must flush the queue and release the
	// gate exactly once.
	p.Interrupt()
	if out.QueueLen() != 0 {
		t.Errorf("queue length = %d after interrupt, want 0", out.QueueLen())
	}
	if p.Active() {
		t.Error("pacer active after interrupt")
	}

	time.Sleep(50 * time.Millisecond)
	if got := gate.dones.Load(); got != 1 {
		t.Errorf("TTSDone calls = %d, want exactly 1", got)
	}
}
