package rtpio

import (
	"log/slog"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/codec"
)

// outboundQueueDepth bounds the paced sender's frame queue. At 20 ms per
// frame this is two seconds of buffered audio; producers block beyond that,
// which keeps TTS synthesis from running arbitrarily far ahead of playback.
const outboundQueueDepth = 100

// stopGrace bounds how long Stop waits for the send loop to drain and exit.
const stopGrace = time.Second

// Sender runs the paced 20 ms RTP send loop for one call. Encoded frames
// are queued with Enqueue; when the queue is empty the loop emits codec
// silence so the far end sees a continuous stream. Sequence numbers and
// timestamps advance monotonically across speech and silence, and the RTP
// marker bit is set on the first packet of each talkspurt.
type Sender struct {
	conn   *net.UDPConn
	codec  codec.Codec
	remote *atomicAddr
	logger *slog.Logger

	queue chan []byte

	ssrc uint32
	seq  uint16
	ts   uint32

	paused  atomic.Bool
	stopped atomic.Bool
	done    chan struct{}

	packetsOut atomic.Uint64
}

// NewSender creates a paced sender sharing the receiver's socket and learned
// remote address. SSRC, initial sequence number, and initial timestamp are
// randomized per RFC 3550.
func NewSender(conn *net.UDPConn, c codec.Codec, remote *Receiver, logger *slog.Logger) *Sender {
	return &Sender{
		conn:   conn,
		codec:  c,
		remote: remote.remote,
		logger: logger.With("subsystem", "rtp-sender"),
		queue:  make(chan []byte, outboundQueueDepth),
		ssrc:   rand.Uint32(),
		seq:    uint16(rand.UintN(65536)),
		ts:     rand.Uint32(),
		done:   make(chan struct{}),
	}
}

// Enqueue adds one encoded ptime frame to the outbound queue, blocking when
// the queue is full. Returns false once the sender has stopped.
func (s *Sender) Enqueue(frame []byte) bool {
	if s.stopped.Load() {
		return false
	}
	select {
	case s.queue <- frame:
		return true
	case <-s.done:
		return false
	}
}

// TryEnqueue adds a frame without blocking. Returns false when the queue is
// full or the sender has stopped.
func (s *Sender) TryEnqueue(frame []byte) bool {
	if s.stopped.Load() {
		return false
	}
	select {
	case s.queue <- frame:
		return true
	default:
		return false
	}
}

// Drain discards all queued frames. Used on barge-in so playback cuts off
// within one packet interval. Safe to call concurrently with Enqueue.
func (s *Sender) Drain() int {
	n := 0
	for {
		select {
		case <-s.queue:
			n++
		default:
			return n
		}
	}
}

// QueueLen returns the number of frames currently queued.
func (s *Sender) QueueLen() int {
	return len(s.queue)
}

// SetPaused stops emitting packets entirely (including silence fill) while
// the call is held. Timing state is preserved; sequence numbers and
// timestamps do not advance while paused.
func (s *Sender) SetPaused(paused bool) {
	s.paused.Store(paused)
}

// PacketsOut returns the number of packets sent so far.
func (s *Sender) PacketsOut() uint64 {
	return s.packetsOut.Load()
}

// Stop signals the send loop to exit and waits up to one second for it.
func (s *Sender) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	select {
	case <-s.done:
	case <-time.After(stopGrace):
		s.logger.Warn("send loop did not stop within grace period")
	}
}

// Run executes the paced send loop until Stop is called. Intended to run on
// its own goroutine; it owns all sequence/timestamp state.
func (s *Sender) Run() {
	defer close(s.done)

	ptime := time.Duration(s.codec.PtimeMs()) * time.Millisecond
	start := time.Now()
	ticks := 0
	inSpurt := false

	for !s.stopped.Load() {
		var frame []byte
		speech := false

		select {
		case frame = <-s.queue:
			speech = true
		default:
		}

		switch {
		case s.paused.Load():
			// Held: emit nothing, leave seq/ts untouched. A queued frame
			// pulled above is dropped rather than played late.
			inSpurt = false
		case speech:
			s.send(frame, !inSpurt)
			inSpurt = true
		default:
			// Queue empty: fill with codec silence to keep the stream
			// continuous for jitter buffers and NAT bindings.
			s.send(s.codec.SilenceFrame(), false)
			inSpurt = false
		}

		// Pace packets at ptime intervals against wall clock to avoid
		// drift from processing overhead.
		ticks++
		elapsed := time.Since(start)
		expected := time.Duration(ticks) * ptime
		if sleep := expected - elapsed; sleep > 0 {
			time.Sleep(sleep)
		}
	}

	s.logger.Debug("send loop stopped", "packets_out", s.packetsOut.Load())
}

func (s *Sender) send(payload []byte, marker bool) {
	remote := s.remote.load()
	if remote == nil {
		// No signaled address and no packet received yet; nothing to aim at.
		return
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.codec.PayloadType(),
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}

	raw, err := pkt.Marshal()
	if err != nil {
		s.logger.Debug("rtp marshal error", "error", err)
		return
	}

	if _, err := s.conn.WriteToUDP(raw, remote); err != nil {
		if !s.stopped.Load() {
			s.logger.Debug("rtp write error", "error", err)
		}
		return
	}

	s.seq++
	s.ts += s.codec.TSIncrement()
	s.packetsOut.Add(1)
}
