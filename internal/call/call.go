// Package call owns the per-call pipeline and the registry of live calls:
// it wires the RTP transport, VAD, ASR stream, speech session, and TTS pacer
// together for each call, implements the SIP delegate, consumes switch
// events, and tears everything down on hangup or shutdown.
package call

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/audio"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/codec"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/dtmf"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/metrics"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/responder"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/rtpio"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/session"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/stt"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/vad"
)

// asrSampleRate is the rate the recognizer consumes; inbound audio is
// resampled from the codec rate to this.
const asrSampleRate = 16000

// Call is one live call's pipeline.
type Call struct {
	id     string
	logger *slog.Logger
	codec  codec.Codec

	conn *net.UDPConn
	port int
	pool *rtpio.Pool

	receiver *rtpio.Receiver
	sender   *rtpio.Sender
	vadEng   *vad.Engine
	sttc     *stt.Client
	pacer    *session.Pacer
	sess     *session.Session
	player   *dtmf.Player
	intent   *responder.Intent

	counters *metrics.Counters

	cancel    context.CancelFunc
	stopOnce  sync.Once
	done      chan struct{}
	startedAt time.Time

	mu         sync.Mutex
	lastCommit time.Time
}

// newCall builds and starts the pipeline for one accepted call. The conn and
// port are already allocated; on error the caller releases them.
func newCall(ctx context.Context, id string, c codec.Codec, conn *net.UDPConn, port int, remote *net.UDPAddr, m *Manager) (*Call, error) {
	logger := m.logger.With("call_id", id)
	ctx, cancel := context.WithCancel(ctx)

	sttc, err := stt.Dial(ctx, m.opts.STT, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	call := &Call{
		id:        id,
		logger:    logger,
		codec:     c,
		conn:      conn,
		port:      port,
		pool:      m.pool,
		sttc:      sttc,
		intent:    m.intent,
		counters:  m.counters,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	call.receiver = rtpio.NewReceiver(conn, c, remote, logger)
	call.receiver.OnFirstPacket = func(addr *net.UDPAddr) {
		logger.Info("media path established", "remote", addr.String())
	}
	call.sender = rtpio.NewSender(conn, c, call.receiver, logger)
	call.vadEng = vad.New(m.opts.VAD, logger)
	call.pacer = session.NewPacer(m.tts, call.sender, call.vadEng, c, logger)
	call.player = dtmf.NewPlayer(c, call.sender, logger)

	if m.counters != nil {
		call.pacer.SetOnFirstFrame(func() {
			call.mu.Lock()
			commit := call.lastCommit
			call.mu.Unlock()
			if !commit.IsZero() {
				m.counters.TimeToFirstTTS.Observe(time.Since(commit).Seconds())
			}
		})
	}

	// The session sees the responder through a wrapper that timestamps
	// dispatches for the time-to-first-audio measurement.
	call.sess = session.New(id, m.opts.Session, sttc, &timedResponder{call: call, inner: m.respond}, call.pacer, call.vadEng, logger)
	call.sess.Start(ctx)

	go call.receiver.Run(call.deliver)
	go call.sender.Run()

	// Unrecoverable recognizer loss ends the call with a BYE instead of
	// leaving the caller talking into a dead pipeline.
	go func() {
		select {
		case <-call.done:
		case <-sttc.Done():
			if sttc.Err() == nil {
				return
			}
			logger.Error("recognizer lost, hanging up", "error", sttc.Err())
			hangCtx, hangCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer hangCancel()
			m.Hangup(hangCtx, id, "stt failure")
		}
	}()

	logger.Info("call pipeline started",
		"codec", c.Name(),
		"rtp_port", port,
		"remote", remote.String(),
	)
	return call, nil
}

// deliver runs on the RTP receive task: codec-rate PCM in, 16 kHz PCM into
// the session.
func (c *Call) deliver(f rtpio.InboundFrame) {
	pcm, err := audio.Resample(f.PCM, c.codec.SampleRate(), asrSampleRate)
	if err != nil {
		c.logger.Warn("dropping inbound frame", "error", err)
		return
	}
	c.sess.AudioIn(pcm)
}

// stop tears the pipeline down in dependency order and releases the RTP
// port. Idempotent.
func (c *Call) stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.receiver.Stop()
		c.sess.Stop()
		c.sender.Stop()
		c.pool.Release(c.port, c.conn)

		if c.counters != nil {
			finals, bargeIns := c.sess.Stats()
			c.counters.FinalsCommitted.Add(float64(finals))
			c.counters.BargeIns.Add(float64(bargeIns))
			c.counters.STTReconnects.Add(float64(c.sttc.Reconnects()))
			c.counters.CallDuration.Observe(time.Since(c.startedAt).Seconds())
		}

		in, dropped := c.receiver.Stats()
		c.logger.Info("call pipeline stopped",
			"duration", time.Since(c.startedAt).Round(time.Second),
			"packets_in", in,
			"packets_dropped", dropped,
			"packets_out", c.sender.PacketsOut(),
		)
		close(c.done)
	})
	<-c.done
}

// timedResponder stamps the dispatch time of each reply so the pacer's
// first-frame callback can compute time to first audio.
type timedResponder struct {
	call  *Call
	inner responder.Responder
}

func (t *timedResponder) Respond(ctx context.Context, callID, userText string) (<-chan string, error) {
	t.call.mu.Lock()
	t.call.lastCommit = time.Now()
	t.call.mu.Unlock()
	return t.inner.Respond(ctx, callID, userText)
}
