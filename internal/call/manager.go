package call

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/codec"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/metrics"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/responder"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/rtpio"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/scenario"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/session"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/sipevent"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/sipserver"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/stt"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/tts"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/vad"
)

// Options configures every call the manager starts.
type Options struct {
	STT       stt.Config
	TTS       tts.Config
	Responder responder.Options
	VAD       vad.Config
	Session   session.Config
}

// Manager is the registry of live calls. It implements the SIP delegate for
// INVITE/ACK/BYE, consumes switch event datagrams, and exposes aggregate
// stats for metrics scraping.
type Manager struct {
	opts     Options
	pool     *rtpio.Pool
	tts      *tts.Client
	respond  responder.Responder
	intent   *responder.Intent
	counters *metrics.Counters
	logger   *slog.Logger

	// baseCtx parents every call's context; cancelling it stops all media.
	baseCtx context.Context

	// hangup sends an in-dialog BYE, wired to the SIP server after both
	// exist.
	hangup func(ctx context.Context, callID string) error

	mu    sync.Mutex
	calls map[string]*Call
}

// NewManager creates the registry and its shared service clients.
func NewManager(ctx context.Context, opts Options, pool *rtpio.Pool, counters *metrics.Counters, logger *slog.Logger) (*Manager, error) {
	ttsClient, err := tts.NewClient(opts.TTS, logger)
	if err != nil {
		return nil, fmt.Errorf("creating tts client: %w", err)
	}
	respond, err := responder.New(opts.Responder, logger)
	if err != nil {
		return nil, fmt.Errorf("creating responder: %w", err)
	}

	var intent *responder.Intent
	if opts.Responder.IntentURL != "" {
		intent, err = responder.NewIntent(opts.Responder.IntentURL, logger)
		if err != nil {
			return nil, fmt.Errorf("creating intent client: %w", err)
		}
	}

	return &Manager{
		opts:     opts,
		pool:     pool,
		tts:      ttsClient,
		respond:  respond,
		intent:   intent,
		counters: counters,
		logger:   logger.With("subsystem", "call"),
		baseCtx:  ctx,
		calls:    make(map[string]*Call),
	}, nil
}

// SetHangup wires the SIP server's BYE sender. Called once at startup.
func (m *Manager) SetHangup(fn func(ctx context.Context, callID string) error) {
	m.hangup = fn
}

// HandleInvite implements sipserver.Delegate: allocate media resources and
// start the call pipeline. A re-INVITE for a live call returns the existing
// answer.
func (m *Manager) HandleInvite(inv *sipserver.InviteInfo, chosen codec.Codec) (*sipserver.MediaAnswer, error) {
	m.mu.Lock()
	if existing, ok := m.calls[inv.CallID]; ok {
		m.mu.Unlock()
		return &sipserver.MediaAnswer{RTPPort: existing.port, Codec: existing.codec}, nil
	}
	m.mu.Unlock()

	conn, port, err := m.pool.Allocate()
	if err != nil {
		return nil, err
	}

	remote := &net.UDPAddr{IP: net.ParseIP(inv.Offer.IP), Port: inv.Offer.Port}
	c, err := newCall(m.baseCtx, inv.CallID, chosen, conn, port, remote, m)
	if err != nil {
		m.pool.Release(port, conn)
		return nil, fmt.Errorf("starting call pipeline: %w", err)
	}

	m.mu.Lock()
	m.calls[inv.CallID] = c
	active := len(m.calls)
	m.mu.Unlock()

	if m.counters != nil {
		m.counters.CallsStarted.Inc()
	}
	m.logger.Info("call accepted",
		"call_id", inv.CallID,
		"from", inv.From,
		"active_calls", active,
	)
	return &sipserver.MediaAnswer{RTPPort: port, Codec: chosen}, nil
}

// HandleAck implements sipserver.Delegate.
func (m *Manager) HandleAck(callID string) {
	m.logger.Debug("call answered", "call_id", callID)
}

// HandleBye implements sipserver.Delegate. Teardown runs off the SIP
// transaction goroutine.
func (m *Manager) HandleBye(callID string) {
	go m.End(callID, "bye")
}

// End stops a call's pipeline and removes it from the registry.
func (m *Manager) End(callID, reason string) {
	m.mu.Lock()
	c, ok := m.calls[callID]
	delete(m.calls, callID)
	m.mu.Unlock()
	if !ok {
		return
	}

	c.stop()
	if m.counters != nil {
		m.counters.CallsEnded.Inc()
	}
	m.logger.Info("call ended", "call_id", callID, "reason", reason)
}

// Hangup sends a BYE for a live call and tears it down. Used when the
// connector itself terminates the call.
func (m *Manager) Hangup(ctx context.Context, callID, reason string) error {
	var byeErr error
	if m.hangup != nil {
		byeErr = m.hangup(ctx, callID)
	}
	m.End(callID, reason)
	return byeErr
}

// ConsumeEvents applies switch event datagrams to the registry until the
// channel closes or the context ends.
func (m *Manager) ConsumeEvents(ctx context.Context, events <-chan sipevent.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case sipevent.KindCallEnd:
				m.End(ev.CallID, "switch event")
			case sipevent.KindCallStart:
				// Media setup rides on the INVITE; the datagram is an
				// early heads-up.
				m.logger.Debug("call start event", "call_id", ev.CallID, "caller", ev.Caller)
			case sipevent.KindCallAnswered:
				m.logger.Debug("call answered event", "call_id", ev.CallID)
			}
		}
	}
}

// Driver returns the scenario driver surface for a live call.
func (m *Manager) Driver(callID string) (scenario.Driver, error) {
	m.mu.Lock()
	c, ok := m.calls[callID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no live call %q", callID)
	}
	return c, nil
}

// AnyCallID returns a live call id for scenario runs that do not name one.
func (m *Manager) AnyCallID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.calls {
		return id, true
	}
	return "", false
}

// StopAll tears every call down in parallel. Returns when all calls stopped
// or the context's grace period ran out.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	calls := make([]*Call, 0, len(m.calls))
	ids := make([]string, 0, len(m.calls))
	for id, c := range m.calls {
		calls = append(calls, c)
		ids = append(ids, id)
	}
	m.calls = make(map[string]*Call)
	m.mu.Unlock()

	if len(calls) == 0 {
		return
	}
	m.logger.Info("stopping all calls", "count", len(calls))

	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(c *Call) {
			defer wg.Done()
			c.stop()
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown grace expired with calls still stopping", "calls", ids)
	}
}

// ActiveCallCount implements metrics.CallStatsProvider.
func (m *Manager) ActiveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// AggregatePacketsIn implements metrics.CallStatsProvider.
func (m *Manager) AggregatePacketsIn() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, c := range m.calls {
		in, _ := c.receiver.Stats()
		total += in
	}
	return total
}

// AggregatePacketsOut implements metrics.CallStatsProvider.
func (m *Manager) AggregatePacketsOut() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, c := range m.calls {
		total += c.sender.PacketsOut()
	}
	return total
}

// AggregatePacketsDropped implements metrics.CallStatsProvider.
func (m *Manager) AggregatePacketsDropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, c := range m.calls {
		_, dropped := c.receiver.Stats()
		total += dropped
	}
	return total
}

// PortsAllocated implements metrics.CallStatsProvider.
func (m *Manager) PortsAllocated() int {
	return m.pool.AllocatedCount()
}

// PortCapacity implements metrics.CallStatsProvider.
func (m *Manager) PortCapacity() int {
	return m.pool.Capacity()
}
