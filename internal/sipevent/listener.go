// Package sipevent receives call lifecycle notifications from the switch's
// event interface: one UDP datagram per event, formatted as either a JSON
// object or key=value lines. Parsed events fan out to the call controller
// over a buffered channel.
package sipevent

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// maxDatagram is the largest event datagram we accept. Event bodies carry an
// SDP offer at most, far below a UDP maximum payload.
const maxDatagram = 65535

// eventQueueDepth bounds the fan-out channel. A stuck consumer drops events
// rather than wedging the listener.
const eventQueueDepth = 64

// Kind discriminates parsed events.
type Kind int

const (
	// KindCallStart announces a new inbound call with its SDP offer.
	KindCallStart Kind = iota
	// KindCallAnswered is informational only.
	KindCallAnswered
	// KindCallEnd announces call teardown.
	KindCallEnd
)

func (k Kind) String() string {
	switch k {
	case KindCallStart:
		return "call_start"
	case KindCallAnswered:
		return "call_answered"
	case KindCallEnd:
		return "call_end"
	default:
		return "unknown"
	}
}

// Event is one parsed switch notification.
type Event struct {
	Kind   Kind
	CallID string
	SDP    string
	Caller string
	Callee string
	Reason string
}

// Listener reads event datagrams from a UDP socket and publishes parsed
// events. A datagram that cannot be parsed is logged at WARN and dropped;
// the listener itself never stops on bad input.
type Listener struct {
	conn   *net.UDPConn
	logger *slog.Logger

	events  chan Event
	stopped atomic.Bool

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewListener binds the event UDP socket at addr (host:port).
func NewListener(addr string, logger *slog.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		conn:   conn,
		logger: logger.With("subsystem", "sip-events"),
		events: make(chan Event, eventQueueDepth),
	}
	l.logger.Info("sip event listener bound", "addr", conn.LocalAddr().String())
	return l, nil
}

// Events returns the fan-out channel of parsed call events.
func (l *Listener) Events() <-chan Event {
	return l.events
}

// Close stops the listener and releases the socket. Run returns shortly
// after.
func (l *Listener) Close() {
	l.stopped.Store(true)
	l.conn.Close()
}

// Stats returns datagrams received and events dropped (parse failures and
// full-queue drops combined).
func (l *Listener) Stats() (received, dropped uint64) {
	return l.received.Load(), l.dropped.Load()
}

// Run reads datagrams until Close is called. Intended to run on its own
// goroutine.
func (l *Listener) Run() {
	buf := make([]byte, maxDatagram)
	for {
		if l.stopped.Load() {
			return
		}

		l.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, srcAddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if l.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			l.logger.Warn("event socket read error", "error", err)
			continue
		}
		l.received.Add(1)

		ev, err := Parse(buf[:n])
		if err != nil {
			l.dropped.Add(1)
			l.logger.Warn("unparseable event datagram",
				"source", srcAddr.String(),
				"bytes", n,
				"error", err,
			)
			continue
		}

		if ev.Kind == KindCallAnswered {
			l.logger.Info("call answered", "call_id", ev.CallID)
			continue
		}

		select {
		case l.events <- ev:
		default:
			l.dropped.Add(1)
			l.logger.Warn("event queue full, dropping event",
				"kind", ev.Kind.String(),
				"call_id", ev.CallID,
			)
		}
	}
}
