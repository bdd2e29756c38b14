package rtpio

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/codec"
)

const (
	// maxRTPPacket is the maximum UDP packet size we handle.
	// Standard Ethernet MTU minus IP/UDP headers gives ~1472 bytes,
	// but we allow larger for jumbo frames or aggregation.
	maxRTPPacket = 1500

	// minRTPHeader is the minimum RTP header size (12 bytes).
	minRTPHeader = 12

	// readTimeout is the read deadline for the receive loop. It bounds how
	// long a blocked read can delay noticing context cancellation.
	readTimeout = 100 * time.Millisecond
)

// atomicAddr provides thread-safe storage for a UDP address.
// Used for symmetric RTP where the remote address is learned from the
// first incoming packet rather than relying solely on the SDP-signaled address.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func newAtomicAddr(addr *net.UDPAddr) *atomicAddr {
	a := &atomicAddr{}
	a.v.Store(addr)
	return a
}

func (a *atomicAddr) load() *net.UDPAddr {
	return a.v.Load()
}

// update atomically replaces the stored address and returns true if it changed.
func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	old := a.v.Load()
	if old != nil && old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.v.Store(addr)
	return true
}

// Receiver reads RTP from the call's media socket, validates and decodes
// packets for the negotiated codec, and delivers decoded frames to the
// inbound pipeline.
//
// Symmetric RTP: the remote address is initialized from SDP and replaced by
// the source of the first valid packet, which handles NAT where the real
// source differs from the signaled address. After that first packet the
// source is pinned: packets from any other address are dropped.
type Receiver struct {
	conn   *net.UDPConn
	codec  codec.Codec
	logger *slog.Logger

	// remote is the learned far-end media address, shared with the Sender.
	remote *atomicAddr

	// OnFirstPacket, when set before Run, is called once with the learned
	// remote address after the first valid packet arrives.
	OnFirstPacket func(*net.UDPAddr)

	// paused suppresses frame delivery (not reading) while the call is held.
	paused atomic.Bool

	stopped atomic.Bool

	packetsIn atomic.Uint64
	dropped   atomic.Uint64
}

// InboundFrame is one decoded ptime frame of caller audio.
type InboundFrame struct {
	// PCM is the decoded audio at the codec's sample rate.
	PCM []int16
	// Timestamp is the RTP timestamp of the packet the frame came from.
	Timestamp uint32
}

// NewReceiver creates a receiver on the given socket. signaled is the far-end
// address from SDP, used as the initial send target until symmetric learning
// replaces it; it may be nil when the offer held no usable address.
func NewReceiver(conn *net.UDPConn, c codec.Codec, signaled *net.UDPAddr, logger *slog.Logger) *Receiver {
	return &Receiver{
		conn:   conn,
		codec:  c,
		logger: logger.With("subsystem", "rtp-receiver"),
		remote: newAtomicAddr(signaled),
	}
}

// RemoteAddr returns the current far-end media address. After symmetric RTP
// learning this may differ from the SDP-signaled address.
func (r *Receiver) RemoteAddr() *net.UDPAddr {
	return r.remote.load()
}

// SetPaused toggles frame delivery. While paused the loop keeps reading (so
// the socket never backs up and symmetric learning still works) but decoded
// audio is discarded.
func (r *Receiver) SetPaused(paused bool) {
	r.paused.Store(paused)
}

// Stop signals the receive loop to exit. Run returns after at most one
// read timeout.
func (r *Receiver) Stop() {
	r.stopped.Store(true)
}

// Stats returns the packets accepted and dropped so far.
func (r *Receiver) Stats() (packetsIn, dropped uint64) {
	return r.packetsIn.Load(), r.dropped.Load()
}

// Run reads packets until Stop is called or the socket closes, delivering
// each decoded frame to deliver. Intended to run on its own goroutine;
// deliver is always invoked from that goroutine.
func (r *Receiver) Run(deliver func(InboundFrame)) {
	buf := make([]byte, maxRTPPacket)
	learned := false
	var pkt rtp.Packet

	for {
		if r.stopped.Load() {
			return
		}

		r.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, srcAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.stopped.Load() {
				return
			}
			// Timeout is expected; loop to re-check the stopped flag.
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Debug("rtp read error", "error", err)
			continue
		}

		if n < minRTPHeader {
			r.dropped.Add(1)
			continue
		}

		// pion handles CSRC entries, header extensions, and padding; the
		// Payload it exposes is the bare codec payload.
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.dropped.Add(1)
			continue
		}
		if pkt.Version != 2 {
			r.dropped.Add(1)
			continue
		}
		if pkt.PayloadType != r.codec.PayloadType() {
			r.dropped.Add(1)
			continue
		}

		// Symmetric RTP: learn the actual remote address from the first
		// valid packet, then pin it. Packets from other sources are dropped
		// so a port scanner cannot hijack the stream mid-call.
		if !learned {
			if r.remote.update(srcAddr) {
				r.logger.Info("symmetric rtp: learned remote address",
					"address", srcAddr.String(),
				)
			}
			learned = true
			if r.OnFirstPacket != nil {
				r.OnFirstPacket(srcAddr)
			}
		} else {
			pinned := r.remote.load()
			if !pinned.IP.Equal(srcAddr.IP) || pinned.Port != srcAddr.Port {
				r.dropped.Add(1)
				r.logger.Warn("dropping rtp from unexpected source",
					"expected", pinned.String(),
					"got", srcAddr.String(),
				)
				continue
			}
		}

		r.packetsIn.Add(1)

		if r.paused.Load() {
			continue
		}

		ts := pkt.Timestamp
		for _, frame := range r.codec.Frames(pkt.Payload) {
			pcm, err := r.codec.Decode(frame)
			if err != nil {
				r.logger.Debug("decode error", "error", err)
				continue
			}
			deliver(InboundFrame{PCM: pcm, Timestamp: ts})
			ts += uint32(len(pcm))
		}
	}
}
