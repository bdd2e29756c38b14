// Package rtpio implements the RTP media transport for a single call: a
// process-wide port pool, a receive loop with symmetric-RTP remote learning,
// and a paced send loop with sequence/timestamp/SSRC bookkeeping.
package rtpio

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ErrNoAvailablePorts is returned by Allocate when every port in the
// configured range is either owned by a live call or unbindable.
var ErrNoAvailablePorts = errors.New("no available rtp ports")

// Pool manages the process-wide range of UDP ports available for RTP media.
// A port is in the pool iff no live call currently owns it; allocation and
// release are serialized by a mutex.
type Pool struct {
	portMin int
	portMax int
	bindIP  net.IP
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}
	nextPort  int
}

// NewPool creates an RTP port pool for the given range. portMin must be even
// (RTP convention) and portMax must be greater than portMin.
func NewPool(bindIP string, portMin, portMax int, logger *slog.Logger) (*Pool, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("portMin must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}

	ip := net.ParseIP(bindIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid rtp bind ip %q", bindIP)
	}

	l := logger.With("subsystem", "rtp-pool")
	l.Info("rtp port pool initialized",
		"port_min", portMin,
		"port_max", portMax,
		"capacity", (portMax-portMin+1)/2,
	)

	return &Pool{
		portMin:   portMin,
		portMax:   portMax,
		bindIP:    ip,
		logger:    l,
		allocated: make(map[int]struct{}),
		nextPort:  portMin,
	}, nil
}

// Capacity returns the total number of RTP ports in the range.
func (p *Pool) Capacity() int {
	return (p.portMax - p.portMin + 1) / 2
}

// AllocatedCount returns the number of currently allocated ports.
func (p *Pool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Allocate binds a UDP socket on an available even port and removes the port
// from the pool. Ports that fail to bind (in use by another process) are
// skipped. Returns ErrNoAvailablePorts when the range is exhausted.
func (p *Pool) Allocate() (*net.UDPConn, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.allocated) >= p.Capacity() {
		return nil, 0, ErrNoAvailablePorts
	}

	startPort := p.nextPort
	for {
		port := p.nextPort

		p.nextPort += 2
		if p.nextPort > p.portMax-1 {
			p.nextPort = p.portMin
		}

		if _, taken := p.allocated[port]; !taken {
			conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: p.bindIP, Port: port})
			if err == nil {
				p.allocated[port] = struct{}{}
				p.logger.Debug("rtp port allocated",
					"port", port,
					"allocated", len(p.allocated),
				)
				return conn, port, nil
			}
			p.logger.Debug("rtp port bind failed, trying next",
				"port", port,
				"error", err,
			)
		}

		if p.nextPort == startPort {
			return nil, 0, ErrNoAvailablePorts
		}
	}
}

// Release closes the socket and returns the port to the pool. Safe to call
// with a nil conn when the socket was closed elsewhere.
func (p *Pool) Release(port int, conn *net.UDPConn) {
	if conn != nil {
		if err := conn.Close(); err != nil {
			p.logger.Warn("error closing rtp socket", "port", port, "error", err)
		}
	}

	p.mu.Lock()
	delete(p.allocated, port)
	count := len(p.allocated)
	p.mu.Unlock()

	p.logger.Debug("rtp port released", "port", port, "allocated", count)
}
