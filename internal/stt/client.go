// Package stt streams call audio to a Vosk-style ASR websocket service and
// surfaces partial and final transcripts. The wire protocol: a JSON config
// message on connect, binary PCM16 chunks thereafter, JSON results back
// ({"partial": ...} for interim, {"text": ...} for utterance finals), and
// {"eof": 1} to flush at teardown.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Config holds STT connection parameters.
type Config struct {
	// URL is the websocket endpoint (ws://host:port).
	URL string
	// SampleRate of the PCM16 audio we send (default 16000).
	SampleRate int
	// MaxReconnectAttempts bounds consecutive failed redials before the
	// session gives up (default 5).
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	return c
}

// maxBackoff caps the exponential reconnect delay.
const maxBackoff = 10 * time.Second

// Transcript is one ASR result.
type Transcript struct {
	Text  string
	Final bool
}

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt session is closed")

// ErrUnrecoverable is reported by Err after the supervisor has exhausted
// its reconnect attempts. The call owning the session cannot continue.
var ErrUnrecoverable = errors.New("stt reconnect attempts exhausted")

// Client is one streaming recognition session. It owns the websocket
// connection and transparently redials on failure, re-sending the config
// message each time.
type Client struct {
	cfg    Config
	logger *slog.Logger

	audio    chan []byte
	partials chan Transcript
	finals   chan Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	reconnects atomic.Uint64
	failed     atomic.Bool
}

// Dial opens the session and starts the connection supervisor. The returned
// client is usable immediately; audio queued before the socket is up is
// delivered once it connects.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("stt url is empty")
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger.With("subsystem", "stt"),
		audio:    make(chan []byte, 256),
		partials: make(chan Transcript, 64),
		finals:   make(chan Transcript, 64),
		done:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.run(ctx)
	return c, nil
}

// SendAudio queues one PCM16 chunk for the recognizer. Blocks when the
// buffer is full (roughly five seconds of 20 ms frames).
func (c *Client) SendAudio(chunk []byte) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}
	select {
	case c.audio <- chunk:
		return nil
	case <-c.done:
		return ErrSessionClosed
	}
}

// Partials returns the interim transcript channel. Closed when the session
// ends.
func (c *Client) Partials() <-chan Transcript { return c.partials }

// Finals returns the final transcript channel. Closed when the session ends.
func (c *Client) Finals() <-chan Transcript { return c.finals }

// Reconnects returns how many times the session has redialed.
func (c *Client) Reconnects() uint64 { return c.reconnects.Load() }

// Done is closed when the session has ended, whether by Close or because
// the supervisor gave up on the connection.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the session ended: nil after a normal Close,
// ErrUnrecoverable when the supervisor exhausted its reconnect attempts.
func (c *Client) Err() error {
	if c.failed.Load() {
		return ErrUnrecoverable
	}
	return nil
}

// Close flushes and terminates the session.
func (c *Client) Close() error {
	c.terminate()
	c.wg.Wait()
	return nil
}

// terminate marks the session over so SendAudio fails fast instead of
// queueing against a supervisor that is gone.
func (c *Client) terminate() {
	c.once.Do(func() { close(c.done) })
}

// run is the connection supervisor: dial, send config, pump until a failure,
// then back off and redial.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.terminate()
	defer close(c.partials)
	defer close(c.finals)

	attempt := 0
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			if attempt > c.cfg.MaxReconnectAttempts {
				c.failed.Store(true)
				c.logger.Error("giving up on stt after repeated failures",
					"attempts", attempt-1,
					"error", err,
				)
				return
			}
			delay := backoff(attempt)
			c.logger.Warn("stt connect failed, retrying",
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			select {
			case <-time.After(delay):
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		if attempt > 0 {
			c.reconnects.Add(1)
		}
		attempt = 0

		closed := c.pump(ctx, conn)
		if closed {
			return
		}
		// Connection failed mid-session: count the redial cycle from one.
		attempt = 1
	}
}

// dial connects and sends the recognizer config message.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing stt: %w", err)
	}

	cfgMsg, _ := json.Marshal(map[string]any{
		"config": map[string]any{
			"sample_rate": c.cfg.SampleRate,
		},
	})
	if err := conn.Write(ctx, websocket.MessageText, cfgMsg); err != nil {
		conn.Close(websocket.StatusInternalError, "config write failed")
		return nil, fmt.Errorf("sending stt config: %w", err)
	}

	c.logger.Info("stt connected", "url", c.cfg.URL, "sample_rate", c.cfg.SampleRate)
	return conn, nil
}

// pump runs reader and writer against one connection until it fails or the
// session closes. Returns true when the session is done for good.
func (c *Client) pump(ctx context.Context, conn *websocket.Conn) (sessionDone bool) {
	errCh := make(chan error, 2)
	writerStop := make(chan struct{})

	var pumpWG sync.WaitGroup
	pumpWG.Add(2)

	go func() {
		defer pumpWG.Done()
		c.writeLoop(ctx, conn, writerStop, errCh)
	}()
	go func() {
		defer pumpWG.Done()
		c.readLoop(ctx, conn, errCh)
	}()

	select {
	case <-c.done:
		// Graceful shutdown: ask the recognizer to flush, then close.
		close(writerStop)
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"eof": 1}`))
		conn.Close(websocket.StatusNormalClosure, "session closed")
		pumpWG.Wait()
		return true
	case <-ctx.Done():
		close(writerStop)
		conn.Close(websocket.StatusNormalClosure, "context cancelled")
		pumpWG.Wait()
		return true
	case err := <-errCh:
		close(writerStop)
		conn.Close(websocket.StatusInternalError, "connection error")
		pumpWG.Wait()
		c.logger.Warn("stt connection lost, will reconnect", "error", err)
		return false
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}, errCh chan<- error) {
	for {
		select {
		case <-stop:
			return
		case chunk := <-c.audio:
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		}
	}
}

// voskResult is the recognizer's JSON response shape. A message carries
// either a partial or a text field.
type voskResult struct {
	Partial string `json:"partial"`
	Text    string `json:"text"`
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}

		var res voskResult
		if err := json.Unmarshal(msg, &res); err != nil {
			c.logger.Debug("unparseable stt message", "error", err)
			continue
		}

		switch {
		case res.Text != "":
			select {
			case c.finals <- Transcript{Text: res.Text, Final: true}:
			case <-c.done:
				return
			}
		case res.Partial != "":
			select {
			case c.partials <- Transcript{Text: res.Partial}:
			case <-c.done:
				return
			}
		}
	}
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
