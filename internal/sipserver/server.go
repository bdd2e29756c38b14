// Package sipserver terminates the SIP signaling leg: it answers INVITEs
// from the switch with a negotiated SDP answer, tracks minimal dialog state
// for ACK/BYE correlation, and can hang up calls it no longer wants.
package sipserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/codec"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/rtpio"
)

// Options configures the SIP server.
type Options struct {
	// BindIP and Port form the SIP listening address.
	BindIP string
	Port   int
	// AdvertisedIP goes into answer SDP origin and connection lines. It may
	// differ from BindIP behind NAT.
	AdvertisedIP string
	// CodecPreference overrides the default PCMU, PCMA, opus order.
	CodecPreference []string
	// UserAgent is the UA name announced in signaling.
	UserAgent string
}

// InviteInfo is the parsed view of an incoming INVITE handed to the
// delegate.
type InviteInfo struct {
	CallID string
	From   string
	To     string
	Source string
	Offer  *Offer
}

// MediaAnswer is what the delegate allocates for an accepted call.
type MediaAnswer struct {
	RTPPort int
	Codec   codec.Codec
}

// Delegate is implemented by the call controller. HandleInvite allocates
// media resources and picks nothing itself: codec negotiation already
// happened and the result is in InviteInfo via the offer plus the server's
// preference order.
type Delegate interface {
	// HandleInvite sets up a call for the offer and returns the local media
	// answer. Returning rtpio.ErrNoAvailablePorts maps to 503; any other
	// error to 500.
	HandleInvite(inv *InviteInfo, chosen codec.Codec) (*MediaAnswer, error)

	// HandleAck confirms the dialog; media may start flowing.
	HandleAck(callID string)

	// HandleBye tears the call down.
	HandleBye(callID string)
}

// dialog is the per-call signaling state needed to correlate ACK/BYE and to
// send an outbound BYE.
type dialog struct {
	invite   *sip.Request
	localTag string
	answered bool
	byeSent  bool
}

// Server wraps the sipgo stack with connector-specific handlers.
type Server struct {
	opts     Options
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	delegate Delegate
	logger   *slog.Logger

	mu      sync.Mutex
	dialogs map[string]*dialog

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates the SIP server with all handlers registered. The
// delegate must be set with SetDelegate before Start.
func NewServer(opts Options, logger *slog.Logger) (*Server, error) {
	if opts.UserAgent == "" {
		opts.UserAgent = "voice-connector"
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(opts.UserAgent),
		sipgo.WithUserAgentHostname(opts.AdvertisedIP),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	s := &Server{
		opts:    opts,
		ua:      ua,
		srv:     srv,
		client:  client,
		logger:  logger.With("subsystem", "sip"),
		dialogs: make(map[string]*dialog),
	}

	srv.OnInvite(s.handleInvite)
	srv.OnAck(s.handleAck)
	srv.OnBye(s.handleBye)
	srv.OnOptions(s.handleOptions)

	return s, nil
}

// SetDelegate wires the call controller in. Must be called before Start.
func (s *Server) SetDelegate(d Delegate) {
	s.delegate = d
}

// Start begins listening on UDP. It returns immediately; the listener runs
// until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	addr := fmt.Sprintf("%s:%d", s.opts.BindIP, s.opts.Port)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	return nil
}

// Stop shuts the SIP stack down and waits for the listener goroutine.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	s.logger.Info("invite received",
		"call_id", callID,
		"from", req.From().Address.User,
		"to", req.To().Address.User,
		"source", req.Source(),
	)

	// Stop UAC retransmissions immediately (RFC 3261 section 8.2.6.1).
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		s.logger.Error("failed to send 100 trying", "call_id", callID, "error", err)
		return
	}

	// Retransmitted INVITE for an already-answered call: the 200 OK is on
	// its way or lost; re-answering would double-allocate media.
	s.mu.Lock()
	if d, ok := s.dialogs[callID]; ok && d.answered {
		s.mu.Unlock()
		s.logger.Debug("suppressing duplicate invite", "call_id", callID)
		return
	}
	s.mu.Unlock()

	if ct := req.ContentType(); ct == nil || ct.Value() != "application/sdp" {
		s.respondError(req, tx, 415, "Unsupported Media Type")
		return
	}

	offer, err := ParseOffer(req.Body())
	if err != nil {
		s.logger.Warn("rejecting invite with bad sdp", "call_id", callID, "error", err)
		s.respondError(req, tx, 400, "Bad Request")
		return
	}

	chosen, err := Negotiate(offer, s.opts.CodecPreference)
	if err != nil {
		s.logger.Warn("rejecting invite, no common codec", "call_id", callID)
		s.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	inv := &InviteInfo{
		CallID: callID,
		From:   req.From().Address.String(),
		To:     req.To().Address.String(),
		Source: req.Source(),
		Offer:  offer,
	}

	answer, err := s.delegate.HandleInvite(inv, chosen)
	if err != nil {
		if errors.Is(err, rtpio.ErrNoAvailablePorts) {
			s.logger.Error("rejecting invite, rtp ports exhausted", "call_id", callID)
			s.respondError(req, tx, 503, "Service Unavailable")
			return
		}
		s.logger.Error("invite setup failed", "call_id", callID, "error", err)
		s.respondError(req, tx, 500, "Server Internal Error")
		return
	}

	body, err := BuildAnswer(s.opts.AdvertisedIP, answer.RTPPort, answer.Codec, sessionIDFor(callID))
	if err != nil {
		s.logger.Error("building answer sdp failed", "call_id", callID, "error", err)
		s.delegate.HandleBye(callID)
		s.respondError(req, tx, 500, "Server Internal Error")
		return
	}

	localTag := uuid.NewString()[:8]
	ok := s.answerResponse(req, body, localTag)

	if err := tx.Respond(ok); err != nil {
		s.logger.Error("failed to send 200 ok", "call_id", callID, "error", err)
		s.delegate.HandleBye(callID)
		return
	}

	s.mu.Lock()
	s.dialogs[callID] = &dialog{invite: req, localTag: localTag, answered: true}
	s.mu.Unlock()

	s.logger.Info("call answered",
		"call_id", callID,
		"codec", answer.Codec.Name(),
		"rtp_port", answer.RTPPort,
	)
}

// answerResponse builds the 200 OK for an INVITE: SDP body, our To-tag, and
// a Contact naming our signaling address so in-dialog requests route back
// to us (RFC 3261 section 12.1.1).
func (s *Server) answerResponse(req *sip.Request, body []byte, localTag string) *sip.Response {
	ok := sip.NewResponseFromRequest(req, 200, "OK", body)
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	ok.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s:%d>", s.opts.AdvertisedIP, s.opts.Port)))
	if to := ok.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", localTag)
	}
	return ok
}

func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	s.logger.Debug("ack received", "call_id", callID, "source", req.Source())

	s.mu.Lock()
	_, known := s.dialogs[callID]
	s.mu.Unlock()
	if known {
		s.delegate.HandleAck(callID)
	}
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	s.mu.Lock()
	_, known := s.dialogs[callID]
	delete(s.dialogs, callID)
	s.mu.Unlock()

	if !known {
		s.logger.Debug("bye for unknown dialog", "call_id", callID)
		s.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	s.logger.Info("bye received", "call_id", callID)
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}

	s.delegate.HandleBye(callID)
}

// handleOptions answers keepalive pings from the switch.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// Hangup sends an in-dialog BYE for a call the connector is done with (for
// example a finished test scenario). The dialog is forgotten regardless of
// whether the far end answers the BYE.
func (s *Server) Hangup(ctx context.Context, callID string) error {
	s.mu.Lock()
	d, ok := s.dialogs[callID]
	if ok {
		delete(s.dialogs, callID)
	}
	s.mu.Unlock()

	if !ok || d.byeSent {
		return fmt.Errorf("no active dialog for call %s", callID)
	}
	d.byeSent = true

	bye, err := s.buildBye(d)
	if err != nil {
		return fmt.Errorf("building bye: %w", err)
	}

	byeTx, err := s.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer byeTx.Terminate()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-byeTx.Done():
		return byeTx.Err()
	case res := <-byeTx.Responses():
		s.logger.Info("bye answered", "call_id", callID, "status", res.StatusCode)
		return nil
	}
}

// buildBye constructs the in-dialog BYE from the stored INVITE: our To
// (with our tag) becomes From, their From becomes To, target is their
// Contact when present.
func (s *Server) buildBye(d *dialog) (*sip.Request, error) {
	inv := d.invite

	var recipient sip.Uri
	if contact := inv.Contact(); contact != nil {
		recipient = *contact.Address.Clone()
	} else {
		recipient = *inv.From().Address.Clone()
	}

	bye := sip.NewRequest(sip.BYE, recipient)
	bye.SetTransport(inv.Transport())

	from := &sip.FromHeader{
		Address: *inv.To().Address.Clone(),
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", d.localTag)
	bye.AppendHeader(from)

	to := &sip.ToHeader{
		Address: *inv.From().Address.Clone(),
		Params:  sip.NewParams(),
	}
	if tag, ok := inv.From().Params.Get("tag"); ok {
		to.Params.Add("tag", tag)
	}
	bye.AppendHeader(to)

	if cid := inv.CallID(); cid != nil {
		bye.AppendHeader(sip.NewHeader("Call-ID", cid.Value()))
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.BYE})

	return bye, nil
}

func (s *Server) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send error response", "code", code, "error", err)
	}
}

// sessionIDFor derives a stable SDP session id from the call id.
func sessionIDFor(callID string) int64 {
	var h int64
	for _, c := range callID {
		h = h*31 + int64(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}
