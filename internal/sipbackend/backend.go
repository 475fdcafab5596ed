// Package sipbackend implements the UAS side of the OpenSIPS ↔ Voice
// Connector leg: accepting INVITEs forwarded by OpenSIPS, answering with a
// negotiated G.711 SDP, and tearing calls down on BYE/CANCEL. It drives
// github.com/emiago/sipgo's request/transaction API directly rather than
// through a higher-level dialog wrapper, since this side only ever answers
// one INVITE per call and never originates one.
package sipbackend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/opensips/voice-connector/internal/callcontrol"
	vcsdp "github.com/opensips/voice-connector/internal/sdp"
)

// Config configures the SIP UAS.
type Config struct {
	ListenAddr string // e.g. "0.0.0.0:5060"
	Transport  string // "udp" or "tcp"
	PublicIP   string // IP advertised in SDP/Contact, e.g. the host's public address

	// AuthUser/AuthPassword, if both set, require digest auth on INVITE.
	AuthUser     string
	AuthPassword string

	MaxActiveCalls int64

	// MaxCallsPerSecond throttles INVITE admission independent of the
	// concurrency cap, guarding against a burst of setups (e.g. a
	// misbehaving OpenSIPS retransmit storm) overwhelming call setup.
	// Zero disables rate limiting.
	MaxCallsPerSecond float64
}

// CallHandler is invoked for every admitted inbound call right after the
// 200 OK has been sent; it does not wait for the ACK. It owns the call until it returns,
// at which point the backend considers the call finished.
type CallHandler func(ctx context.Context, call *Call)

// Backend is the SIP UAS: one sipgo server, one active-call registry, one
// optional digest authenticator.
type Backend struct {
	cfg      Config
	logger   *slog.Logger
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	registry *callcontrol.Registry
	onCall   CallHandler

	nonces sync.Map // nonce -> issuedAt

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger, onCall CallHandler) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sipbackend")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("voice-connector"),
	)
	if err != nil {
		return nil, fmt.Errorf("sipbackend: creating user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("sipbackend: creating server: %w", err)
	}

	b := &Backend{
		cfg:      cfg,
		logger:   logger,
		ua:       ua,
		srv:      srv,
		registry: callcontrol.NewRegistryWithRateLimit(cfg.MaxActiveCalls, cfg.MaxCallsPerSecond, int(cfg.MaxActiveCalls)),
		onCall:   onCall,
	}
	b.registerHandlers()
	return b, nil
}

func (b *Backend) registerHandlers() {
	b.srv.OnInvite(b.handleInvite)
	b.srv.OnAck(b.handleACK)
	b.srv.OnBye(b.handleBye)
	b.srv.OnCancel(b.handleCancel)
}

// Start begins listening and blocks until ctx is cancelled or the listener
// fails fatally.
func (b *Backend) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)
	transport := b.cfg.Transport
	if transport == "" {
		transport = "udp"
	}
	b.logger.Info("sip backend starting", "addr", b.cfg.ListenAddr, "transport", transport)
	return b.srv.ListenAndServe(ctx, transport, b.cfg.ListenAddr)
}

// Stop hangs up every active call and shuts the listener down.
func (b *Backend) Stop() {
	b.logger.Info("sip backend stopping")
	if b.cancel != nil {
		b.cancel()
	}
	b.registry.HangupAll("shutdown")
	b.wg.Wait()
	b.srv.Close()
	b.ua.Close()
	b.logger.Info("sip backend stopped")
}

// ActiveCalls reports the number of admitted, in-progress calls.
func (b *Backend) ActiveCalls() int64 { return b.registry.ActiveCount() }

// HangupCall tears down an admitted call by its SIP Call-ID, for
// reconciliation when something outside the direct SIP signaling path
// (the OpenSIPS event socket) reports it already ended. It is a no-op if
// the call isn't currently tracked.
func (b *Backend) HangupCall(callID, reason string) bool {
	c, ok := b.registry.Get(callID)
	if !ok {
		return false
	}
	c.Hangup(reason)
	return true
}

// listenPortSuffix returns ":<port>" extracted from ListenAddr, for
// building the Contact URI against the configured public IP.
func (b *Backend) listenPortSuffix() string {
	idx := lastColon(b.cfg.ListenAddr)
	if idx < 0 {
		return ""
	}
	return b.cfg.ListenAddr[idx:]
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func (b *Backend) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	logger := b.logger.With("call_id", callID, "from", req.From().Address.User, "to", req.To().Address.User)
	logger.Info("invite received", "source", req.Source())

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		logger.Error("failed to send 100 trying", "error", err)
		return
	}

	if b.cfg.AuthUser != "" && b.cfg.AuthPassword != "" {
		if !b.authenticate(req, tx, logger) {
			return
		}
	}

	if !b.registry.TryAdmit() {
		logger.Warn("invite rejected: active call limit reached", "max", b.cfg.MaxActiveCalls)
		b.respondError(req, tx, 486, "Busy Here", logger)
		return
	}

	offer, err := vcsdp.Parse(req.Body())
	if err != nil {
		logger.Warn("invite rejected: bad sdp offer", "error", err)
		b.registry.Release()
		b.respondError(req, tx, 488, "Not Acceptable Here", logger)
		return
	}
	negotiated, err := vcsdp.Negotiate(offer)
	if err != nil {
		logger.Warn("invite rejected: codec negotiation failed", "error", err)
		b.registry.Release()
		b.respondError(req, tx, 488, "Not Acceptable Here", logger)
		return
	}
	audioMedia := offer.AudioMedia()
	remoteIP := offer.ConnectionAddress(audioMedia)
	remotePort := audioMedia.Port

	call, err := newCall(b.cfg, logger, callID, req, negotiated, remoteIP, remotePort)
	if err != nil {
		logger.Error("invite rejected: failed to set up call", "error", err)
		b.registry.Release()
		b.respondError(req, tx, 500, "Internal Server Error", logger)
		return
	}
	if err := b.registry.Add(call); err != nil {
		logger.Error("invite rejected: duplicate call id", "error", err)
		b.registry.Release()
		call.transport.Stop()
		b.respondError(req, tx, 500, "Internal Server Error", logger)
		return
	}

	answer := vcsdp.BuildAnswer(vcsdp.AnswerParams{
		SessionID:   fmt.Sprintf("%d", time.Now().Unix()),
		SessionVer:  "1",
		LocalIP:     b.cfg.PublicIP,
		LocalPort:   call.transport.LocalPort(),
		PayloadType: negotiated.PayloadType,
		CodecName:   negotiated.Name,
		ClockRate:   negotiated.ClockRate,
		OfferDTMF:   negotiated.DTMF,
	})

	ok := sip.NewResponseFromRequest(req, 200, "OK", answer)
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	ok.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s%s>", b.cfg.PublicIP, b.listenPortSuffix())))
	if err := tx.Respond(ok); err != nil {
		logger.Error("failed to send 200 ok", "error", err)
		b.registry.Remove(callID)
		b.registry.Release()
		call.transport.Stop()
		return
	}

	logger.Info("call answered", "codec", negotiated.Name, "pt", negotiated.PayloadType, "local_rtp_port", call.transport.LocalPort())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.registry.Remove(callID)
		defer b.registry.Release()
		defer call.transport.Stop()
		if b.onCall != nil {
			b.onCall(call.ctx, call)
		}
	}()
}

func (b *Backend) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if c, ok := b.registry.Get(callID); ok {
		if call, ok := c.(*Call); ok {
			call.markConfirmed()
		}
	}
	b.logger.Debug("ack received", "call_id", callID)
}

func (b *Backend) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	logger := b.logger.With("call_id", callID)
	logger.Info("bye received")

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		logger.Error("failed to respond to bye", "error", err)
	}

	if c, ok := b.registry.Get(callID); ok {
		c.Hangup("remote_bye")
	}
}

func (b *Backend) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	logger := b.logger.With("call_id", callID)
	logger.Info("cancel received")

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		logger.Error("failed to respond to cancel", "error", err)
	}
	if c, ok := b.registry.Get(callID); ok {
		c.Hangup("remote_cancel")
	}
}

func (b *Backend) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string, logger *slog.Logger) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		logger.Error("failed to send error response", "code", code, "error", err)
	}
}

// authRealm is fixed: this is a point-to-point trunk between OpenSIPS and
// the Voice Connector, not a multi-tenant PBX, so a single shared realm is
// sufficient (no per-extension digest auth is needed).
const authRealm = "voice-connector"

func (b *Backend) authenticate(req *sip.Request, tx sip.ServerTransaction, logger *slog.Logger) bool {
	h := req.GetHeader("Authorization")
	if h == nil {
		b.challenge(req, tx, logger)
		return false
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		logger.Warn("sip auth: failed to parse authorization header", "error", err)
		b.respondError(req, tx, 400, "Bad Request", logger)
		return false
	}

	if _, known := b.nonces.Load(cred.Nonce); !known {
		logger.Debug("sip auth: unknown nonce, re-challenging")
		b.challenge(req, tx, logger)
		return false
	}

	chal := digest.Challenge{Realm: authRealm, Nonce: cred.Nonce, Algorithm: "MD5"}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: cred.Username,
		Password: b.cfg.AuthPassword,
	})
	if err != nil {
		logger.Error("sip auth: failed to compute digest", "error", err)
		b.respondError(req, tx, 500, "Internal Server Error", logger)
		return false
	}

	if cred.Username != b.cfg.AuthUser || cred.Response != expected.Response {
		logger.Warn("sip auth: invalid credentials", "username", cred.Username)
		b.respondError(req, tx, 403, "Forbidden", logger)
		return false
	}
	return true
}

func (b *Backend) challenge(req *sip.Request, tx sip.ServerTransaction, logger *slog.Logger) {
	nonce := fmt.Sprintf("%x", time.Now().UnixNano())
	b.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{Realm: authRealm, Nonce: nonce, Algorithm: "MD5"}
	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
	if err := tx.Respond(res); err != nil {
		logger.Error("failed to send auth challenge", "error", err)
	}
}
