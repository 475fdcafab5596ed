package sipbackend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/opensips/voice-connector/internal/rtptransport"
	vcsdp "github.com/opensips/voice-connector/internal/sdp"
)

// Call represents one admitted SIP dialog, from the 200 OK sent to the
// final BYE/CANCEL. It satisfies callcontrol.Call so the registry can route
// in-dialog requests and shut calls down uniformly.
type Call struct {
	id     string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	Codec      vcsdp.NegotiatedCodec
	transport  *rtptransport.Transport
	remoteIP   string
	remotePort int

	inviteReq *sip.Request

	mu        sync.Mutex
	confirmed bool
	hungUp    bool
}

func newCall(cfg Config, logger *slog.Logger, callID string, req *sip.Request, codec vcsdp.NegotiatedCodec, remoteIP string, remotePort int) (*Call, error) {
	frameSamples := codec.ClockRate / 50 // 20ms frames
	tr, err := rtptransport.New(logger, "0.0.0.0", 0, codec.ClockRate, frameSamples)
	if err != nil {
		return nil, fmt.Errorf("sipbackend: allocating rtp transport: %w", err)
	}
	if err := tr.SetRemote(remoteIP, remotePort); err != nil {
		tr.Stop()
		return nil, fmt.Errorf("sipbackend: setting rtp remote: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Call{
		id:         callID,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		Codec:      codec,
		transport:  tr,
		remoteIP:   remoteIP,
		remotePort: remotePort,
		inviteReq:  req,
	}, nil
}

func (c *Call) CallID() string { return c.id }

// Context is cancelled when the call ends (hangup from either side).
func (c *Call) Context() context.Context { return c.ctx }

// Transport exposes the call's RTP leg to the caller-supplied CallHandler.
func (c *Call) Transport() *rtptransport.Transport { return c.transport }

func (c *Call) markConfirmed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed = true
}

// Hangup tears the call down idempotently; safe to call from BYE/CANCEL
// handlers and from the call's own goroutine.
func (c *Call) Hangup(reason string) {
	c.mu.Lock()
	if c.hungUp {
		c.mu.Unlock()
		return
	}
	c.hungUp = true
	c.mu.Unlock()

	c.logger.Info("call ending", "reason", reason)
	c.cancel()
}
