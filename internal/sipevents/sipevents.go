// Package sipevents listens for OpenSIPS Management Interface event
// datagrams (call setup/answer/terminate notifications) and dispatches
// them to the call controller for state reconciliation independent of the
// inbound-INVITE path — useful when OpenSIPS itself tears a call down
// (timeout, admin kill) without sending this system a BYE first.
//
// The listener accepts either JSON or newline-separated key=value event
// bodies and extracts the call-id across the several header spellings
// OpenSIPS uses. It follows rtptransport.Transport's socket-ownership
// shape: a UDP socket plus a goroutine read loop torn down by one
// context-cancel and one sync.WaitGroup.
package sipevents

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// EventType names the OpenSIPS MI/event-socket notifications this system
// recognizes.
type EventType string

const (
	EventCallEvent      EventType = "OAVC_CALL_EVENT"
	EventCallSetup      EventType = "E_CALL_SETUP"
	EventCallAnswered   EventType = "E_CALL_ANSWERED"
	EventCallTerminated EventType = "E_CALL_TERMINATED"
)

// Event is one parsed OpenSIPS notification.
type Event struct {
	Type      EventType
	CallID    string
	Action    string // OAVC_CALL_EVENT's "start"/"end", if present
	Reason    string
	Fields    map[string]string
	Received  time.Time
	FromAddr  *net.UDPAddr
}

// Handler receives dispatched events. OnCallStart/OnCallEnd are optional;
// a nil handler field drops that notification.
type Handler struct {
	OnCallStart func(ev Event)
	OnCallEnd   func(ev Event)
}

// Config configures the listener's bind address.
type Config struct {
	ListenAddr string // e.g. "0.0.0.0:8090"
}

// Listener is a UDP datagram socket dedicated to OpenSIPS event
// notifications, separate from the RTP/SIP sockets.
type Listener struct {
	cfg     Config
	logger  *slog.Logger
	handler Handler

	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(logger *slog.Logger, cfg Config, handler Handler) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{cfg: cfg, logger: logger.With("component", "sipevents"), handler: handler}
}

// Start binds the UDP socket and begins the receive loop. The returned
// error is non-nil only if binding fails; the receive loop itself runs
// until ctx is cancelled or Stop is called.
func (l *Listener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.ListenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	l.conn = conn

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go l.readLoop(ctx)

	l.logger.Info("event listener started", "listen_addr", l.cfg.ListenAddr)
	return nil
}

// Stop closes the socket and waits for the receive loop to exit.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.conn != nil {
		l.conn.Close()
	}
	l.wg.Wait()
}

func (l *Listener) readLoop(ctx context.Context) {
	defer l.wg.Done()
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("event datagram read failed", "error", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		l.process(data, from)
	}
}

func (l *Listener) process(data []byte, from *net.UDPAddr) {
	fields, ok := parseEvent(data)
	if !ok {
		l.logger.Warn("failed to parse event datagram", "from", from)
		return
	}

	eventType := EventType(firstNonEmpty(fields["event_type"], fields["Event"]))
	ev := Event{
		Type:     eventType,
		CallID:   firstNonEmpty(fields["call_id"], fields["callid"], fields["Call-ID"]),
		Action:   fields["action"],
		Reason:   firstNonEmpty(fields["reason"], "normal_clearing"),
		Fields:   fields,
		Received: time.Now(),
		FromAddr: from,
	}

	switch eventType {
	case EventCallEvent:
		switch ev.Action {
		case "start":
			l.dispatchStart(ev)
		case "end":
			l.dispatchEnd(ev)
		default:
			l.logger.Debug("unknown call event action", "action", ev.Action)
		}
	case EventCallSetup:
		l.dispatchStart(ev)
	case EventCallAnswered:
		l.logger.Info("call answered", "call_id", ev.CallID)
	case EventCallTerminated:
		l.dispatchEnd(ev)
	default:
		l.dispatchGeneric(ev)
	}
}

// dispatchGeneric is a best-effort fallback: an event type this system
// doesn't recognize by name is still routed to start/end if its field
// values look like one.
func (l *Listener) dispatchGeneric(ev Event) {
	if ev.CallID == "" {
		return
	}
	blob := strings.ToLower(fieldsToString(ev.Fields))
	switch {
	case containsAny(blob, "start", "begin", "setup", "invite"):
		l.dispatchStart(ev)
	case containsAny(blob, "end", "terminate", "bye", "cancel"):
		l.dispatchEnd(ev)
	}
}

func (l *Listener) dispatchStart(ev Event) {
	l.logger.Info("call start event", "call_id", ev.CallID, "type", ev.Type)
	if l.handler.OnCallStart != nil {
		l.handler.OnCallStart(ev)
	}
}

func (l *Listener) dispatchEnd(ev Event) {
	l.logger.Info("call end event", "call_id", ev.CallID, "type", ev.Type, "reason", ev.Reason)
	if l.handler.OnCallEnd != nil {
		l.handler.OnCallEnd(ev)
	}
}

// parseEvent accepts either a JSON object or newline-separated key=value
// pairs.
func parseEvent(data []byte) (map[string]string, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false
	}

	if trimmed[0] == '{' {
		var raw map[string]any
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, false
		}
		fields := make(map[string]string, len(raw))
		for k, v := range raw {
			fields[k] = toString(v)
		}
		return fields, true
	}

	fields := make(map[string]string)
	for _, line := range strings.Split(string(trimmed), "\n") {
		line = strings.TrimSpace(line)
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key != "" {
			fields[key] = val
		}
	}
	if len(fields) == 0 {
		return nil, false
	}
	return fields, true
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func fieldsToString(fields map[string]string) string {
	var b strings.Builder
	for k, v := range fields {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte(' ')
	}
	return b.String()
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
