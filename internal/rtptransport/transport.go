// Package rtptransport implements the RTP (RFC 3550) media socket for a
// single call leg: binding a UDP port, reading/writing RTP packets, and
// re-learning the caller's real media endpoint from the first inbound
// packet when it sits behind NAT.
package rtptransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// MaxPacketSize is large enough for any G.711 frame this system sends
// (20ms at 8kHz mono is 160 bytes of payload) plus the RTP header.
const MaxPacketSize = 1500

// Transport owns one UDP socket bound for a single call's RTP leg. Sequence
// number, timestamp and SSRC bookkeeping follow RFC 3550 §5.1: the sequence
// number increments by one per packet sent and the timestamp advances by
// the number of samples each packet represents.
type Transport struct {
	logger *slog.Logger

	conn         *net.UDPConn
	localPort    int
	clockRate    int
	frameSamples int

	remoteMu sync.RWMutex
	remote   *net.UDPAddr
	learned  bool

	seq       uint32 // atomic, truncated to uint16 on use
	timestamp uint32
	ssrc      uint32

	wg     sync.WaitGroup
	cancel context.CancelFunc

	PacketsSent     atomic.Int64
	PacketsReceived atomic.Int64
	BytesSent       atomic.Int64
	BytesReceived   atomic.Int64
}

// New binds a UDP socket on bindIP:bindPort (port 0 picks an ephemeral
// port, the common case for a dynamically allocated RTP leg) for audio at
// clockRate with frameSamples samples per outbound packet.
func New(logger *slog.Logger, bindIP string, bindPort int, clockRate, frameSamples int) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(bindIP), Port: bindPort})
	if err != nil {
		return nil, fmt.Errorf("rtptransport: bind %s:%d: %w", bindIP, bindPort, err)
	}
	localPort := conn.LocalAddr().(*net.UDPAddr).Port

	t := &Transport{
		logger:       logger.With("component", "rtptransport", "local_port", localPort),
		conn:         conn,
		localPort:    localPort,
		clockRate:    clockRate,
		frameSamples: frameSamples,
		ssrc:         uint32(time.Now().UnixNano()),
	}
	return t, nil
}

// LocalPort returns the bound UDP port, for building the SDP answer.
func (t *Transport) LocalPort() int { return t.localPort }

// SetRemote fixes the initial remote endpoint from the SDP offer. The
// actual sending address may later be overridden once a packet arrives
// from a different address, so callers behind symmetric NAT still work.
func (t *Transport) SetRemote(ip string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return fmt.Errorf("rtptransport: resolve remote %s:%d: %w", ip, port, err)
	}
	t.remoteMu.Lock()
	t.remote = addr
	t.learned = false
	t.remoteMu.Unlock()
	return nil
}

func (t *Transport) remoteAddr() *net.UDPAddr {
	t.remoteMu.RLock()
	defer t.remoteMu.RUnlock()
	return t.remote
}

// PacketHandler is invoked for every inbound RTP packet carrying the
// negotiated payload type. header is safe to retain; payload is a fresh
// copy.
type PacketHandler func(header *rtp.Header, payload []byte)

// Start spawns the read loop. acceptPayloadType filters out any RTP packet
// whose payload type doesn't match the negotiated codec (comfort-noise or
// stray packets from a misbehaving peer).
func (t *Transport) Start(ctx context.Context, acceptPayloadType uint8, handler PacketHandler) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.readLoop(ctx, acceptPayloadType, handler)
}

// Stop closes the socket and waits for the read loop to exit.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	_ = t.conn.Close()
	t.wg.Wait()
}

func (t *Transport) readLoop(ctx context.Context, acceptPayloadType uint8, handler PacketHandler) {
	defer t.wg.Done()
	buf := make([]byte, MaxPacketSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("rtp read failed", "error", err)
			return
		}
		if n < 12 {
			continue
		}

		if !t.relearnRemote(addr) {
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.logger.Warn("rtp unmarshal failed", "error", err)
			continue
		}

		t.PacketsReceived.Add(1)
		t.BytesReceived.Add(int64(n))

		if pkt.PayloadType != acceptPayloadType {
			continue
		}
		payload := append([]byte(nil), pkt.Payload...)
		header := pkt.Header
		if handler != nil {
			handler(&header, payload)
		}
	}
}

// relearnRemote updates the send target to match the address a packet
// actually arrived from, the first time it disagrees with the SDP-declared
// address. Many SIP UAs declare a private RTP address in their SDP and send
// from a different public one once behind a NAT gateway. Once an address
// has been learned, any packet from a different source is rejected rather
// than silently re-learned again, so a stray or spoofed peer can't hijack
// the call's media.
func (t *Transport) relearnRemote(addr *net.UDPAddr) bool {
	t.remoteMu.Lock()
	defer t.remoteMu.Unlock()
	if t.remote != nil && t.remote.IP.Equal(addr.IP) && t.remote.Port == addr.Port {
		t.learned = true
		return true
	}
	if t.learned {
		t.logger.Warn("rtp packet from unexpected source dropped", "learned", t.remote.String(), "actual", addr.String())
		return false
	}
	prev := t.remote
	t.remote = addr
	t.learned = true
	if prev != nil {
		t.logger.Info("rtp remote endpoint relearned", "declared", prev.String(), "actual", addr.String())
	}
	return true
}

// SendFrame encodes one outbound RTP packet carrying payload (already
// codec-encoded, e.g. a 160-byte PCMU frame) and writes it to the current
// remote endpoint, advancing sequence number and timestamp per RFC 3550.
func (t *Transport) SendFrame(payloadType uint8, payload []byte, marker bool) error {
	remote := t.remoteAddr()
	if remote == nil {
		return errors.New("rtptransport: no remote endpoint set")
	}

	seq := uint16(atomic.AddUint32(&t.seq, 1) - 1)
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      t.timestamp,
			SSRC:           t.ssrc,
		},
		Payload: payload,
	}
	t.timestamp += uint32(t.frameSamples)

	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("rtptransport: marshal: %w", err)
	}
	n, err := t.conn.WriteToUDP(raw, remote)
	if err != nil {
		return fmt.Errorf("rtptransport: send: %w", err)
	}
	t.PacketsSent.Add(1)
	t.BytesSent.Add(int64(n))
	return nil
}

// AdvanceTimestamp jumps the RTP clock forward without sending a packet,
// used when a gap (e.g. DTMF tone playback via a separate payload type)
// needs to keep the audio timestamp continuous.
func (t *Transport) AdvanceTimestamp(samples uint32) {
	t.timestamp += samples
}

// SSRC returns this transport's outbound synchronization source identifier.
func (t *Transport) SSRC() uint32 { return t.ssrc }
