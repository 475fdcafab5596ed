package ttspacer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/opensips/voice-connector/internal/audio"
	"github.com/opensips/voice-connector/internal/rtptransport"
)

func newLoopbackTransport(t *testing.T) (*rtptransport.Transport, *net.UDPConn) {
	t.Helper()
	tr, err := rtptransport.New(nil, "127.0.0.1", 0, 8000, 160)
	if err != nil {
		t.Fatalf("rtptransport.New: %v", err)
	}
	t.Cleanup(tr.Stop)

	rx, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { rx.Close() })

	if err := tr.SetRemote("127.0.0.1", rx.LocalAddr().(*net.UDPAddr).Port); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}
	return tr, rx
}

func newSilentPCM(n int) audio.Sample {
	return make(audio.Sample, n)
}

func TestPacerEmitsEncodedFrames(t *testing.T) {
	tr, rx := newLoopbackTransport(t)

	p := New(nil, tr, Config{
		Codec:       audio.PCMU,
		PayloadType: audio.PCMU.StaticPayloadType(),
		ClockRate:   8000,
		FrameDur:    20 * time.Millisecond,
		SourceRate:  8000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	// Two frames' worth of PCM16 silence at 8kHz/20ms = 160 samples/frame.
	p.Enqueue(newSilentPCM(320))
	if !p.IsSpeaking() {
		t.Fatal("expected IsSpeaking() true after enqueue")
	}

	rx.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, err := rx.Read(buf)
	if err != nil {
		t.Fatalf("expected an RTP packet, got error: %v", err)
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal RTP packet: %v", err)
	}
	if pkt.PayloadType != audio.PCMU.StaticPayloadType() {
		t.Fatalf("payload type = %d, want %d", pkt.PayloadType, audio.PCMU.StaticPayloadType())
	}
	if len(pkt.Payload) != 160 {
		t.Fatalf("payload len = %d, want 160", len(pkt.Payload))
	}
}

func TestPacerInterruptDrainsBacklog(t *testing.T) {
	tr, _ := newLoopbackTransport(t)

	p := New(nil, tr, Config{
		Codec:       audio.PCMU,
		PayloadType: audio.PCMU.StaticPayloadType(),
		ClockRate:   8000,
		FrameDur:    20 * time.Millisecond,
		SourceRate:  8000,
	})

	// Queue several frames without starting the pace loop so nothing drains.
	p.Enqueue(newSilentPCM(160 * 10))
	if p.buf.LenFrames() == 0 {
		t.Fatal("expected queued frames before interrupt")
	}

	p.Interrupt()
	if p.buf.LenFrames() != 0 {
		t.Fatalf("expected backlog drained after Interrupt, got %d frames", p.buf.LenFrames())
	}
	if p.IsSpeaking() {
		t.Fatal("expected IsSpeaking() false after Interrupt")
	}

	// Further enqueues are dropped until Reset.
	p.Enqueue(newSilentPCM(160))
	if p.buf.LenFrames() != 0 {
		t.Fatal("expected enqueue after interrupt to be a no-op")
	}

	p.Reset()
	p.Enqueue(newSilentPCM(160))
	if p.buf.LenFrames() != 1 {
		t.Fatalf("expected enqueue to resume after Reset, got %d frames", p.buf.LenFrames())
	}
}

func TestPacerDropsBacklogUnderDrift(t *testing.T) {
	tr, _ := newLoopbackTransport(t)

	p := New(nil, tr, Config{
		Codec:        audio.PCMU,
		PayloadType:  audio.PCMU.StaticPayloadType(),
		ClockRate:    8000,
		FrameDur:     20 * time.Millisecond,
		SourceRate:   8000,
		DriftTarget:  2,
		MaxBurstDrop: 3,
	})

	// 10 frames queued, way over DriftTarget+MaxBurstDrop.
	p.Enqueue(newSilentPCM(160 * 10))

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	time.Sleep(60 * time.Millisecond)
	cancel()
	p.Stop()

	if p.buf.LenFrames() > 9 {
		t.Fatalf("expected backlog to shrink from drops+drain, got %d frames", p.buf.LenFrames())
	}
}
