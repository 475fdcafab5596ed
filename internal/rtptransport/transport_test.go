package rtptransport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func mustNew(t *testing.T) *Transport {
	t.Helper()
	tr, err := New(nil, "127.0.0.1", 0, 8000, 160)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func TestSendFrameIncrementsSequenceAndTimestamp(t *testing.T) {
	sender := mustNew(t)
	receiver := mustNew(t)
	if err := sender.SetRemote("127.0.0.1", receiver.LocalPort()); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}

	var mu sync.Mutex
	var received []*rtp.Header
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	receiver.Start(ctx, 0, func(h *rtp.Header, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		hc := *h
		received = append(received, &hc)
	})

	payload := make([]byte, 160)
	for i := 0; i < 3; i++ {
		if err := sender.SendFrame(0, payload, false); err != nil {
			t.Fatalf("SendFrame: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for packets, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, h := range received {
		wantSeq := uint16(i)
		if h.SequenceNumber != wantSeq {
			t.Fatalf("packet %d: seq = %d want %d", i, h.SequenceNumber, wantSeq)
		}
		wantTS := uint32(i * 160)
		if h.Timestamp != wantTS {
			t.Fatalf("packet %d: timestamp = %d want %d", i, h.Timestamp, wantTS)
		}
	}
}

func TestRelearnRemoteFromInboundPacket(t *testing.T) {
	a := mustNew(t)
	b := mustNew(t)

	// a declares the wrong port initially, simulating stale/NAT'd SDP.
	if err := a.SetRemote("127.0.0.1", 1); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}
	if err := b.SetRemote("127.0.0.1", a.LocalPort()); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	got := make(chan struct{})
	a.Start(ctx, 0, func(h *rtp.Header, payload []byte) {
		once.Do(func() { close(got) })
	})

	if err := b.SendFrame(0, make([]byte, 160), false); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound packet")
	}

	if a.remoteAddr().Port != b.LocalPort() {
		t.Fatalf("expected remote relearned to %d, got %d", b.LocalPort(), a.remoteAddr().Port)
	}
}

func TestPacketFromUnexpectedSourceDroppedAfterLearning(t *testing.T) {
	a := mustNew(t)
	b := mustNew(t)
	c := mustNew(t)

	if err := b.SetRemote("127.0.0.1", a.LocalPort()); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}
	if err := c.SetRemote("127.0.0.1", a.LocalPort()); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var count int
	a.Start(ctx, 0, func(h *rtp.Header, payload []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	if err := b.SendFrame(0, make([]byte, 160), false); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := count
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for b's packet to be learned")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := c.SendFrame(0, make([]byte, 160), false); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected c's packet from an unlearned source to be dropped, handler called %d times", count)
	}
	if a.remoteAddr().Port != b.LocalPort() {
		t.Fatalf("expected remote to stay learned as b's port %d, got %d", b.LocalPort(), a.remoteAddr().Port)
	}
}

func TestExactlyTwelveByteHeaderWithEmptyPayloadAccepted(t *testing.T) {
	sender := mustNew(t)
	receiver := mustNew(t)
	if err := sender.SetRemote("127.0.0.1", receiver.LocalPort()); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}

	got := make(chan []byte, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	receiver.Start(ctx, 0, func(h *rtp.Header, payload []byte) {
		got <- payload
	})

	if err := sender.SendFrame(0, []byte{}, false); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	select {
	case payload := <-got:
		if len(payload) != 0 {
			t.Fatalf("expected empty payload, got %d bytes", len(payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a bare 12-byte rtp packet to be delivered")
	}
}

func TestSendFrameFailsWithoutRemote(t *testing.T) {
	tr := mustNew(t)
	if err := tr.SendFrame(0, make([]byte, 160), false); err == nil {
		t.Fatalf("expected error sending without a remote endpoint set")
	}
}
