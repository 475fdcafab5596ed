package speechsession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensips/voice-connector/internal/audio"
	"github.com/opensips/voice-connector/internal/sttclient"
	"github.com/opensips/voice-connector/internal/vad"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newFakeSTTServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type stubSynth struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubSynth) Synthesize(ctx context.Context, text, voice string) (<-chan []byte, <-chan error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	s.mu.Unlock()

	audio := make(chan []byte, 1)
	errc := make(chan error, 1)
	audio <- make([]byte, 320) // 160 samples of PCM16 silence
	close(audio)
	close(errc)
	return audio, errc
}

type stubPacer struct {
	mu        sync.Mutex
	enqueued  int
	speaking  bool
	interrupt int
}

func (p *stubPacer) Enqueue(pcm audio.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued++
	p.speaking = true
}
func (p *stubPacer) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupt++
	p.speaking = false
}
func (p *stubPacer) Reset() {}
func (p *stubPacer) IsSpeaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

func newTestSession(t *testing.T, sttHandler func(*websocket.Conn), responder Responder, pacer Pacer) (*Session, *stubSynth, *httptest.Server) {
	t.Helper()
	srv := newFakeSTTServer(t, sttHandler)

	stt := sttclient.New(sttclient.Config{URL: wsURL(srv), SampleRate: 16000, ReadTimeout: 100 * time.Millisecond}, nil)
	synth := &stubSynth{}
	vadEngine := vad.NewEngine(vad.DefaultConfig(), 8000, nil)

	cfg := DefaultConfig()
	cfg.MonitorInterval = 20 * time.Millisecond
	cfg.StalePartialTimeout = 60 * time.Millisecond
	cfg.SourceRate = 8000

	s := New(nil, "call-1", cfg, stt, synth, pacer, vadEngine, responder)
	return s, synth, srv
}

func TestFinalTranscriptDrivesResponseAndTTS(t *testing.T) {
	done := make(chan struct{})
	srv := newFakeSTTServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var cfg map[string]any
		conn.ReadJSON(&cfg)
		conn.ReadMessage() // audio frame
		conn.WriteJSON(map[string]string{"text": "hello there."})
		<-done
	})
	defer srv.Close()

	stt := sttclient.New(sttclient.Config{URL: wsURL(srv), SampleRate: 16000, ReadTimeout: 50 * time.Millisecond}, nil)
	synth := &stubSynth{}
	pacer := &stubPacer{}
	vadEngine := vad.NewEngine(vad.DefaultConfig(), 8000, nil)

	responded := make(chan string, 1)
	responder := ResponderFunc(func(ctx context.Context, callID, text string) (<-chan string, error) {
		responded <- text
		ch := make(chan string, 1)
		ch <- "an answer."
		close(ch)
		return ch, nil
	})

	cfg := DefaultConfig()
	cfg.SourceRate = 8000
	s := New(nil, "call-1", cfg, stt, synth, pacer, vadEngine, responder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		close(done)
		s.Stop()
	}()

	s.PushAudio(make(audio.Sample, 160), time.Now())

	select {
	case text := <-responded:
		if text != "hello there." {
			t.Fatalf("responder got %q, want %q", text, "hello there.")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for responder to be invoked")
	}

	deadline := time.After(2 * time.Second)
	for {
		if pacer.enqueued > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for synthesized audio to reach the pacer")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStalePartialPromotesToFinal(t *testing.T) {
	srv := newFakeSTTServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var cfg map[string]any
		conn.ReadJSON(&cfg)
		conn.WriteJSON(map[string]string{"partial": "hi"})
		time.Sleep(500 * time.Millisecond)
	})
	defer srv.Close()

	stt := sttclient.New(sttclient.Config{URL: wsURL(srv), SampleRate: 16000, ReadTimeout: 50 * time.Millisecond}, nil)
	synth := &stubSynth{}
	pacer := &stubPacer{}
	vadEngine := vad.NewEngine(vad.DefaultConfig(), 8000, nil)

	finalized := make(chan string, 1)
	responder := ResponderFunc(func(ctx context.Context, callID, text string) (<-chan string, error) {
		finalized <- text
		ch := make(chan string)
		close(ch)
		return ch, nil
	})

	cfg := DefaultConfig()
	cfg.SourceRate = 8000
	cfg.StalePartialTimeout = 50 * time.Millisecond
	cfg.MonitorInterval = 10 * time.Millisecond
	s := New(nil, "call-2", cfg, stt, synth, pacer, vadEngine, responder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case text := <-finalized:
		if text != "hi" {
			t.Fatalf("expected stale partial %q promoted to final, got %q", "hi", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stale partial to promote")
	}
}

func TestBargeInInterruptsTTS(t *testing.T) {
	srv := newFakeSTTServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var cfg map[string]any
		conn.ReadJSON(&cfg)
		time.Sleep(time.Second)
	})
	defer srv.Close()

	stt := sttclient.New(sttclient.Config{URL: wsURL(srv), SampleRate: 16000, ReadTimeout: 50 * time.Millisecond}, nil)
	synth := &stubSynth{}
	pacer := &stubPacer{speaking: true}
	vadEngine := vad.NewEngine(vad.DefaultConfig(), 8000, nil)

	cfg := DefaultConfig()
	cfg.SourceRate = 8000
	cfg.BargeInThreshold = 30 * time.Millisecond
	s := New(nil, "call-3", cfg, stt, synth, pacer, vadEngine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	s.setState(StateResponding)

	now := time.Now()
	loud := make(audio.Sample, 800)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 20000
		} else {
			loud[i] = -20000
		}
	}

	for i := 0; i < 10; i++ {
		s.PushAudio(loud, now.Add(time.Duration(i)*20*time.Millisecond))
	}

	if pacer.interrupt == 0 {
		t.Fatal("expected barge-in to call Interrupt on the pacer")
	}
	if s.State() != StateListening {
		t.Fatalf("expected state listening after barge-in, got %v", s.State())
	}
}

func TestResultZeroValueComparesEqual(t *testing.T) {
	var r sttclient.Result
	data, _ := json.Marshal(map[string]string{})
	_ = data
	if r != (sttclient.Result{}) {
		t.Fatal("expected zero value result to compare equal")
	}
}
