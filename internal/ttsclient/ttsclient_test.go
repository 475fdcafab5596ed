package ttsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newFakeTTSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		handler(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSynthesizeStreamsAudioThenCloses(t *testing.T) {
	srv := newFakeTTSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var req synthesisRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(controlMessage{Type: "start"})
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4})
		conn.WriteMessage(websocket.BinaryMessage, []byte{5, 6, 7, 8})
		conn.WriteJSON(controlMessage{Type: "end"})
	})
	defer srv.Close()

	c := New(Config{URL: wsURL(srv), ReadTimeout: 2 * time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	audio, errc := c.Synthesize(ctx, "hello world", "voice-a")

	var chunks [][]byte
	for chunk := range audio {
		chunks = append(chunks, chunk)
	}
	if err := <-errc; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 audio chunks, got %d", len(chunks))
	}
}

func TestSynthesizePropagatesBackendError(t *testing.T) {
	srv := newFakeTTSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var req synthesisRequest
		conn.ReadJSON(&req)
		conn.WriteJSON(controlMessage{Type: "error", Message: "voice not found"})
	})
	defer srv.Close()

	c := New(Config{URL: wsURL(srv), ReadTimeout: 2 * time.Second}, nil)
	audio, errc := c.Synthesize(context.Background(), "hi", "missing-voice")

	for range audio {
	}
	err := <-errc
	if err == nil || !strings.Contains(err.Error(), "voice not found") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestSynthesizeStopsOnContextCancel(t *testing.T) {
	started := make(chan struct{})
	srv := newFakeTTSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var req synthesisRequest
		conn.ReadJSON(&req)
		conn.WriteJSON(controlMessage{Type: "start"})
		close(started)
		conn.WriteMessage(websocket.BinaryMessage, []byte{9, 9})
		time.Sleep(2 * time.Second)
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 1})
	})
	defer srv.Close()

	c := New(Config{URL: wsURL(srv), ReadTimeout: 5 * time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	audio, errc := c.Synthesize(ctx, "long text", "voice-a")

	<-started
	<-audio // consume the first chunk
	cancel()

	for range audio {
	}
	<-errc
}
