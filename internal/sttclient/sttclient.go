// Package sttclient talks to a streaming speech-to-text backend (a Vosk-
// protocol WebSocket server) on behalf of one call's speech session: send a
// JSON config frame, stream raw PCM16 audio frames, and receive partial/final
// transcription results as JSON messages (JSON config, binary audio frames,
// {"eof":1} to flush, JSON {"partial":...}/{"text":...} results).
//
// It drives github.com/gorilla/websocket with a websocket.Dialer (10s
// handshake timeout) via DialContext, and WriteJSON/ReadMessage, and uses a read-deadline-based timeout instead of
// context-aware reads, since gorilla/websocket's Conn has no context
// parameter on its read path.
package sttclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config describes one STT backend connection.
type Config struct {
	URL         string
	SampleRate  int
	ReadTimeout time.Duration
}

// Result is one decoded message from the STT backend.
type Result struct {
	Partial string
	Final   string
	EOF     bool
}

type wireResult struct {
	Partial string `json:"partial"`
	Text    string `json:"text"`
	EOF     int    `json:"eof"`
}

// Client is a single streaming session against the STT backend. It is not
// safe for concurrent use by more than one reader and one writer goroutine;
// one speech session owns one STT connection at a time.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	return &Client{cfg: cfg, logger: logger.With("component", "sttclient")}
}

// Connect dials the STT backend and sends the initial sample-rate config.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("sttclient: dial %s: %w", c.cfg.URL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	config := map[string]any{
		"config": map[string]any{
			"sample_rate": c.cfg.SampleRate,
		},
	}
	if err := c.writeJSON(config); err != nil {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		return err
	}
	c.logger.Info("stt connected", "url", c.cfg.URL, "sample_rate", c.cfg.SampleRate)
	return nil
}

// MaxReconnectAttempts bounds ConnectWithRetry before it gives up and
// reports the session unrecoverable.
const MaxReconnectAttempts = 5

// ConnectWithRetry retries Connect with exponential backoff
// (min(2^attempt, 10s) seconds), giving up after MaxReconnectAttempts.
func (c *Client) ConnectWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= MaxReconnectAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			c.logger.Info("stt reconnecting", "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := c.Connect(ctx); err != nil {
			lastErr = err
			c.logger.Warn("stt connect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("sttclient: giving up after %d attempts: %w", MaxReconnectAttempts, lastErr)
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) writeJSON(v any) error {
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("sttclient: write: %w", err)
	}
	return nil
}

// SendAudio streams one PCM16LE chunk to the backend.
func (c *Client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("sttclient: not connected")
	}
	if len(pcm) == 0 {
		return nil
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		c.markDisconnected()
		return fmt.Errorf("sttclient: send audio: %w", err)
	}
	return nil
}

// SendEOF tells the backend to finalize the current utterance.
func (c *Client) SendEOF() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("sttclient: not connected")
	}
	if err := conn.WriteJSON(map[string]int{"eof": 1}); err != nil {
		c.markDisconnected()
		return fmt.Errorf("sttclient: send eof: %w", err)
	}
	return nil
}

// ReceiveResult blocks until one result arrives or ReadTimeout elapses, in
// which case it returns (Result{}, nil) to signal "no result yet" rather
// than an error.
func (c *Client) ReceiveResult() (Result, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return Result{}, fmt.Errorf("sttclient: not connected")
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return Result{}, nil
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.markDisconnected()
			return Result{}, nil
		}
		c.markDisconnected()
		return Result{}, fmt.Errorf("sttclient: read: %w", err)
	}

	var wr wireResult
	if err := json.Unmarshal(data, &wr); err != nil {
		c.logger.Debug("stt: non-json or unparseable message", "error", err)
		return Result{}, nil
	}
	return Result{Partial: wr.Partial, Final: wr.Text, EOF: wr.EOF == 1}, nil
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

// Close closes the underlying WebSocket connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}
