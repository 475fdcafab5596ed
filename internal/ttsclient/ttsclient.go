// Package ttsclient streams synthesized speech from a Piper-protocol
// WebSocket TTS backend: send a JSON synthesis request, receive a JSON
// "start" control message, then a stream of binary PCM16LE audio chunks
// terminated by a JSON "end" (or "error") control message. It uses
// github.com/gorilla/websocket (the same library this system's sttclient
// uses), with Go's channel-based streaming standing in for a generator
// that yields audio chunks as they arrive, and supports mid-synthesis
// interruption for barge-in.
package ttsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Config describes one TTS backend connection.
type Config struct {
	URL         string
	ReadTimeout time.Duration
}

type synthesisRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Client drives one TTS synthesis request at a time: Synthesize dials a
// fresh connection per utterance rather than multiplexing utterances over
// one long-lived socket.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	return &Client{cfg: cfg, logger: logger.With("component", "ttsclient")}
}

// Synthesize requests speech for text/voice and streams back raw PCM16LE
// chunks, in whatever sample rate the TTS backend produces (the caller
// resamples/encodes downstream). The returned channel is closed when
// synthesis completes, the backend reports an error, or ctx is cancelled
// (the caller's interrupt path). errc receives at most one error.
func (c *Client) Synthesize(ctx context.Context, text, voice string) (<-chan []byte, <-chan error) {
	audio := make(chan []byte, 16)
	errc := make(chan error, 1)

	go func() {
		defer close(audio)
		defer close(errc)

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			errc <- fmt.Errorf("ttsclient: dial %s: %w", c.cfg.URL, err)
			return
		}
		defer conn.Close()

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		req := synthesisRequest{Text: text, Voice: voice}
		if err := conn.WriteJSON(req); err != nil {
			errc <- fmt.Errorf("ttsclient: send request: %w", err)
			return
		}

		for {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
			mt, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return
				}
				errc <- fmt.Errorf("ttsclient: read: %w", err)
				return
			}

			switch mt {
			case websocket.BinaryMessage:
				select {
				case audio <- data:
				case <-ctx.Done():
					return
				}
			case websocket.TextMessage:
				var ctl controlMessage
				if err := json.Unmarshal(data, &ctl); err != nil {
					c.logger.Debug("tts: non-json control message", "error", err)
					continue
				}
				switch ctl.Type {
				case "start", "connected", "audio_start":
					c.logger.Debug("tts stream started", "message", ctl.Message)
				case "end", "audio_end":
					return
				case "error":
					errc <- fmt.Errorf("ttsclient: backend error: %s", ctl.Message)
					return
				default:
					c.logger.Debug("tts: unhandled control message", "type", ctl.Type)
				}
			}
		}
	}()

	return audio, errc
}
