// Package controller is the Call Controller: it owns one call's
// end-to-end wiring once the SIP Backend has admitted it, spawning the
// rtp_rx task (decode inbound RTP, feed the speech session), starting the
// TTS Pacer's rtp_tx task, and the speech session's own stt_rx/tts_driver/
// vad_timeout tasks, then joining all of them on hangup.
package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/pion/rtp"

	"github.com/opensips/voice-connector/internal/audio"
	"github.com/opensips/voice-connector/internal/sipbackend"
	"github.com/opensips/voice-connector/internal/speechsession"
	"github.com/opensips/voice-connector/internal/sttclient"
	"github.com/opensips/voice-connector/internal/ttsclient"
	"github.com/opensips/voice-connector/internal/ttspacer"
	"github.com/opensips/voice-connector/internal/vad"
)

// Config configures the speech microservice endpoints and tuning that
// apply to every call the controller handles.
type Config struct {
	STTURL        string
	TTSURL        string
	Voice         string
	STTSampleRate int // 16000 per the ASR adapter contract
	TTSSourceRate int // native PCM rate the TTS backend synthesizes at, e.g. 22050

	Session speechsession.Config
	VAD     vad.Config
}

func DefaultConfig() Config {
	return Config{
		STTSampleRate: 16000,
		TTSSourceRate: 22050,
		Session:       speechsession.DefaultConfig(),
		VAD:           vad.DefaultConfig(),
	}
}

// Controller builds sipbackend.CallHandler closures that wire up one call's
// full media/speech stack.
type Controller struct {
	cfg       Config
	logger    *slog.Logger
	responder speechsession.Responder
}

func New(logger *slog.Logger, cfg Config, responder speechsession.Responder) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{cfg: cfg, logger: logger.With("component", "controller"), responder: responder}
}

// HandleCall is a sipbackend.CallHandler: it runs for the lifetime of one
// admitted SIP call, returning only once every per-call task has stopped.
func (c *Controller) HandleCall(ctx context.Context, call *sipbackend.Call) {
	logger := c.logger.With("call_id", call.CallID())
	logger.Info("call controller taking over call")

	transport := call.Transport()
	negotiated := call.Codec
	codec, err := audio.CodecByName(negotiated.Name)
	if err != nil {
		logger.Error("call controller: unsupported negotiated codec", "error", err)
		call.Hangup("unsupported-codec")
		return
	}

	sttCfg := sttclient.Config{URL: c.cfg.STTURL, SampleRate: c.cfg.STTSampleRate}
	sttClient := sttclient.New(sttCfg, logger)

	ttsClient := ttsclient.New(ttsclient.Config{URL: c.cfg.TTSURL}, logger)

	pacer := ttspacer.New(logger, transport, ttspacer.Config{
		Codec:       codec,
		PayloadType: uint8(negotiated.PayloadType),
		ClockRate:   negotiated.ClockRate,
		FrameDur:    20 * time.Millisecond,
		SourceRate:  c.cfg.TTSSourceRate,
	})

	vadEngine := vad.NewEngine(c.cfg.VAD, negotiated.ClockRate, nil)

	sessionCfg := c.cfg.Session
	sessionCfg.SampleRate = c.cfg.STTSampleRate
	sessionCfg.SourceRate = negotiated.ClockRate
	sessionCfg.Voice = c.cfg.Voice

	session := speechsession.New(logger, call.CallID(), sessionCfg, sttClient, ttsClient, pacer, vadEngine, c.responder)
	session.OnFatal = func(err error) {
		logger.Error("speech session unrecoverable, hanging up call", "error", err)
		call.Hangup("stt-unrecoverable")
	}

	pacer.Start(ctx)
	defer pacer.Stop()

	if err := session.Start(ctx); err != nil {
		logger.Error("failed to start speech session", "error", err)
		call.Hangup("speech-session-start-failed")
		return
	}
	defer session.Stop()

	transport.Start(ctx, uint8(negotiated.PayloadType), func(header *rtp.Header, payload []byte) {
		pcm := codec.Decode(payload)
		session.PushAudio(pcm, time.Now())
	})

	<-ctx.Done()
	logger.Info("call controller: call ended")
}
