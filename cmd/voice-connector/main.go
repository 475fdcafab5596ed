// Command voice-connector runs the SIP/RTP-to-speech-microservice bridge:
// it accepts inbound INVITEs from OpenSIPS, negotiates G.711, and wires
// each admitted call to an STT/TTS-driven speech session.
//
// Flags are parsed with spf13/pflag; everything else comes from the YAML
// config file they point at. Startup builds the controller, SIP backend,
// and optional OpenSIPS event listener, then runs until SIGINT triggers a
// graceful shutdown via signal.NotifyContext.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opensips/voice-connector/internal/config"
	"github.com/opensips/voice-connector/internal/controller"
	"github.com/opensips/voice-connector/internal/sipbackend"
	"github.com/opensips/voice-connector/internal/sipevents"
	"github.com/opensips/voice-connector/internal/speechsession"
)

func main() {
	var configPath string
	var logLevel string
	pflag.StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	logger := newLogger(logLevel)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("config error", "error", err)
		os.Exit(1)
	}

	if cfg.LogPath != "" {
		logger = slog.New(slog.NewJSONHandler(&lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}, &slog.HandlerOptions{Level: parseLevel(logLevel)}))
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ctl := controller.New(logger, cfg.Controller, speechsession.StubResponder())

	backend, err := sipbackend.New(cfg.SIP, logger, ctl.HandleCall)
	if err != nil {
		logger.Error("sip backend init failed", "error", err)
		os.Exit(1)
	}

	var events *sipevents.Listener
	if cfg.EventsListenAddr != "" {
		events = sipevents.New(logger, sipevents.Config{ListenAddr: cfg.EventsListenAddr}, sipevents.Handler{
			OnCallEnd: func(ev sipevents.Event) {
				logger.Info("opensips reported call end", "call_id", ev.CallID, "reason", ev.Reason)
				backend.HangupCall(ev.CallID, ev.Reason)
			},
		})
		if err := events.Start(ctx); err != nil {
			logger.Error("opensips event listener init failed", "error", err)
			os.Exit(1)
		}
		defer events.Stop()
	}

	logger.Info("voice connector starting", "listen_addr", cfg.SIP.ListenAddr, "stt_url", cfg.STTURL, "tts_url", cfg.TTSURL)

	if err := backend.Start(ctx); err != nil {
		logger.Error("sip backend stopped with error", "error", err)
		backend.Stop()
		os.Exit(1)
	}

	logger.Info("shutting down")
	backend.Stop()
	logger.Info("shutdown complete")
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
