// Package config loads the voice connector's YAML configuration file into
// a flat, validated Config, via an intermediate yamlConfig struct covering
// the SIP/STT/TTS/VAD/scenario sections this system needs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensips/voice-connector/internal/controller"
	"github.com/opensips/voice-connector/internal/dtmf"
	"github.com/opensips/voice-connector/internal/scenario"
	"github.com/opensips/voice-connector/internal/sipbackend"
	"github.com/opensips/voice-connector/internal/vad"
)

const (
	defaultSIPBindPort = 5060
	defaultTransport   = "udp"
	defaultSTTSampleRate = 16000
	defaultTTSSourceRate = 22050
)

// Config is the fully resolved, validated application configuration.
type Config struct {
	SIP sipbackend.Config

	// EventsListenAddr binds an OpenSIPS event-socket UDP listener when
	// non-empty; left empty, this system relies solely on direct SIP
	// signaling for call teardown.
	EventsListenAddr string

	STTURL string
	TTSURL string
	Voice  string

	Controller controller.Config
	Scenario   scenario.Config

	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

type yamlConfig struct {
	SIP struct {
		ListenAddr     string `yaml:"listen_addr"`
		Transport      string `yaml:"transport"`
		PublicIP       string `yaml:"public_ip"`
		AuthUser       string `yaml:"auth_user"`
		AuthPassword   string `yaml:"auth_password"`
		MaxActiveCalls    int64   `yaml:"max_active_calls"`
		MaxCallsPerSecond float64 `yaml:"max_calls_per_second"`
		EventsListenAddr  string  `yaml:"events_listen_addr"`
	} `yaml:"sip"`

	Speech struct {
		STTURL               string `yaml:"stt_url"`
		TTSURL               string `yaml:"tts_url"`
		Voice                string `yaml:"voice"`
		SpeechTimeout        string `yaml:"speech_timeout"`
		SilenceTimeout       string `yaml:"silence_timeout"`
		StalePartialTimeout  string `yaml:"stale_partial_timeout"`
		BargeInThreshold     string `yaml:"barge_in_threshold"`
		SentenceMaxChars     int    `yaml:"sentence_max_chars"`
	} `yaml:"speech"`

	VAD struct {
		BufferDurationMs int     `yaml:"buffer_duration_ms"`
		SilenceRMSFloor  float64 `yaml:"silence_rms_floor"`
		BargeInRMS       float64 `yaml:"barge_in_rms"`
	} `yaml:"vad"`

	DTMF struct {
		ToneDurationMs  int `yaml:"tone_duration_ms"`
		PauseDurationMs int `yaml:"pause_duration_ms"`
		PreDelayMs      int `yaml:"pre_delay_ms"`
		PostDelayMs     int `yaml:"post_delay_ms"`
	} `yaml:"dtmf"`

	Logging struct {
		Path       string `yaml:"path"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
}

// Load reads and validates the YAML file at path, applying defaults first
// and then overriding them with whatever the file specifies.
func Load(path string) (Config, error) {
	cfg := Config{
		SIP: sipbackend.Config{
			ListenAddr: fmt.Sprintf("0.0.0.0:%d", defaultSIPBindPort),
			Transport:  defaultTransport,
		},
		Controller: controller.DefaultConfig(),
		Scenario:   scenario.DefaultConfig(),
		LogMaxSizeMB:  100,
		LogMaxBackups: 5,
		LogMaxAgeDays: 28,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("config: parsing yaml: %w", err)
	}

	if yc.SIP.ListenAddr != "" {
		cfg.SIP.ListenAddr = yc.SIP.ListenAddr
	}
	if yc.SIP.Transport != "" {
		cfg.SIP.Transport = strings.ToLower(yc.SIP.Transport)
	}
	if cfg.SIP.Transport != "udp" && cfg.SIP.Transport != "tcp" {
		return Config{}, fmt.Errorf("config: sip.transport must be 'udp' or 'tcp', got %q", cfg.SIP.Transport)
	}
	if yc.SIP.PublicIP == "" {
		return Config{}, errors.New("config: sip.public_ip is required")
	}
	cfg.SIP.PublicIP = yc.SIP.PublicIP
	cfg.SIP.AuthUser = yc.SIP.AuthUser
	cfg.SIP.AuthPassword = yc.SIP.AuthPassword
	if (cfg.SIP.AuthUser == "") != (cfg.SIP.AuthPassword == "") {
		return Config{}, errors.New("config: sip.auth_user and sip.auth_password must be set together")
	}
	if yc.SIP.MaxActiveCalls > 0 {
		cfg.SIP.MaxActiveCalls = yc.SIP.MaxActiveCalls
	}
	if yc.SIP.MaxCallsPerSecond > 0 {
		cfg.SIP.MaxCallsPerSecond = yc.SIP.MaxCallsPerSecond
	}
	cfg.EventsListenAddr = yc.SIP.EventsListenAddr

	if yc.Speech.STTURL == "" {
		return Config{}, errors.New("config: speech.stt_url is required")
	}
	cfg.STTURL = yc.Speech.STTURL
	cfg.Controller.STTURL = yc.Speech.STTURL

	if yc.Speech.TTSURL == "" {
		return Config{}, errors.New("config: speech.tts_url is required")
	}
	cfg.TTSURL = yc.Speech.TTSURL
	cfg.Controller.TTSURL = yc.Speech.TTSURL

	cfg.Voice = yc.Speech.Voice
	cfg.Controller.Voice = yc.Speech.Voice
	cfg.Controller.STTSampleRate = defaultSTTSampleRate
	cfg.Controller.TTSSourceRate = defaultTTSSourceRate

	if err := parseDurationField("speech.speech_timeout", yc.Speech.SpeechTimeout, &cfg.Controller.Session.SpeechTimeout); err != nil {
		return Config{}, err
	}
	if err := parseDurationField("speech.silence_timeout", yc.Speech.SilenceTimeout, &cfg.Controller.Session.SilenceTimeout); err != nil {
		return Config{}, err
	}
	if err := parseDurationField("speech.stale_partial_timeout", yc.Speech.StalePartialTimeout, &cfg.Controller.Session.StalePartialTimeout); err != nil {
		return Config{}, err
	}
	if err := parseDurationField("speech.barge_in_threshold", yc.Speech.BargeInThreshold, &cfg.Controller.Session.BargeInThreshold); err != nil {
		return Config{}, err
	}
	if yc.Speech.SentenceMaxChars > 0 {
		cfg.Controller.Session.SentenceMaxChars = yc.Speech.SentenceMaxChars
	}

	if yc.VAD.BufferDurationMs > 0 {
		cfg.Controller.VAD.BufferDuration = time.Duration(yc.VAD.BufferDurationMs) * time.Millisecond
	} else {
		cfg.Controller.VAD = vad.DefaultConfig()
	}
	if yc.VAD.SilenceRMSFloor > 0 {
		cfg.Controller.VAD.SilenceRMSFloor = yc.VAD.SilenceRMSFloor
	}
	if yc.VAD.BargeInRMS > 0 {
		cfg.Controller.VAD.BargeInRMS = yc.VAD.BargeInRMS
	}

	timing := dtmf.DefaultTiming()
	if yc.DTMF.ToneDurationMs > 0 {
		timing.ToneDuration = time.Duration(yc.DTMF.ToneDurationMs) * time.Millisecond
	}
	if yc.DTMF.PauseDurationMs > 0 {
		timing.PauseDuration = time.Duration(yc.DTMF.PauseDurationMs) * time.Millisecond
	}
	if yc.DTMF.PreDelayMs > 0 {
		timing.PreDelay = time.Duration(yc.DTMF.PreDelayMs) * time.Millisecond
	}
	if yc.DTMF.PostDelayMs > 0 {
		timing.PostDelay = time.Duration(yc.DTMF.PostDelayMs) * time.Millisecond
	}
	if err := timing.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: dtmf timing: %w", err)
	}
	cfg.Scenario.DTMFTiming = timing

	cfg.LogPath = yc.Logging.Path
	if yc.Logging.MaxSizeMB > 0 {
		cfg.LogMaxSizeMB = yc.Logging.MaxSizeMB
	}
	if yc.Logging.MaxBackups > 0 {
		cfg.LogMaxBackups = yc.Logging.MaxBackups
	}
	if yc.Logging.MaxAgeDays > 0 {
		cfg.LogMaxAgeDays = yc.Logging.MaxAgeDays
	}

	return cfg, nil
}

func parseDurationField(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}
