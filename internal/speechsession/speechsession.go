// Package speechsession is the stateful brain of one call: it drives the
// STT adapter, the partial/final transcript FSM, the speech/silence/stale
// -partial watchdog, barge-in detection, and the response-to-TTS pipeline
// (sentence aggregation, synthesis, and handoff to the RTP pacer).
//
// The watchdog polls every MonitorInterval (default 500ms) for speech/
// silence/stale-partial timeouts, and barge-in uses a pending/since pair to
// debounce short blips before interrupting TTS. Concurrency is one
// context-cancel plus sync.WaitGroup per call. The response step behind a
// committed final transcript is a pluggable Responder interface rather
// than a concrete LLM client, since nothing in this system's dependency
// set names one; StubResponder below is a placeholder that picks from a
// small set of canned acknowledgements.
package speechsession

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opensips/voice-connector/internal/audio"
	"github.com/opensips/voice-connector/internal/sttclient"
	"github.com/opensips/voice-connector/internal/transcript"
	"github.com/opensips/voice-connector/internal/vad"
)

// State is the transcript FSM's coarse state, per the session's
// IDLE -> LISTENING -> RESPONDING -> LISTENING cycle (with a direct
// RESPONDING -> LISTENING edge on barge-in).
type State int

const (
	StateIdle State = iota
	StateListening
	StateResponding
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateResponding:
		return "responding"
	default:
		return "idle"
	}
}

// Responder is the narrow "respond(call_id, text) -> text_stream"
// interface the session feeds each committed final transcript through. The
// session does not interpret the text it gets back; it only aggregates it
// into sentences and hands those to the Synthesizer.
type Responder interface {
	Respond(ctx context.Context, callID, text string) (<-chan string, error)
}

// ResponderFunc adapts a plain function to a Responder.
type ResponderFunc func(ctx context.Context, callID, text string) (<-chan string, error)

func (f ResponderFunc) Respond(ctx context.Context, callID, text string) (<-chan string, error) {
	return f(ctx, callID, text)
}

// StubResponder is a placeholder responder: it echoes back one of a small
// set of canned acknowledgements rather than calling out to a real model.
// Useful as a default so the session is runnable without a Responder wired
// in.
func StubResponder() Responder {
	replies := []string{
		"I understand. Please continue.",
		"Got it, thanks for sharing that.",
		"I see. Tell me more.",
	}
	i := 0
	return ResponderFunc(func(ctx context.Context, callID, text string) (<-chan string, error) {
		reply := replies[i%len(replies)]
		i++
		ch := make(chan string, 1)
		ch <- reply
		close(ch)
		return ch, nil
	})
}

// Synthesizer is the narrow TTS-adapter capability the session drives once
// per aggregated sentence. Satisfied by *ttsclient.Client.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (<-chan []byte, <-chan error)
}

// Pacer is the narrow sink the session enqueues synthesized PCM16 audio
// into. Satisfied by *ttspacer.Pacer.
type Pacer interface {
	Enqueue(pcm audio.Sample)
	Interrupt()
	Reset()
	IsSpeaking() bool
}

// Config tunes one session's timeouts and TTS parameters.
type Config struct {
	// SampleRate is the rate (Hz) the STT adapter expects, per the ASR
	// adapter contract (16000, mono).
	SampleRate int
	// SourceRate is the native rate of audio passed to PushAudio; it's
	// resampled to SampleRate before forwarding to the STT adapter.
	SourceRate int

	SpeechTimeout       time.Duration // default 10s
	SilenceTimeout      time.Duration // default 3s
	StalePartialTimeout time.Duration // default 2.5s
	BargeInThreshold    time.Duration // default 1.5s
	MonitorInterval     time.Duration // default 500ms

	Voice            string
	SentenceMaxChars int // default ~200

	// VADBypass disables barge-in and forced-final-on-timeout behavior
	// driven by the VAD, leaving STT-reported finals and stale-partial
	// promotion to drive the transcript FSM (e.g. for ASR backends with
	// their own endpointing).
	VADBypass bool
}

func DefaultConfig() Config {
	return Config{
		SampleRate:          16000,
		SourceRate:          8000,
		SpeechTimeout:       10 * time.Second,
		SilenceTimeout:      3 * time.Second,
		StalePartialTimeout: 2500 * time.Millisecond,
		BargeInThreshold:    1500 * time.Millisecond,
		MonitorInterval:     500 * time.Millisecond,
		SentenceMaxChars:    200,
	}
}

var sentenceTerminators = ".?!;\n"

// Session is one call's speech brain. Not safe for concurrent use except
// through its documented entry points (PushAudio, Start, Stop), which may
// be called from different goroutines than the internal loops.
type Session struct {
	cfg    Config
	logger *slog.Logger
	callID string

	stt        *sttclient.Client
	tts        Synthesizer
	pacer      Pacer
	vadEngine  *vad.Engine
	transcript *transcript.Handler
	responder  Responder

	mu             sync.Mutex
	state          State
	bargeInPending bool
	bargeInSince   time.Time
	synthCancel    context.CancelFunc

	// OnFatal is invoked (at most once) when the STT session cannot be
	// recovered after exhausting reconnect attempts, signaling the Call
	// Controller that this call is no longer viable.
	OnFatal func(error)

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// finals delivers each committed final transcript to out-of-band
	// consumers (the scenario executor's asr_listen/intent_validate
	// steps) independent of the respondAndSpeak pipeline. Buffered and
	// lossy: a consumer that falls behind sees only the most recent
	// finals, which matches intent_validate's "most recent ASR final"
	// semantics.
	finals chan string
}

func New(logger *slog.Logger, callID string, cfg Config, stt *sttclient.Client, tts Synthesizer, pacer Pacer, vadEngine *vad.Engine, responder Responder) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 500 * time.Millisecond
	}
	if cfg.SentenceMaxChars <= 0 {
		cfg.SentenceMaxChars = 200
	}
	if responder == nil {
		responder = StubResponder()
	}
	s := &Session{
		cfg:        cfg,
		logger:     logger.With("component", "speechsession", "call_id", callID),
		callID:     callID,
		stt:        stt,
		tts:        tts,
		pacer:      pacer,
		vadEngine:  vadEngine,
		responder:  responder,
		transcript: transcript.New(logger),
		state:      StateIdle,
		finals:     make(chan string, 8),
	}
	s.transcript.OnFinal = s.handleFinal
	return s
}

// Start connects the STT adapter and begins the receive/monitor loops.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.stt.ConnectWithRetry(ctx); err != nil {
		cancel()
		return err
	}

	s.setState(StateListening)
	s.wg.Add(2)
	go s.sttRxLoop(ctx)
	go s.monitorLoop(ctx)
	return nil
}

// Stop tears down both loops and closes the STT connection.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.stt.Close()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// PushAudio feeds one chunk of inbound call audio (at cfg.SourceRate) into
// both the STT stream and the VAD engine. Called by the call's rtp_rx task
// for every decoded frame.
func (s *Session) PushAudio(pcm audio.Sample, now time.Time) {
	stt16k := audio.Resample(pcm, s.cfg.SourceRate, s.cfg.SampleRate)
	if err := s.stt.SendAudio(audio.SampleToBytes(nil, stt16k)); err != nil {
		s.logger.Warn("stt send audio failed", "error", err)
	}

	if s.vadEngine == nil {
		return
	}
	processed, isSpeech, _ := s.vadEngine.AddAudio(pcm, now)
	if !processed {
		return
	}
	if !s.cfg.VADBypass {
		s.checkBargeIn(isSpeech, now)
	}
}

// checkBargeIn requires speech to register continuously for
// BargeInThreshold while TTS audio is in flight before an interrupt fires.
// Short blips reset the pending timer rather than triggering.
func (s *Session) checkBargeIn(isSpeech bool, now time.Time) {
	if s.pacer == nil || !s.pacer.IsSpeaking() || !isSpeech {
		s.mu.Lock()
		s.bargeInPending = false
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if !s.bargeInPending {
		s.bargeInPending = true
		s.bargeInSince = now
		s.mu.Unlock()
		return
	}
	elapsed := now.Sub(s.bargeInSince)
	s.mu.Unlock()

	if elapsed >= s.cfg.BargeInThreshold {
		s.triggerBargeIn(now)
	}
}

// triggerBargeIn is a scoped cancellation of TTS only: it cancels the
// in-flight synthesis, drains TTS-originated bytes already queued, clears
// transcript state, and resets the VAD, leaving rtp_tx/rtp_rx/STT running.
func (s *Session) triggerBargeIn(now time.Time) {
	s.logger.Info("barge-in detected, interrupting tts")

	s.mu.Lock()
	if cancel := s.synthCancel; cancel != nil {
		cancel()
	}
	s.bargeInPending = false
	s.state = StateListening
	s.mu.Unlock()

	if s.pacer != nil {
		s.pacer.Interrupt()
	}
	s.transcript.Clear()
	if s.vadEngine != nil {
		s.vadEngine.NotifyTTSStop(now)
		s.vadEngine.Reset(false, now)
	}
}

func (s *Session) sttRxLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := s.stt.ReceiveResult()
		if err != nil {
			s.logger.Warn("stt receive failed, attempting reconnect", "error", err)
			if rerr := s.stt.ConnectWithRetry(ctx); rerr != nil {
				s.logger.Error("stt reconnect exhausted, call is unrecoverable", "error", rerr)
				if s.OnFatal != nil {
					s.OnFatal(rerr)
				}
				return
			}
			continue
		}
		if result == (sttclient.Result{}) {
			continue // read timeout, no result yet
		}
		now := time.Now()
		if result.Partial != "" {
			s.transcript.HandlePartial(result.Partial, now)
		}
		if result.Final != "" {
			s.transcript.HandleFinal(result.Final)
		}
	}
}

func (s *Session) monitorLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if s.State() != StateListening {
				continue
			}
			if s.transcript.HasStalePartial(s.cfg.StalePartialTimeout) {
				if partial := s.transcript.LastPartial(); len(partial) >= 2 {
					s.logger.Info("promoting stale partial to final", "text", partial)
					s.transcript.HandleFinal(partial)
					continue
				}
			}
			if s.vadEngine == nil || s.cfg.VADBypass {
				continue
			}
			if s.vadEngine.HasSpeechTimeout(now, s.cfg.SpeechTimeout) {
				s.logger.Info("speech timeout, forcing final")
				s.transcript.HandleFinal(s.transcript.LastPartial())
			} else if s.vadEngine.HasSilenceTimeout(now, s.cfg.SilenceTimeout) {
				s.logger.Info("silence timeout, forcing final")
				s.transcript.HandleFinal(s.transcript.LastPartial())
			}
		}
	}
}

// handleFinal is transcript.Handler's OnFinal hook: it commits the
// transcript, transitions LISTENING -> RESPONDING, and drives the
// responder/TTS pipeline in its own goroutine so the STT receive loop
// isn't blocked on synthesis.
func (s *Session) handleFinal(text string) {
	s.setState(StateResponding)
	select {
	case s.finals <- text:
	default:
		<-s.finals
		s.finals <- text
	}
	s.wg.Add(1)
	go s.respondAndSpeak(text)
}

// WaitFinal blocks until the next committed final transcript is available
// on the finals channel or ctx is done, satisfying scenario.FinalWaiter by
// duck typing so this package need not import the scenario package.
func (s *Session) WaitFinal(ctx context.Context) (string, bool) {
	select {
	case text := <-s.finals:
		return text, true
	default:
	}
	select {
	case text := <-s.finals:
		return text, true
	case <-ctx.Done():
		return "", false
	}
}

func (s *Session) respondAndSpeak(text string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.state == StateResponding {
			s.state = StateListening
		}
		s.synthCancel = nil
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.synthCancel = cancel
	s.mu.Unlock()
	defer cancel()

	if s.pacer != nil {
		s.pacer.Reset()
	}

	tokens, err := s.responder.Respond(ctx, s.callID, text)
	if err != nil {
		s.logger.Error("responder failed", "error", err)
		return
	}

	if s.vadEngine != nil {
		s.vadEngine.NotifyTTSStart()
	}
	defer func() {
		if s.vadEngine != nil {
			s.vadEngine.NotifyTTSStop(time.Now())
		}
	}()

	var sentenceBuf strings.Builder
	speak := func(sentence string) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			return
		}
		s.synthesizeSentence(ctx, sentence)
	}

	for token := range tokens {
		sentenceBuf.WriteString(token)
		for {
			buffered := sentenceBuf.String()
			idx := strings.IndexAny(buffered, sentenceTerminators)
			if idx < 0 {
				if len(buffered) >= s.cfg.SentenceMaxChars {
					speak(buffered)
					sentenceBuf.Reset()
				}
				break
			}
			speak(buffered[:idx+1])
			sentenceBuf.Reset()
			sentenceBuf.WriteString(buffered[idx+1:])
		}
		if ctx.Err() != nil {
			return
		}
	}
	speak(sentenceBuf.String())
}

func (s *Session) synthesizeSentence(ctx context.Context, sentence string) {
	if s.tts == nil || s.pacer == nil {
		return
	}
	audioCh, errc := s.tts.Synthesize(ctx, sentence, s.cfg.Voice)
	for chunk := range audioCh {
		s.pacer.Enqueue(audio.BytesToSample(nil, chunk))
	}
	if err := <-errc; err != nil && ctx.Err() == nil {
		s.logger.Warn("tts synthesis failed", "error", err, "sentence", sentence)
	}
}
