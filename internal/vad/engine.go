package vad

import (
	"time"

	"github.com/opensips/voice-connector/internal/audio"
)

// Config tunes the buffering/debounce layer.
type Config struct {
	Detector Detector

	// BufferDuration is how much audio is accumulated before a single
	// speech/silence decision is made. The Voice Connector runs this well
	// below typical batch-VAD chunk sizes so barge-in reacts inside one
	// RTP jitter window.
	BufferDuration time.Duration

	// SpeechDebounceFrames/SilenceDebounceFrames require this many
	// consecutive same-verdict chunks before flipping SpeechActive.
	SpeechDebounceFrames  int
	SilenceDebounceFrames int

	// SilenceRMSFloor chunks quieter than this are never speech,
	// regardless of detector score.
	SilenceRMSFloor float64

	// TTSCooldown is how long after TTS playback stops that the
	// echo-gate keeps suppressing speech detection.
	TTSCooldown time.Duration

	// BargeInRMS is the loudness a chunk must clear to be treated as a
	// genuine barge-in while TTS is playing (or during the cooldown
	// window right after). Line echo of the system's own synthesized
	// voice rarely reaches this level on an 8kHz telephony leg; a caller
	// actually talking over the prompt does.
	BargeInRMS float64
}

func DefaultConfig() Config {
	return Config{
		Detector:              EnergyDetector{},
		BufferDuration:        100 * time.Millisecond,
		SpeechDebounceFrames:  1,
		SilenceDebounceFrames: 1,
		SilenceRMSFloor:       0.006,
		TTSCooldown:           300 * time.Millisecond,
		BargeInRMS:            0.15,
	}
}

// Engine is the adaptive VAD: it buffers incoming PCM16 audio, scores full
// chunks with a Detector, calibrates the decision threshold over time, and
// applies debounce plus TTS echo-gating before reporting a stable
// SpeechActive state. It is not safe for concurrent use from multiple
// goroutines; callers serialize access per call the way SpeechSession does.
type Engine struct {
	cfg        Config
	calibrator *Calibrator

	buf           audio.Sample
	sampleRate    int
	bufferSamples int

	consecutiveSpeech  int
	consecutiveSilence int

	SpeechActive     bool
	SpeechStartTime  time.Time
	LastSpeechActive time.Time

	ttsActive       bool
	ttsStoppedAt    time.Time
	secondary       Detector
}

// NewEngine constructs an Engine for audio at the given sample rate. An
// optional secondary detector can be supplied for the high-noise
// confirmation pass: a stricter detector used instead of trusting the
// primary score alone once the threshold has climbed above 0.4. If nil,
// the primary Detector is reused.
func NewEngine(cfg Config, sampleRate int, secondary Detector) *Engine {
	if cfg.Detector == nil {
		cfg.Detector = EnergyDetector{}
	}
	if secondary == nil {
		secondary = cfg.Detector
	}
	bufferSamples := int(float64(sampleRate) * cfg.BufferDuration.Seconds())
	if bufferSamples < 1 {
		bufferSamples = 1
	}
	return &Engine{
		cfg:           cfg,
		calibrator:    NewCalibrator(),
		sampleRate:    sampleRate,
		bufferSamples: bufferSamples,
		secondary:     secondary,
	}
}

// Threshold exposes the calibrator's current decision threshold, for stats
// logging.
func (e *Engine) Threshold() float64 { return e.calibrator.Threshold }

// NotifyTTSStart/NotifyTTSStop tell the engine when the call's TTS playout
// is active, so AddAudio can apply the echo-gate.
func (e *Engine) NotifyTTSStart() { e.ttsActive = true }
func (e *Engine) NotifyTTSStop(now time.Time) {
	e.ttsActive = false
	e.ttsStoppedAt = now
}

// AddAudio appends PCM16 audio and, once BufferDuration worth has
// accumulated, runs one VAD decision. processed indicates a decision was
// made this call; chunk is the audio that decision applies to (useful for
// forwarding to STT only while speech is active).
func (e *Engine) AddAudio(pcm audio.Sample, now time.Time) (processed bool, isSpeech bool, chunk audio.Sample) {
	e.buf = append(e.buf, pcm...)
	if len(e.buf) < e.bufferSamples {
		return false, false, nil
	}
	chunk = append(audio.Sample(nil), e.buf[:e.bufferSamples]...)
	e.buf = e.buf[e.bufferSamples:]

	decision := e.decide(chunk, now)
	return true, decision, chunk
}

// ProcessFinal flushes any partial buffer as a final decision, used when a
// call/session ends.
func (e *Engine) ProcessFinal(now time.Time) (isSpeech bool, chunk audio.Sample) {
	if len(e.buf) == 0 {
		return false, nil
	}
	chunk = e.buf
	e.buf = nil
	return e.decide(chunk, now), chunk
}

func (e *Engine) decide(chunk audio.Sample, now time.Time) bool {
	lvl := audio.MeasureLevel(chunk)

	if e.shouldIgnoreForEcho(lvl, now) {
		e.updateDebounce(false, now)
		return e.SpeechActive
	}

	if lvl.RMS < e.cfg.SilenceRMSFloor {
		e.updateDebounce(false, now)
		return e.SpeechActive
	}

	if extreme := e.calibrator.Observe(lvl, now); extreme {
		e.updateDebounce(false, now)
		return e.SpeechActive
	}

	score := e.cfg.Detector.Score(chunk)
	chunkIsSpeech := score >= e.calibrator.Threshold

	if chunkIsSpeech && e.calibrator.RequiresSecondaryConfirmation() {
		secScore := e.secondary.Score(chunk)
		confirmed := secScore >= 0.5 || lvl.RMS >= 0.04
		if !confirmed {
			chunkIsSpeech = false
		}
	}

	e.updateDebounce(chunkIsSpeech, now)
	return e.SpeechActive
}

// shouldIgnoreForEcho implements the TTS echo-gate: while TTS is actively
// playing (or within TTSCooldown after it stops), only audio loud enough to
// clear BargeInRMS still registers as speech — this lets a genuine
// interruption through while filtering line-echo of the system's own voice,
// which rarely reaches barge-in loudness on an 8kHz telephony leg.
func (e *Engine) shouldIgnoreForEcho(lvl audio.Level, now time.Time) bool {
	inCooldown := !e.ttsActive && !e.ttsStoppedAt.IsZero() && now.Sub(e.ttsStoppedAt) < e.cfg.TTSCooldown
	if !e.ttsActive && !inCooldown {
		return false
	}
	return lvl.RMS < e.cfg.BargeInRMS
}

func (e *Engine) updateDebounce(isSpeech bool, now time.Time) {
	if isSpeech {
		e.consecutiveSpeech++
		e.consecutiveSilence = 0
		e.LastSpeechActive = now
		if e.SpeechStartTime.IsZero() {
			e.SpeechStartTime = now
		}
		if e.consecutiveSpeech >= e.cfg.SpeechDebounceFrames && !e.SpeechActive {
			e.SpeechActive = true
			e.SpeechStartTime = now
		}
		return
	}
	e.consecutiveSilence++
	e.consecutiveSpeech = 0
	if e.consecutiveSilence >= e.cfg.SilenceDebounceFrames && e.SpeechActive {
		e.SpeechActive = false
		e.SpeechStartTime = time.Time{}
	}
}

// Reset clears debounce/timing state (but not calibration).
func (e *Engine) Reset(preserveBuffer bool, now time.Time) {
	e.consecutiveSpeech = 0
	e.consecutiveSilence = 0
	e.SpeechStartTime = time.Time{}
	e.LastSpeechActive = now
	e.SpeechActive = false
	if !preserveBuffer {
		e.buf = nil
	}
}

// HasSpeechTimeout/HasSilenceTimeout are the timeout checks used by the
// speech session's forced-final logic.
func (e *Engine) HasSpeechTimeout(now time.Time, timeout time.Duration) bool {
	if !e.SpeechActive || e.SpeechStartTime.IsZero() {
		return false
	}
	return now.Sub(e.SpeechStartTime) > timeout
}

func (e *Engine) HasSilenceTimeout(now time.Time, timeout time.Duration) bool {
	if e.SpeechActive || e.LastSpeechActive.IsZero() {
		return false
	}
	return now.Sub(e.LastSpeechActive) > timeout
}
