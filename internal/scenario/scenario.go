// Package scenario runs scripted IVR test scenarios against a live call:
// an ordered list of steps (play a prompt, listen for speech, send DTMF,
// validate recognized intent) executed one at a time, each producing a
// StepResult, rolled up into an ExecutionResult.
//
// This system only accepts inbound INVITEs and implements no SIP
// transaction state beyond accept/BYE, so a scenario here runs against an
// already-established call's Speaker/FinalWaiter instead of originating
// the call itself.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensips/voice-connector/internal/audio"
	"github.com/opensips/voice-connector/internal/dtmf"
)

// NewExecutionID mints a fresh execution identifier for callers that
// don't track their own (e.g. an ad hoc scenario run).
func NewExecutionID() string { return uuid.New().String() }

// StepType names one of the four scripted step kinds.
type StepType string

const (
	StepTTSPrompt      StepType = "tts_prompt"
	StepASRListen      StepType = "asr_listen"
	StepDTMFSend       StepType = "dtmf_send"
	StepIntentValidate StepType = "intent_validate"
)

// Conditional marks a step whose failure should take the if_false branch
// instead of aborting the scenario outright.
type Conditional struct {
	IfFalseContinue bool
}

// Step is one scripted scenario action.
type Step struct {
	Number   int
	Type     StepType
	Timeout  time.Duration

	// tts_prompt
	PromptText      string
	WaitForResponse bool

	// asr_listen
	MaxDuration time.Duration

	// dtmf_send
	DTMFSequence string
	DTMFTiming   dtmf.Timing

	// intent_validate / asr_listen's optional expectation
	ExpectedIntent string

	Conditional *Conditional
}

// Scenario is an ordered, validated list of steps against one target call.
type Scenario struct {
	ID      string
	Name    string
	Steps   []Step
}

// Validate checks step numbers form a contiguous 1..N sequence and that
// each step carries the fields its type requires, rejecting malformed
// sequences before any step runs.
func (s Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario: no steps")
	}
	for i, step := range s.Steps {
		if step.Number != i+1 {
			return fmt.Errorf("scenario: step numbers must be contiguous from 1, got %d at position %d", step.Number, i)
		}
		switch step.Type {
		case StepTTSPrompt:
			if step.PromptText == "" {
				return fmt.Errorf("scenario: step %d: tts_prompt requires prompt text", step.Number)
			}
		case StepDTMFSend:
			if step.DTMFSequence == "" {
				return fmt.Errorf("scenario: step %d: dtmf_send requires a digit sequence", step.Number)
			}
			if err := dtmf.ValidateDigits(step.DTMFSequence); err != nil {
				return fmt.Errorf("scenario: step %d: %w", step.Number, err)
			}
		case StepIntentValidate:
			if step.ExpectedIntent == "" {
				return fmt.Errorf("scenario: step %d: intent_validate requires expected_intent", step.Number)
			}
		case StepASRListen:
			// max_duration_ms and expected_intent are both optional.
		default:
			return fmt.Errorf("scenario: step %d: unknown step type %q", step.Number, step.Type)
		}
	}
	return nil
}

// StepStatus is the outcome of executing one step.
type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepFailed  StepStatus = "FAILED"
	StepTimeout StepStatus = "TIMEOUT"
	StepError   StepStatus = "ERROR"
	StepSkipped StepStatus = "SKIPPED"
)

// IsSuccessful reports whether this status counts as a passing step.
func (s StepStatus) IsSuccessful() bool { return s == StepSuccess }

// StepResult records one step's outcome and step-type-specific fields.
type StepResult struct {
	Number     int
	Type       StepType
	Status     StepStatus
	DurationMs int64
	Error      string

	TTSText       string
	TTSDurationMs int64

	TranscribedText string

	DTMFSequence string
	DTMFSent     bool

	ExpectedIntent       string
	ActualIntent         string
	IntentMatch          bool
	ValidationConfidence float64
}

// ExecutionStatus is the scenario-level rollup outcome.
type ExecutionStatus string

const (
	ExecutionPass      ExecutionStatus = "PASS"
	ExecutionFail      ExecutionStatus = "FAIL"
	ExecutionError     ExecutionStatus = "ERROR"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// Metrics summarizes per-status step counts and TTS/ASR time spent.
type Metrics struct {
	TotalDurationMs    int64
	SuccessfulSteps    int
	FailedSteps        int
	TimeoutSteps       int
	ErrorSteps         int
	SkippedSteps       int
	TotalTTSDurationMs int64
	TotalASRDurationMs int64
}

// SuccessRate returns the fraction of executed steps that succeeded, 0 if
// none were executed.
func (m Metrics) SuccessRate(executed int) float64 {
	if executed == 0 {
		return 0
	}
	return float64(m.SuccessfulSteps) / float64(executed)
}

// ExecutionResult is the aggregate record of one scenario run.
type ExecutionResult struct {
	ExecutionID string
	ScenarioID  string
	ScenarioName string
	Status       ExecutionStatus
	StartTime    time.Time
	EndTime      time.Time
	StepResults  []StepResult
	Metrics      Metrics
	CallID       string
	Error        string
}

// Speaker is the subset of the TTS Pacer a scenario step drives: enqueue
// PCM for playback and observe whether playback is still in flight.
type Speaker interface {
	Enqueue(pcm audio.Sample)
	IsSpeaking() bool
}

// FinalWaiter supplies the next finalized transcript to asr_listen/
// intent_validate steps, decoupling the executor from the speech session's
// own concrete implementation.
type FinalWaiter interface {
	WaitFinal(ctx context.Context) (text string, ok bool)
}

// IntentValidator classifies a transcript and reports whether it matches
// an expected intent label.
type IntentValidator interface {
	Validate(ctx context.Context, text, expectedIntent string) (actualIntent string, confidence float64, err error)
}

// StubIntentValidator is a placeholder keyword classifier standing in for
// an intent microservice.
func StubIntentValidator() IntentValidator {
	return intentValidatorFunc(func(ctx context.Context, text, expectedIntent string) (string, float64, error) {
		lower := strings.ToLower(text)
		var intent string
		switch {
		case strings.Contains(lower, "hello") || strings.Contains(lower, "hi "):
			intent = "greeting"
		case strings.Contains(lower, "balance"):
			intent = "balance_inquiry"
		case strings.Contains(lower, "menu") || strings.Contains(lower, "option"):
			intent = "menu_options"
		case strings.Contains(lower, "bye") || strings.Contains(lower, "goodbye"):
			intent = "goodbye"
		default:
			intent = "unknown"
		}
		return intent, 0.85, nil
	})
}

type intentValidatorFunc func(ctx context.Context, text, expectedIntent string) (string, float64, error)

func (f intentValidatorFunc) Validate(ctx context.Context, text, expectedIntent string) (string, float64, error) {
	return f(ctx, text, expectedIntent)
}

// ttsAvgCharDuration approximates synthesis+playback wall time (~50ms/char,
// 1s floor), used only for the tts_duration_ms metric field when no real
// Synthesize call is made directly by the executor (playback is driven
// through Speaker instead).
const ttsAvgCharDuration = 50 * time.Millisecond
const ttsMinDuration = time.Second

// Synthesizer turns prompt text into PCM for the Speaker to play. A
// scenario step that needs audio calls this directly rather than going
// through the full speech-session sentence pipeline, since a scripted
// prompt is played in one shot without barge-in gating.
type Synthesizer interface {
	SynthesizePCM(ctx context.Context, text, voice string) (audio.Sample, error)
}

// Config tunes the executor's own defaults, independent of per-call wiring.
type Config struct {
	Voice          string
	DTMFSampleRate int
	DTMFTiming     dtmf.Timing
}

func DefaultConfig() Config {
	return Config{DTMFSampleRate: 8000, DTMFTiming: dtmf.DefaultTiming()}
}

// Executor runs one Scenario against one call's Speaker/FinalWaiter.
type Executor struct {
	cfg       Config
	logger    *slog.Logger
	synth     Synthesizer
	speaker   Speaker
	waiter    FinalWaiter
	validator IntentValidator
}

func New(logger *slog.Logger, cfg Config, synth Synthesizer, speaker Speaker, waiter FinalWaiter, validator IntentValidator) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = StubIntentValidator()
	}
	return &Executor{
		cfg:       cfg,
		logger:    logger.With("component", "scenario-executor"),
		synth:     synth,
		speaker:   speaker,
		waiter:    waiter,
		validator: validator,
	}
}

// Execute runs every step of scenario in order, stopping early on a
// non-conditional failure or on ctx cancellation, and returns the
// aggregate ExecutionResult. It never returns an error itself except for
// scenario validation failures; step-level failures are recorded in the
// returned result.
func (e *Executor) Execute(ctx context.Context, executionID string, sc Scenario, callID string) (*ExecutionResult, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &ExecutionResult{
		ExecutionID:  executionID,
		ScenarioID:   sc.ID,
		ScenarioName: sc.Name,
		CallID:       callID,
		StartTime:    start,
	}

	status := ExecutionPass
	for _, step := range sc.Steps {
		if ctx.Err() != nil {
			status = ExecutionCancelled
			break
		}

		sr := e.executeStep(ctx, step)
		result.StepResults = append(result.StepResults, sr)
		e.logger.Info("scenario step completed",
			"execution_id", executionID, "step", sr.Number, "status", sr.Status, "duration_ms", sr.DurationMs)

		accumulate(&result.Metrics, sr)

		if sr.Status == StepSuccess || sr.Status == StepSkipped {
			continue
		}

		if step.Conditional == nil {
			status = ExecutionFail
			result.Error = fmt.Sprintf("step %d failed: %s", step.Number, sr.Error)
			break
		}

		if !step.Conditional.IfFalseContinue {
			status = ExecutionFail
			result.Error = fmt.Sprintf("step %d failed, conditional branch stopped execution", step.Number)
			break
		}
	}

	result.EndTime = time.Now()
	result.Metrics.TotalDurationMs = result.EndTime.Sub(start).Milliseconds()
	if result.Error != "" && status != ExecutionCancelled {
		status = ExecutionFail
	}
	result.Status = status
	return result, nil
}

func accumulate(m *Metrics, sr StepResult) {
	switch sr.Status {
	case StepSuccess:
		m.SuccessfulSteps++
	case StepFailed:
		m.FailedSteps++
	case StepTimeout:
		m.TimeoutSteps++
	case StepError:
		m.ErrorSteps++
	case StepSkipped:
		m.SkippedSteps++
	}
	if sr.Type == StepTTSPrompt {
		m.TotalTTSDurationMs += sr.TTSDurationMs
	}
	if sr.Type == StepASRListen {
		m.TotalASRDurationMs += sr.DurationMs
	}
}

func (e *Executor) executeStep(ctx context.Context, step Step) StepResult {
	started := time.Now()
	var sr StepResult
	var err error

	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	switch step.Type {
	case StepTTSPrompt:
		sr, err = e.executeTTS(ctx, step)
	case StepASRListen:
		sr, err = e.executeASR(ctx, step)
	case StepDTMFSend:
		sr, err = e.executeDTMF(ctx, step)
	case StepIntentValidate:
		sr, err = e.executeIntentValidate(ctx, step)
	default:
		err = fmt.Errorf("unknown step type %q", step.Type)
	}

	sr.Number = step.Number
	sr.Type = step.Type
	sr.DurationMs = time.Since(started).Milliseconds()

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			sr.Status = StepTimeout
		} else {
			sr.Status = StepError
		}
		sr.Error = err.Error()
	}
	return sr
}

// executeTTS synthesizes step.PromptText and enqueues it into the
// Speaker, optionally blocking until playback ends, per
// "tts_prompt{text, wait_for_response?}".
func (e *Executor) executeTTS(ctx context.Context, step Step) (StepResult, error) {
	sr := StepResult{TTSText: step.PromptText}

	pcm, err := e.synth.SynthesizePCM(ctx, step.PromptText, e.cfg.Voice)
	if err != nil {
		return sr, err
	}
	e.speaker.Enqueue(pcm)
	sr.TTSDurationMs = estimatedTTSDuration(step.PromptText).Milliseconds()

	if step.WaitForResponse {
		for e.speaker.IsSpeaking() {
			select {
			case <-ctx.Done():
				return sr, ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
		}
	}
	sr.Status = StepSuccess
	return sr, nil
}

func estimatedTTSDuration(text string) time.Duration {
	d := time.Duration(len(text)) * ttsAvgCharDuration
	if d < ttsMinDuration {
		return ttsMinDuration
	}
	return d
}

// executeASR waits for the next final transcript up to step.MaxDuration,
// succeeding on the first final it sees and recording TIMEOUT if none
// arrives in time.
func (e *Executor) executeASR(ctx context.Context, step Step) (StepResult, error) {
	maxDuration := step.MaxDuration
	if maxDuration <= 0 {
		maxDuration = 5 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	text, ok := e.waiter.WaitFinal(waitCtx)
	if !ok {
		return StepResult{Status: StepTimeout, Error: "no transcript within max_duration_ms"}, nil
	}
	return StepResult{Status: StepSuccess, TranscribedText: text}, nil
}

// executeDTMF generates the digit sequence's audio and enqueues it for
// playback.
func (e *Executor) executeDTMF(ctx context.Context, step Step) (StepResult, error) {
	timing := step.DTMFTiming
	if timing == (dtmf.Timing{}) {
		timing = e.cfg.DTMFTiming
	}

	pcm, err := dtmf.GenerateSequence(step.DTMFSequence, e.cfg.DTMFSampleRate, timing)
	sr := StepResult{DTMFSequence: step.DTMFSequence}
	if err != nil {
		sr.DTMFSent = false
		return sr, err
	}
	e.speaker.Enqueue(pcm)
	sr.DTMFSent = true
	sr.Status = StepSuccess
	return sr, nil
}

// executeIntentValidate compares the validator's classification of the
// most recently transcribed text against step.ExpectedIntent. It consults
// whatever final is already buffered rather than waiting for a new one.
func (e *Executor) executeIntentValidate(ctx context.Context, step Step) (StepResult, error) {
	alreadyDone, cancel := context.WithCancel(ctx)
	cancel()
	text, ok := e.waiter.WaitFinal(alreadyDone)
	if !ok {
		return StepResult{}, fmt.Errorf("no ASR text available for intent validation")
	}

	actual, confidence, err := e.validator.Validate(ctx, text, step.ExpectedIntent)
	if err != nil {
		return StepResult{}, err
	}

	match := actual == step.ExpectedIntent
	sr := StepResult{
		ExpectedIntent:       step.ExpectedIntent,
		ActualIntent:         actual,
		IntentMatch:          match,
		ValidationConfidence: confidence,
	}
	if match {
		sr.Status = StepSuccess
	} else {
		sr.Status = StepFailed
		sr.Error = fmt.Sprintf("intent mismatch: expected %s, got %s", step.ExpectedIntent, actual)
	}
	return sr, nil
}
