// Package ttspacer paces synthesized speech onto the RTP leg: resample the
// TTS engine's native PCM16 rate down to the negotiated codec's rate,
// encode, slice into fixed RTP-frame-sized chunks, and drain them to the
// wire on a steady 20ms ticker with drift correction so playback doesn't
// race ahead of real time or stutter under bursty network delivery from
// the TTS backend. Interrupt drains whatever is still queued so a barge-in
// stops playback within one frame instead of draining the backlog.
package ttspacer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensips/voice-connector/internal/audio"
	"github.com/opensips/voice-connector/internal/rtptransport"
)

// Config tunes the pacer for one call's negotiated codec.
type Config struct {
	Codec        audio.Codec
	PayloadType  uint8
	ClockRate    int // codec's native sample rate, e.g. 8000 for G.711
	FrameDur     time.Duration
	SourceRate   int // PCM16 sample rate the TTS engine produces, e.g. 22050
	DriftTarget  int // target backlog in frames before drift correction kicks in
	MaxBurstDrop int // cap on frames dropped in one tick during emergency catch-up
}

// Pacer owns the playout buffer and ticker loop for one call's TTS output.
type Pacer struct {
	cfg       Config
	logger    *slog.Logger
	transport *rtptransport.Transport

	frameSamples int // codec-native PCM16 samples per RTP frame
	assembler    *audio.Assembler
	buf          *audio.PlayoutBuffer

	speaking  atomic.Bool
	interrupt atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(logger *slog.Logger, transport *rtptransport.Transport, cfg Config) *Pacer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FrameDur <= 0 {
		cfg.FrameDur = 20 * time.Millisecond
	}
	if cfg.DriftTarget < 1 {
		cfg.DriftTarget = 4
	}
	if cfg.MaxBurstDrop < 1 {
		cfg.MaxBurstDrop = 10
	}
	frameSamples := int(float64(cfg.ClockRate) * cfg.FrameDur.Seconds())
	if frameSamples < 1 {
		frameSamples = 1
	}
	return &Pacer{
		cfg:          cfg,
		logger:       logger.With("component", "ttspacer"),
		transport:    transport,
		frameSamples: frameSamples,
		assembler:    audio.NewAssembler(frameSamples),
		buf:          audio.NewPlayoutBuffer(frameSamples),
	}
}

// Start begins the pacing loop; call Stop to tear it down.
func (p *Pacer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	p.wg.Add(1)
	go p.paceLoop(ctx)
}

func (p *Pacer) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// IsSpeaking reports whether the pacer still has audio queued or in flight,
// for the VAD engine's echo-gate and the session's barge-in logic.
func (p *Pacer) IsSpeaking() bool { return p.speaking.Load() }

// Enqueue accepts one chunk of PCM16 audio at cfg.SourceRate (as produced by
// the TTS backend), resamples it to the codec's native rate, encodes it, and
// queues fixed-size frames for the pacing loop to drain.
func (p *Pacer) Enqueue(pcm audio.Sample) {
	if p.interrupt.Load() {
		return
	}
	resampled := audio.Resample(pcm, p.cfg.SourceRate, p.cfg.ClockRate)
	p.speaking.Store(true)
	for _, frame := range p.assembler.Push(resampled) {
		if p.interrupt.Load() {
			return
		}
		encoded := p.cfg.Codec.Encode(frame)
		p.buf.WriteFrame(encoded)
	}
}

// Interrupt stops accepting/playing queued audio immediately: it drains
// the backlog rather than letting it drain naturally, so a barge-in is
// heard as silence within one frame.
func (p *Pacer) Interrupt() {
	p.interrupt.Store(true)
	dropped := p.buf.DropFrames(p.buf.LenFrames())
	p.speaking.Store(false)
	if dropped > 0 {
		p.logger.Debug("tts pacer interrupted, drained queued frames", "dropped", dropped)
	}
}

// Reset clears the interrupt latch so a new utterance can be enqueued.
func (p *Pacer) Reset() {
	p.interrupt.Store(false)
}

func (p *Pacer) paceLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FrameDur)
	defer ticker.Stop()

	frameBytes := make([]byte, p.buf.FrameSize())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			backlog := p.buf.LenFrames()
			if backlog > p.cfg.DriftTarget+p.cfg.MaxBurstDrop {
				toDrop := backlog - p.cfg.DriftTarget
				if toDrop > p.cfg.MaxBurstDrop {
					toDrop = p.cfg.MaxBurstDrop
				}
				dropped := p.buf.DropFrames(toDrop)
				if dropped > 0 {
					p.logger.Warn("tts pacer backlog drop", "dropped_frames", dropped, "backlog_before", backlog)
				}
			}

			ok := p.buf.ReadInto(frameBytes)
			if !ok {
				p.speaking.Store(false)
				continue
			}
			if p.buf.LenFrames() == 0 {
				p.speaking.Store(false)
			}
			if err := p.transport.SendFrame(p.cfg.PayloadType, frameBytes, false); err != nil {
				p.logger.Warn("tts pacer rtp send failed", "error", err)
				return
			}
		}
	}
}
