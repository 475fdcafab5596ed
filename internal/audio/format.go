// Package audio implements the codec-agnostic PCM16 audio pipeline shared by
// every call leg: framing, resampling, G.711 encode/decode, level detection,
// mixing and the jitter/drift-correcting playout buffer.
package audio

import "time"

// Format describes PCM16 audio framing for one leg of a call (SIP side or
// speech-service side). Two legs rarely share the same Format: SIP is
// typically 8kHz mono G.711, STT/TTS services typically want 16kHz mono.
type Format struct {
	SampleRate int
	Channels   int
	FrameDur   time.Duration
}

// FrameSamples returns the number of interleaved PCM16 samples in one frame.
func (f Format) FrameSamples() int {
	sr := f.SampleRate
	if sr < 1 {
		sr = 1
	}
	ch := f.Channels
	if ch < 1 {
		ch = 1
	}
	return int(float64(sr) * f.FrameDur.Seconds() * float64(ch))
}

// FrameBytes returns the number of PCM16LE bytes in one frame.
func (f Format) FrameBytes() int {
	return f.FrameSamples() * 2
}
