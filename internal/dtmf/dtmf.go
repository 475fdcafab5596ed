// Package dtmf generates DTMF tone audio for IVR scenario playback and
// encodes/decodes RFC 2833 in-band RTP DTMF events: ITU-T Q.23 frequency
// table, amplitude 0.5, 5ms linear fades at both ends of a tone, and
// tone/pause/pre/post sequence timing.
//
// github.com/livekit/media-sdk/dtmf ships RFC 2833 Write/DecodeRTP helpers,
// but they're shaped around that SDK's own PCM16Writer/rtp.Stream types;
// this system's rtptransport.Transport is built directly on pion/rtp
// instead (see the RTP Transport entry in DESIGN.md), so the RFC 2833
// 4-byte event payload (RFC 2833 §3) is encoded/decoded directly here.
package dtmf

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensips/voice-connector/internal/audio"
)

// frequencies maps each DTMF digit to its ITU-T Q.23 low/high tone pair.
var frequencies = map[byte][2]float64{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477}, 'A': {697, 1633},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477}, 'B': {770, 1633},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477}, 'C': {852, 1633},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477}, 'D': {941, 1633},
}

// eventCodes maps each digit to its RFC 2833 §3 event code.
var eventCodes = map[byte]byte{
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4, '5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
	'*': 10, '#': 11, 'A': 12, 'B': 13, 'C': 14, 'D': 15,
}

const amplitude = 0.5
const fadeDuration = 5 * time.Millisecond

// ValidateDigit reports whether digit is one of 0-9, *, #, A-D.
func ValidateDigit(digit byte) bool {
	_, ok := frequencies[digit]
	return ok
}

// ValidateDigits checks every character of digits against ValidateDigit.
func ValidateDigits(digits string) error {
	digits = strings.ToUpper(digits)
	if digits == "" {
		return fmt.Errorf("dtmf: empty sequence")
	}
	var invalid []byte
	for i := 0; i < len(digits); i++ {
		if !ValidateDigit(digits[i]) {
			invalid = append(invalid, digits[i])
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("dtmf: invalid digits: %s", string(invalid))
	}
	return nil
}

// Timing controls per-tone and sequence-level pacing. Defaults are 100ms
// tone/pause, 500ms pre-delay, 200ms post-delay.
type Timing struct {
	ToneDuration  time.Duration
	PauseDuration time.Duration
	PreDelay      time.Duration
	PostDelay     time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		ToneDuration:  100 * time.Millisecond,
		PauseDuration: 100 * time.Millisecond,
		PreDelay:      500 * time.Millisecond,
		PostDelay:     200 * time.Millisecond,
	}
}

// Validate enforces tone duration between 40ms (minimum for reliable
// detection) and 1000ms (to avoid timeout), and at least 40ms of pause
// between tones.
func (t Timing) Validate() error {
	if t.ToneDuration < 40*time.Millisecond || t.ToneDuration > time.Second {
		return fmt.Errorf("dtmf: tone duration %v out of range [40ms, 1s]", t.ToneDuration)
	}
	if t.PauseDuration < 40*time.Millisecond {
		return fmt.Errorf("dtmf: pause duration %v below minimum 40ms", t.PauseDuration)
	}
	return nil
}

// SequenceDuration returns the total wall-clock duration of playing
// numTones digits under this timing.
func (t Timing) SequenceDuration(numTones int) time.Duration {
	if numTones <= 0 {
		return 0
	}
	tones := time.Duration(numTones) * t.ToneDuration
	pauses := time.Duration(numTones-1) * t.PauseDuration
	return t.PreDelay + tones + pauses + t.PostDelay
}

// GenerateTone synthesizes one DTMF digit's dual-tone audio at sampleRate
// for duration, with a 5ms linear fade at both ends to avoid clicking.
func GenerateTone(digit byte, sampleRate int, duration time.Duration) (audio.Sample, error) {
	freqs, ok := frequencies[digit]
	if !ok {
		return nil, fmt.Errorf("dtmf: invalid digit %q", digit)
	}
	numSamples := int(float64(sampleRate) * duration.Seconds())
	out := make(audio.Sample, numSamples)

	fadeSamples := int(float64(sampleRate) * fadeDuration.Seconds())
	if fadeSamples > numSamples/4 {
		fadeSamples = numSamples / 4
	}

	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		low := math.Sin(2 * math.Pi * freqs[0] * t)
		high := math.Sin(2 * math.Pi * freqs[1] * t)
		sample := amplitude * (low + high) / 2

		if fadeSamples > 0 {
			if i < fadeSamples {
				sample *= float64(i) / float64(fadeSamples)
			} else if i >= numSamples-fadeSamples {
				sample *= float64(numSamples-1-i) / float64(fadeSamples)
			}
		}
		out[i] = int16(sample * 32767)
	}
	return out, nil
}

func silence(sampleRate int, d time.Duration) audio.Sample {
	return make(audio.Sample, int(float64(sampleRate)*d.Seconds()))
}

// GenerateSequence builds the complete audio for a digit string: pre-delay
// silence, each tone separated by pause silence, then post-delay silence.
func GenerateSequence(digits string, sampleRate int, timing Timing) (audio.Sample, error) {
	if err := timing.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateDigits(digits); err != nil {
		return nil, err
	}
	digits = strings.ToUpper(digits)

	var out audio.Sample
	if timing.PreDelay > 0 {
		out = append(out, silence(sampleRate, timing.PreDelay)...)
	}
	for i := 0; i < len(digits); i++ {
		tone, err := GenerateTone(digits[i], sampleRate, timing.ToneDuration)
		if err != nil {
			return nil, err
		}
		out = append(out, tone...)
		if i < len(digits)-1 && timing.PauseDuration > 0 {
			out = append(out, silence(sampleRate, timing.PauseDuration)...)
		}
	}
	if timing.PostDelay > 0 {
		out = append(out, silence(sampleRate, timing.PostDelay)...)
	}
	return out, nil
}

// Event is one decoded RFC 2833 telephone-event.
type Event struct {
	Digit    byte
	End      bool
	Volume   int // 0-63, dBm0 below full scale
	Duration uint16
}

// EncodeEvent builds the 4-byte RFC 2833 §3 payload for one event packet:
// event code, an E|R|volume byte (R is reserved, always 0), and a 16-bit
// duration in timestamp units.
func EncodeEvent(digit byte, end bool, volume int, duration uint16) ([]byte, error) {
	code, ok := eventCodes[digit]
	if !ok {
		return nil, fmt.Errorf("dtmf: invalid digit %q", digit)
	}
	if volume < 0 || volume > 63 {
		return nil, fmt.Errorf("dtmf: volume %d out of range [0,63]", volume)
	}
	b1 := byte(volume & 0x3f)
	if end {
		b1 |= 0x80
	}
	return []byte{
		code,
		b1,
		byte(duration >> 8),
		byte(duration),
	}, nil
}

// DecodeEvent parses a 4-byte RFC 2833 payload.
func DecodeEvent(payload []byte) (Event, error) {
	if len(payload) < 4 {
		return Event{}, fmt.Errorf("dtmf: short rfc2833 payload (%d bytes)", len(payload))
	}
	var digit byte
	found := false
	for d, code := range eventCodes {
		if code == payload[0] {
			digit = d
			found = true
			break
		}
	}
	if !found {
		return Event{}, fmt.Errorf("dtmf: unknown rfc2833 event code %d", payload[0])
	}
	return Event{
		Digit:    digit,
		End:      payload[1]&0x80 != 0,
		Volume:   int(payload[1] & 0x3f),
		Duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}, nil
}
