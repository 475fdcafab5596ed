package audio

import "encoding/binary"

// Sample is a PCM16 sample buffer, interleaved if multi-channel.
type Sample []int16

// BytesToSample converts PCM16LE bytes into a Sample, reusing dst's backing
// array when it has enough capacity.
func BytesToSample(dst Sample, src []byte) Sample {
	n := len(src) / 2
	if cap(dst) < n {
		dst = make(Sample, n)
	} else {
		dst = dst[:n]
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2 : i*2+2]))
	}
	return dst
}

// SampleToBytes converts a Sample into PCM16LE bytes, reusing dst's backing
// array when it has enough capacity.
func SampleToBytes(dst []byte, src Sample) []byte {
	need := len(src) * 2
	if cap(dst) < need {
		dst = make([]byte, need)
	} else {
		dst = dst[:need]
	}
	for i, s := range src {
		binary.LittleEndian.PutUint16(dst[i*2:i*2+2], uint16(s))
	}
	return dst
}

// ConvertChannels maps an interleaved PCM16 buffer from inCh to outCh
// channels. Only mono<->stereo conversions are exact; anything else
// falls back to a best-effort channel duplication.
func ConvertChannels(dst Sample, src Sample, inCh, outCh int) Sample {
	if inCh <= 0 {
		inCh = 1
	}
	if outCh <= 0 {
		outCh = 1
	}
	if inCh == outCh {
		if cap(dst) < len(src) {
			dst = make(Sample, len(src))
		} else {
			dst = dst[:len(src)]
		}
		copy(dst, src)
		return dst
	}
	if inCh == 2 && outCh == 1 {
		n := len(src) / 2
		if cap(dst) < n {
			dst = make(Sample, n)
		} else {
			dst = dst[:n]
		}
		for i := 0; i < n; i++ {
			l := int32(src[i*2])
			r := int32(src[i*2+1])
			dst[i] = int16((l + r) / 2)
		}
		return dst
	}
	if inCh == 1 && outCh == 2 {
		n := len(src) * 2
		if cap(dst) < n {
			dst = make(Sample, n)
		} else {
			dst = dst[:n]
		}
		for i, v := range src {
			dst[i*2] = v
			dst[i*2+1] = v
		}
		return dst
	}
	frames := len(src) / inCh
	n := frames * outCh
	if cap(dst) < n {
		dst = make(Sample, n)
	} else {
		dst = dst[:n]
	}
	for f := 0; f < frames; f++ {
		v := src[f*inCh]
		for c := 0; c < outCh; c++ {
			dst[f*outCh+c] = v
		}
	}
	return dst
}

// Mix sums two equal-length PCM16 buffers with clipping, used when TTS
// playback needs to be combined with comfort noise or a secondary source.
func Mix(a, b Sample) Sample {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make(Sample, n)
	for i := 0; i < n; i++ {
		sum := int32(a[i]) + int32(b[i])
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		out[i] = int16(sum)
	}
	return out
}

// Assembler buffers arbitrary-length PCM16 pushes and emits fixed-size
// frames, used to bridge e.g. 10ms TTS chunks into 20ms RTP frames.
type Assembler struct {
	frameSamples int
	buf          Sample
}

func NewAssembler(frameSamples int) *Assembler {
	if frameSamples < 1 {
		frameSamples = 1
	}
	return &Assembler{frameSamples: frameSamples}
}

func (a *Assembler) Push(in Sample) []Sample {
	if len(in) == 0 {
		return nil
	}
	a.buf = append(a.buf, in...)
	var out []Sample
	for len(a.buf) >= a.frameSamples {
		frame := make(Sample, a.frameSamples)
		copy(frame, a.buf[:a.frameSamples])
		out = append(out, frame)
		a.buf = a.buf[a.frameSamples:]
	}
	return out
}
