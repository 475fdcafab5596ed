package audio

import (
	"testing"
	"time"
)

func TestFormatFrameBytes(t *testing.T) {
	f := Format{SampleRate: 8000, Channels: 1, FrameDur: 20 * time.Millisecond}
	if got := f.FrameSamples(); got != 160 {
		t.Fatalf("FrameSamples() = %d, want 160", got)
	}
	if got := f.FrameBytes(); got != 320 {
		t.Fatalf("FrameBytes() = %d, want 320", got)
	}
}

func TestSampleRoundTrip(t *testing.T) {
	in := Sample{1, -1, 32767, -32768, 0}
	b := SampleToBytes(nil, in)
	out := BytesToSample(nil, b)
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d: got %d want %d", i, out[i], in[i])
		}
	}
}

func TestConvertChannelsMonoStereo(t *testing.T) {
	mono := Sample{100, -100, 200}
	stereo := ConvertChannels(nil, mono, 1, 2)
	want := Sample{100, 100, -100, -100, 200, 200}
	if len(stereo) != len(want) {
		t.Fatalf("len = %d want %d", len(stereo), len(want))
	}
	for i := range want {
		if stereo[i] != want[i] {
			t.Fatalf("idx %d: got %d want %d", i, stereo[i], want[i])
		}
	}
	back := ConvertChannels(nil, stereo, 2, 1)
	for i := range mono {
		if back[i] != mono[i] {
			t.Fatalf("downmix idx %d: got %d want %d", i, back[i], mono[i])
		}
	}
}

func TestAssemblerEmitsFixedFrames(t *testing.T) {
	a := NewAssembler(4)
	out := a.Push(Sample{1, 2})
	if len(out) != 0 {
		t.Fatalf("expected no frames yet, got %d", len(out))
	}
	out = a.Push(Sample{3, 4, 5, 6, 7})
	if len(out) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(out))
	}
	want := Sample{1, 2, 3, 4}
	for i := range want {
		if out[0][i] != want[i] {
			t.Fatalf("frame[%d] = %d want %d", i, out[0][i], want[i])
		}
	}
}

func TestPlayoutBufferUnderflowYieldsSilence(t *testing.T) {
	buf := NewPlayoutBuffer(4)
	dst := make([]byte, 4)
	if ok := buf.ReadInto(dst); ok {
		t.Fatalf("expected underflow on empty buffer")
	}
	for _, b := range dst {
		if b != 0 {
			t.Fatalf("expected silence, got %v", dst)
		}
	}
}

func TestPlayoutBufferRoundTrip(t *testing.T) {
	buf := NewPlayoutBuffer(4)
	frame := []byte{1, 2, 3, 4}
	buf.WriteFrame(frame)
	if buf.LenFrames() != 1 {
		t.Fatalf("expected 1 frame queued")
	}
	dst := make([]byte, 4)
	if ok := buf.ReadInto(dst); !ok {
		t.Fatalf("expected successful read")
	}
	for i := range frame {
		if dst[i] != frame[i] {
			t.Fatalf("byte %d: got %d want %d", i, dst[i], frame[i])
		}
	}
}

func TestPlayoutBufferDropFrames(t *testing.T) {
	buf := NewPlayoutBuffer(2)
	for i := 0; i < 5; i++ {
		buf.WriteFrame([]byte{byte(i), byte(i)})
	}
	dropped := buf.DropFrames(3)
	if dropped != 3 {
		t.Fatalf("dropped = %d want 3", dropped)
	}
	if buf.LenFrames() != 2 {
		t.Fatalf("remaining = %d want 2", buf.LenFrames())
	}
}

func TestResampleUpsampleLengthAndEndpoints(t *testing.T) {
	src := Sample{0, 1000, 2000, 3000}
	out := Resample(src, 8000, 16000)
	if len(out) == 0 {
		t.Fatalf("expected non-empty output")
	}
	if out[0] != src[0] {
		t.Fatalf("first sample should match: got %d want %d", out[0], src[0])
	}
}

func TestMeasureLevelSilence(t *testing.T) {
	s := make(Sample, 160)
	lvl := MeasureLevel(s)
	if lvl.RMS != 0 || lvl.Peak != 0 {
		t.Fatalf("expected zero level for silence, got %+v", lvl)
	}
}

func TestMeasureLevelLoud(t *testing.T) {
	s := make(Sample, 160)
	for i := range s {
		s[i] = 32767
	}
	lvl := MeasureLevel(s)
	if lvl.Peak < 0.99 {
		t.Fatalf("expected near-full-scale peak, got %f", lvl.Peak)
	}
}

func TestCodecByPayloadType(t *testing.T) {
	c, err := CodecByPayloadType(0)
	if err != nil || c.Name() != "PCMU" {
		t.Fatalf("expected PCMU, got %v err=%v", c, err)
	}
	c, err = CodecByPayloadType(8)
	if err != nil || c.Name() != "PCMA" {
		t.Fatalf("expected PCMA, got %v err=%v", c, err)
	}
	if _, err := CodecByPayloadType(101); err == nil {
		t.Fatalf("expected error for dynamic payload type")
	}
}
