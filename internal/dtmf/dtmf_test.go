package dtmf

import (
	"testing"
	"time"
)

func TestValidateDigits(t *testing.T) {
	if err := ValidateDigits("123*#ABCD"); err != nil {
		t.Fatalf("expected valid sequence, got %v", err)
	}
	if err := ValidateDigits("12x"); err == nil {
		t.Fatal("expected error for invalid digit")
	}
	if err := ValidateDigits(""); err == nil {
		t.Fatal("expected error for empty sequence")
	}
}

func TestTimingValidate(t *testing.T) {
	good := DefaultTiming()
	if err := good.Validate(); err != nil {
		t.Fatalf("default timing should validate, got %v", err)
	}

	tooShort := good
	tooShort.ToneDuration = 10 * time.Millisecond
	if err := tooShort.Validate(); err == nil {
		t.Fatal("expected error for tone duration below 40ms")
	}

	tooLong := good
	tooLong.ToneDuration = 2 * time.Second
	if err := tooLong.Validate(); err == nil {
		t.Fatal("expected error for tone duration above 1s")
	}

	shortPause := good
	shortPause.PauseDuration = 10 * time.Millisecond
	if err := shortPause.Validate(); err == nil {
		t.Fatal("expected error for pause below 40ms")
	}
}

func TestSequenceDuration(t *testing.T) {
	timing := DefaultTiming()
	got := timing.SequenceDuration(3)
	want := timing.PreDelay + 3*timing.ToneDuration + 2*timing.PauseDuration + timing.PostDelay
	if got != want {
		t.Fatalf("SequenceDuration(3) = %v, want %v", got, want)
	}
	if d := timing.SequenceDuration(0); d != 0 {
		t.Fatalf("SequenceDuration(0) = %v, want 0", d)
	}
}

func TestGenerateToneShapeAndFade(t *testing.T) {
	sampleRate := 8000
	duration := 100 * time.Millisecond
	pcm, err := GenerateTone('5', sampleRate, duration)
	if err != nil {
		t.Fatalf("GenerateTone: %v", err)
	}
	wantLen := int(float64(sampleRate) * duration.Seconds())
	if len(pcm) != wantLen {
		t.Fatalf("len(pcm) = %d, want %d", len(pcm), wantLen)
	}
	if pcm[0] != 0 {
		t.Fatalf("expected fade-in to start at 0 amplitude, got %d", pcm[0])
	}
	if pcm[len(pcm)-1] > 200 || pcm[len(pcm)-1] < -200 {
		t.Fatalf("expected fade-out to end near 0 amplitude, got %d", pcm[len(pcm)-1])
	}

	if _, err := GenerateTone('x', sampleRate, duration); err == nil {
		t.Fatal("expected error for invalid digit")
	}
}

func TestGenerateSequenceLength(t *testing.T) {
	sampleRate := 8000
	timing := DefaultTiming()
	pcm, err := GenerateSequence("123", sampleRate, timing)
	if err != nil {
		t.Fatalf("GenerateSequence: %v", err)
	}
	wantSamples := int(float64(sampleRate) * timing.SequenceDuration(3).Seconds())
	if len(pcm) != wantSamples {
		t.Fatalf("len(pcm) = %d, want %d", len(pcm), wantSamples)
	}
}

func TestGenerateSequenceRejectsBadInput(t *testing.T) {
	if _, err := GenerateSequence("12x", 8000, DefaultTiming()); err == nil {
		t.Fatal("expected error for invalid digit in sequence")
	}
	badTiming := DefaultTiming()
	badTiming.ToneDuration = time.Millisecond
	if _, err := GenerateSequence("123", 8000, badTiming); err == nil {
		t.Fatal("expected error for invalid timing")
	}
}

func TestEncodeDecodeEventRoundTrip(t *testing.T) {
	payload, err := EncodeEvent('7', false, 10, 800)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	if len(payload) != 4 {
		t.Fatalf("len(payload) = %d, want 4", len(payload))
	}

	ev, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Digit != '7' || ev.End || ev.Volume != 10 || ev.Duration != 800 {
		t.Fatalf("DecodeEvent = %+v, want digit=7 end=false volume=10 duration=800", ev)
	}
}

func TestEncodeEventEndFlagAndVolumeBounds(t *testing.T) {
	payload, err := EncodeEvent('#', true, 63, 1600)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	ev, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if !ev.End {
		t.Fatal("expected End flag set")
	}
	if ev.Volume != 63 {
		t.Fatalf("Volume = %d, want 63", ev.Volume)
	}

	if _, err := EncodeEvent('1', false, 64, 0); err == nil {
		t.Fatal("expected error for out-of-range volume")
	}
	if _, err := EncodeEvent('Z', false, 0, 0); err == nil {
		t.Fatal("expected error for invalid digit")
	}
}

func TestDecodeEventShortPayload(t *testing.T) {
	if _, err := DecodeEvent([]byte{1, 2}); err == nil {
		t.Fatal("expected error for short payload")
	}
}
