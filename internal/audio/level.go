package audio

import (
	"math"
)

// Level carries the basic loudness metrics the VAD calibration and
// echo-gate logic need: normalized RMS and peak amplitude in [0,1].
// Percentile-based noise-floor/dynamic-range stats are computed by the VAD
// calibrator over a window of these values, not carried here.
type Level struct {
	RMS  float64
	Peak float64
}

// MeasureLevel computes RMS and peak amplitude (both normalized to [0,1])
// for a PCM16 buffer.
func MeasureLevel(s Sample) Level {
	if len(s) == 0 {
		return Level{}
	}
	var sumSq float64
	var peak int32
	for _, v := range s {
		f := float64(v)
		sumSq += f * f
		if a := abs16(v); a > peak {
			peak = a
		}
	}
	rms := math.Sqrt(sumSq/float64(len(s))) / 32768.0
	return Level{RMS: rms, Peak: float64(peak) / 32768.0}
}

// IsSilence reports whether a buffer's RMS falls below the given floor.
func IsSilence(s Sample, rmsFloor float64) bool {
	return MeasureLevel(s).RMS < rmsFloor
}

// SNR computes signal-to-noise ratio in dB from a peak level and a noise
// floor (20*log10(peak/noiseFloor)). Returns a large sentinel value when
// the noise floor is effectively zero.
func SNR(peak, noiseFloor float64) float64 {
	const floorEpsilon = 1e-6
	if noiseFloor < floorEpsilon {
		noiseFloor = floorEpsilon
	}
	if peak < floorEpsilon {
		peak = floorEpsilon
	}
	return 20 * math.Log10(peak/noiseFloor)
}
