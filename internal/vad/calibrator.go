package vad

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/opensips/voice-connector/internal/audio"
)

// Calibration constants tuning how aggressively the threshold reacts to
// noise conditions.
const (
	minThreshold = 0.15
	maxThreshold = 0.60
	baseThreshold = 0.30

	calibrationInterval = 2 * time.Second
	normalizationWindow = 30 * time.Second

	highNoiseFloor      = 0.018
	highNoiseSNR        = 20.0
	highNoiseRMS        = 0.009
	highNoiseLoudRMS    = 0.05
	highNoiseLowDynamic = 10.0
	highNoiseSuppressRMS = 0.008

	lowNoiseFloor = 0.01
	lowNoiseSNR   = 20.0
	lowNoiseRMS   = 0.0025

	veryQuietPeak = 0.1
	veryLoudPeak  = 0.8

	extremeNoiseRuns      = 3
	extremeNoiseThreshold = 0.45
	extremeNoiseRMS       = 0.012
	extremeNoisePeak      = 0.7

	highNoiseThreshold = 0.4
)

// metricsWindow accumulates per-chunk peak/RMS samples between calibration
// passes.
type metricsWindow struct {
	rms  []float64
	peak []float64
}

func (w *metricsWindow) add(lvl audio.Level) {
	w.rms = append(w.rms, lvl.RMS)
	w.peak = append(w.peak, lvl.Peak)
}

func (w *metricsWindow) reset() {
	w.rms = w.rms[:0]
	w.peak = w.peak[:0]
}

func (w *metricsWindow) concatRMS() float64 {
	return mean(w.rms)
}

func (w *metricsWindow) concatPeak() float64 {
	return mean(w.peak)
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// percentile computes the p-th percentile (0..100) via gonum's quantile,
// used for noise-floor and dynamic-range estimation.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(p/100, stat.Empirical, sorted, nil)
}

// Calibrator holds the adaptive threshold state. It recalibrates every
// calibrationInterval from accumulated RMS/peak metrics and nudges Threshold
// up (more noise -> be stricter) or down (quiet/clean signal -> be more
// sensitive), with a slow drift back toward baseThreshold every
// normalizationWindow, and a hard override that forces non-speech during sustained
// extreme noise.
type Calibrator struct {
	Threshold float64

	window        metricsWindow
	lastCalibrate time.Time
	lastNormalize time.Time
	highNoiseRuns int
}

func NewCalibrator() *Calibrator {
	now := time.Now()
	return &Calibrator{
		Threshold:     baseThreshold,
		lastCalibrate: now,
		lastNormalize: now,
	}
}

// Observe feeds one chunk's level into the current calibration window and,
// if the window has matured, recalibrates the Threshold. Returns true if an
// extreme-noise override is currently in force (caller should treat the
// chunk as non-speech regardless of detector score); a chunk whose peak is
// at or above extremeNoisePeak is never overridden.
func (c *Calibrator) Observe(lvl audio.Level, now time.Time) (extremeOverride bool) {
	c.window.add(lvl)

	if now.Sub(c.lastCalibrate) >= calibrationInterval {
		c.calibrate(now)
	}
	if now.Sub(c.lastNormalize) >= normalizationWindow {
		c.normalize()
		c.lastNormalize = now
	}

	if c.highNoiseRuns >= extremeNoiseRuns && c.Threshold > extremeNoiseThreshold && lvl.RMS > extremeNoiseRMS {
		if lvl.Peak < extremeNoisePeak {
			return true
		}
	}
	return false
}

func (c *Calibrator) calibrate(now time.Time) {
	defer func() {
		c.window.reset()
		c.lastCalibrate = now
	}()
	if len(c.window.rms) == 0 {
		return
	}

	noiseFloor := percentile(c.window.rms, 10)
	peak := percentile(c.window.peak, 90)
	dynamicRange := audio.SNR(peak, percentile(c.window.peak, 10))
	snr := audio.SNR(peak, noiseFloor)
	rmsConcat := c.window.concatRMS()
	peakConcat := c.window.concatPeak()

	isHighNoise := noiseFloor > highNoiseFloor ||
		(snr < highNoiseSNR && rmsConcat > highNoiseRMS) ||
		(rmsConcat > highNoiseLoudRMS && dynamicRange < highNoiseLowDynamic)
	if rmsConcat < highNoiseSuppressRMS {
		isHighNoise = false
	}

	if isHighNoise {
		c.highNoiseRuns++
		trend := 1.0
		switch {
		case c.highNoiseRuns >= 3:
			trend = 2.0
		case c.highNoiseRuns == 2:
			trend = 1.5
		}
		var step float64
		if snr < 5 {
			step = 0.08 * trend
		} else {
			step = 0.05 * trend
		}
		c.Threshold += step
		if c.Threshold > maxThreshold {
			c.Threshold = maxThreshold
		}
		return
	}
	c.highNoiseRuns = 0

	isLowNoise := (noiseFloor < lowNoiseFloor && snr > lowNoiseSNR) || rmsConcat < lowNoiseRMS
	if isLowNoise {
		var step float64
		switch {
		case c.Threshold > 0.4:
			step = 0.1
		case c.Threshold > 0.25:
			step = 0.08
		default:
			step = 0.05
		}
		c.Threshold -= step
	}
	if peakConcat < veryQuietPeak {
		c.Threshold -= 0.02
	}
	if peakConcat > veryLoudPeak {
		c.Threshold += 0.05
	}
	if c.Threshold < minThreshold {
		c.Threshold = minThreshold
	}
	if c.Threshold > maxThreshold {
		c.Threshold = maxThreshold
	}
}

// normalize gradually drifts Threshold back toward baseThreshold; Observe
// calls it every normalizationWindow regardless of noise, so a noisy burst earlier in the call doesn't leave the
// detector permanently desensitized.
func (c *Calibrator) normalize() {
	if c.Threshold > baseThreshold {
		c.Threshold -= 0.03
		if c.Threshold < baseThreshold {
			c.Threshold = baseThreshold
		}
	} else if c.Threshold < baseThreshold {
		c.Threshold += 0.05
		if c.Threshold > baseThreshold {
			c.Threshold = baseThreshold
		}
	}
}

// RequiresSecondaryConfirmation reports whether the current threshold is
// high enough that a bare detector score shouldn't be trusted alone and a
// stricter secondary detector pass is needed to confirm speech.
func (c *Calibrator) RequiresSecondaryConfirmation() bool {
	return c.Threshold > highNoiseThreshold && c.highNoiseRuns < extremeNoiseRuns
}
