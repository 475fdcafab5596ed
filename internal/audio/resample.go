package audio

// Resample performs linear interpolation resampling of a mono PCM16 buffer
// from inRate to outRate. This is deliberately simple: G.711 telephony audio
// is band-limited to ~3.4kHz, so linear interpolation between 8kHz, 16kHz
// and 22.05kHz (the three rates STT/TTS services in this system use) does
// not introduce audible aliasing the way it would for music-grade audio.
func Resample(src Sample, inRate, outRate int) Sample {
	if inRate <= 0 || outRate <= 0 || inRate == outRate || len(src) == 0 {
		out := make(Sample, len(src))
		copy(out, src)
		return out
	}
	ratio := float64(inRate) / float64(outRate)
	outLen := int(float64(len(src)) / ratio)
	if outLen < 1 {
		return Sample{}
	}
	out := make(Sample, outLen)
	for i := range out {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)
		if idx+1 >= len(src) {
			out[i] = src[len(src)-1]
			continue
		}
		a := float64(src[idx])
		b := float64(src[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}
