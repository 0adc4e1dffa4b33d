package audio

import "time"

// EncodePCM16 converts float32 samples to the little-endian 16-bit PCM wire
// format. Samples outside [-1, 1] are clamped rather than wrapped, so a
// slightly hot microphone distorts instead of producing full-scale clicks.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DecodePCM16 converts little-endian 16-bit PCM wire bytes to float32
// samples. A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := range n {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		out[i] = float32(v) / 32768
	}
	return out
}

// PCM16Duration returns the playback duration of n bytes of 16-bit mono PCM
// at the given sample rate.
func PCM16Duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(rate)
}
