package audio

import "math"

// levelGain scales raw RMS into a useful meter range. Conversational speech
// peaks well below full scale, so unscaled RMS would pin a UI meter near
// zero.
const levelGain = 4.0

// Level computes a normalised loudness value in [0, 1] for the given
// samples: root mean square, scaled by levelGain and clamped. An empty slice
// reports 0.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	level := rms * levelGain
	if level > 1 {
		return 1
	}
	return level
}
