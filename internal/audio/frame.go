package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// SampleRate is the only rate frames are produced at.
	SampleRate = 16000
	Channels   = 1
	// FrameSamples covers 100 ms of audio.
	FrameSamples = SampleRate / 10
)

// Frame is a block of normalized mono samples in [-1, 1].
type Frame struct {
	Sequence uint64
	Samples  []float32
}

func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples))
}

func SamplesDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

// DecodePCM16 converts little-endian signed 16-bit PCM into normalized samples.
// A trailing odd byte is ignored.
func DecodePCM16(pcm []byte, dst []float32) []float32 {
	n := len(pcm) / 2
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		dst[i] = float32(sample) / 32768.0
	}
	return dst
}

// ToInt16 clamps normalized samples back to 16-bit integer values.
func ToInt16(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32768.0)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int(v)
	}
	return out
}

// RMS returns the root-mean-square energy of samples in normalized units.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
