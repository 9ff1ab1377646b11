// Package audio provides the decoded PCM buffer type shared by playback and
// capture, plus the fragment codecs used on the session wire: MP3 and WAV
// decode for inbound agent speech, and WAV encode for outbound mic chunks.
package audio

import (
	"math"
	"time"
)

// Buffer holds decoded mono PCM audio.
type Buffer struct {
	Samples    []int16 // 16-bit signed PCM, mono
	SampleRate int
}

// Duration returns the playable length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// RMS returns the root-mean-square level of the samples, normalized to 0..1.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / math.MaxInt16
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
