package audio

import (
	"math"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestBufferDuration(t *testing.T) {
	is := is.New(t)

	buf := &Buffer{Samples: make([]int16, 24000), SampleRate: 24000}
	is.Equal(buf.Duration(), time.Second) // 24000 samples at 24kHz is one second

	empty := &Buffer{SampleRate: 24000}
	is.Equal(empty.Duration(), time.Duration(0))

	var nilBuf *Buffer
	is.Equal(nilBuf.Duration(), time.Duration(0)) // nil buffer has zero duration
}

func TestRMS(t *testing.T) {
	is := is.New(t)

	is.Equal(RMS(nil), 0.0)
	is.Equal(RMS([]int16{0, 0, 0}), 0.0)

	// A full-scale square wave has RMS of ~1.0.
	loud := []int16{math.MaxInt16, -math.MaxInt16, math.MaxInt16, -math.MaxInt16}
	if got := RMS(loud); got < 0.99 || got > 1.01 {
		t.Fatalf("full-scale RMS = %f, want ~1.0", got)
	}

	quiet := []int16{100, -100, 100, -100}
	if RMS(quiet) >= RMS(loud) {
		t.Fatal("quiet signal should have lower RMS than loud signal")
	}
}

func TestDecodeFragment_WAVRoundTrip(t *testing.T) {
	is := is.New(t)

	// 100ms sine at 24kHz.
	const sampleRate = 24000
	samples := make([]int16, sampleRate/10)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*200*float64(i)/sampleRate))
	}

	payload := EncodeWAVChunk(samples, sampleRate)

	buf, err := DecodeFragment(payload)
	is.NoErr(err)
	is.Equal(buf.SampleRate, sampleRate)
	is.Equal(len(buf.Samples), len(samples))
	is.Equal(buf.Samples[10], samples[10])
	is.Equal(buf.Duration(), 100*time.Millisecond)
}

func TestDecodeFragment_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"too short", []byte{0x01, 0x02}},
		{"unknown container", []byte("this is not audio data")},
		{"truncated riff", []byte("RIFFxxxx")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeFragment(tt.payload); err == nil {
				t.Fatal("expected decode error, got nil")
			}
		})
	}
}
