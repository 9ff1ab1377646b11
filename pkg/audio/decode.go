package audio

import (
	"bytes"
	"fmt"
	"io"

	gaudio "github.com/go-audio/audio"
	gwav "github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"
)

// DecodeFragment decodes one encoded agent speech fragment into mono PCM.
// The container is detected from the payload itself: RIFF/WAVE or MP3
// (raw sync or ID3-tagged). The codec choice is negotiated out of band;
// anything else is a decode error.
func DecodeFragment(payload []byte) (*Buffer, error) {
	switch {
	case len(payload) < 4:
		return nil, fmt.Errorf("fragment too short: %d bytes", len(payload))
	case bytes.HasPrefix(payload, []byte("RIFF")):
		return decodeWAV(payload)
	case bytes.HasPrefix(payload, []byte("ID3")) || payload[0] == 0xFF:
		return decodeMP3(payload)
	default:
		return nil, fmt.Errorf("unrecognized audio container (first bytes % x)", payload[:4])
	}
}

// decodeMP3 decodes an MP3 payload. go-mp3 always emits 16-bit stereo
// little-endian frames, which are downmixed to mono here.
func decodeMP3(payload []byte) (*Buffer, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("mp3 decode: %w", err)
	}

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("mp3 read: %w", err)
	}

	// 4 bytes per stereo frame: L0 L1 R0 R1.
	frames := len(raw) / 4
	samples := make([]int16, frames)
	for i := 0; i < frames; i++ {
		l := int16(raw[i*4]) | int16(raw[i*4+1])<<8
		r := int16(raw[i*4+2]) | int16(raw[i*4+3])<<8
		samples[i] = int16((int32(l) + int32(r)) / 2)
	}

	return &Buffer{Samples: samples, SampleRate: dec.SampleRate()}, nil
}

func decodeWAV(payload []byte) (*Buffer, error) {
	dec := gwav.NewDecoder(bytes.NewReader(payload))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid wav payload")
	}

	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wav decode: %w", err)
	}

	return fromIntBuffer(pcm), nil
}

// fromIntBuffer converts a go-audio integer buffer into a mono Buffer,
// averaging channels when the source is multichannel.
func fromIntBuffer(pcm *gaudio.IntBuffer) *Buffer {
	ch := pcm.Format.NumChannels
	if ch < 1 {
		ch = 1
	}
	frames := len(pcm.Data) / ch
	samples := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var acc int
		for c := 0; c < ch; c++ {
			acc += pcm.Data[i*ch+c]
		}
		samples[i] = int16(acc / ch)
	}
	return &Buffer{Samples: samples, SampleRate: pcm.Format.SampleRate}
}
