package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/mindwell-ai/voicecall-go/pkg/audio"
)

// UsingPortAudio initializes the PortAudio runtime around fn. Both the
// recorder and the playback sink require it.
func UsingPortAudio(fn func() error) (err error) {
	if err = portaudio.Initialize(); err != nil {
		return fmt.Errorf("error initializing portaudio: %w", err)
	}
	defer func() {
		if e := portaudio.Terminate(); e != nil {
			err = errors.Join(err, fmt.Errorf("error terminating portaudio: %w", e))
		}
	}()
	return fn()
}

// RecorderConfig tunes the PortAudio microphone recorder.
type RecorderConfig struct {
	SampleRate    int
	FrameDuration time.Duration // device read size
	ChunkInterval time.Duration // uplink chunk cadence
}

func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		SampleRate:    48000,
		FrameDuration: 20 * time.Millisecond,
		ChunkInterval: 150 * time.Millisecond,
	}
}

// PortAudioRecorder captures mono 16-bit PCM from the default input device,
// emits WAV-wrapped chunks on a fixed cadence, and tracks the RMS level of
// the most recent frame for the voice activity detector.
type PortAudioRecorder struct {
	cfg    RecorderConfig
	logger *slog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	running bool
	chunks  chan []byte
	done    chan struct{}

	level atomic.Uint64 // math.Float64bits of last frame RMS
}

func NewPortAudioRecorder(cfg RecorderConfig, logger *slog.Logger) *PortAudioRecorder {
	if cfg.SampleRate <= 0 {
		cfg = DefaultRecorderConfig()
	}
	return &PortAudioRecorder{
		cfg:    cfg,
		logger: logger,
		chunks: make(chan []byte, 8),
	}
}

// Start opens the default input device. Acquisition failure maps to
// ErrPermissionDenied: on every supported platform a refused or missing
// microphone surfaces here as a stream-open error.
func (r *PortAudioRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	frameSamples := r.cfg.SampleRate * int(r.cfg.FrameDuration/time.Millisecond) / 1000
	in := make([]int16, frameSamples)

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(r.cfg.SampleRate), len(in), &in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	r.stream = stream
	r.running = true
	r.done = make(chan struct{})
	go r.readLoop(ctx, stream, in)

	r.logger.Info("Microphone capture started",
		slog.Int("sample_rate", r.cfg.SampleRate),
		slog.Duration("chunk_interval", r.cfg.ChunkInterval))
	return nil
}

func (r *PortAudioRecorder) Chunks() <-chan []byte {
	return r.chunks
}

// Level returns the RMS of the most recently captured frame, 0..1.
func (r *PortAudioRecorder) Level() float64 {
	return math.Float64frombits(r.level.Load())
}

// Stop releases the device and closes the chunk channel. No-op when the
// recorder is not running.
func (r *PortAudioRecorder) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	stream := r.stream
	done := r.done
	r.mu.Unlock()

	err := stream.Stop()
	<-done
	if e := stream.Close(); e != nil {
		err = errors.Join(err, e)
	}
	r.level.Store(0)
	close(r.chunks)

	r.logger.Info("Microphone capture stopped")
	return err
}

func (r *PortAudioRecorder) readLoop(ctx context.Context, stream *portaudio.Stream, in []int16) {
	defer close(r.done)

	chunkSamples := r.cfg.SampleRate * int(r.cfg.ChunkInterval/time.Millisecond) / 1000
	acc := make([]int16, 0, chunkSamples+len(in))

	for {
		if ctx.Err() != nil {
			return
		}
		r.mu.Lock()
		running := r.running
		r.mu.Unlock()
		if !running {
			return
		}

		if err := stream.Read(); err != nil {
			// Stop() aborts the blocking read; anything else is a device
			// failure that ends capture.
			r.logger.Debug("Microphone read ended", slog.String("error", err.Error()))
			return
		}

		r.level.Store(math.Float64bits(audio.RMS(in)))
		acc = append(acc, in...)

		if len(acc) >= chunkSamples {
			chunk := audio.EncodeWAVChunk(acc, r.cfg.SampleRate)
			acc = acc[:0]
			select {
			case r.chunks <- chunk:
			default:
				r.logger.Warn("Capture chunk dropped, uplink not draining")
			}
		}
	}
}
