package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/mindwell-ai/voicecall-go/pkg/audio"
)

// MonotonicClock measures the audio timeline as elapsed wall time since
// creation.
type MonotonicClock struct {
	start time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

func (c *MonotonicClock) Now() time.Duration {
	return time.Since(c.start)
}

// PortAudioSink plays decoded buffers on the default output device. One
// output stream is shared by every source; writes are serialized so
// fragments scheduled back to back come out in order.
type PortAudioSink struct {
	clock  Clock
	logger *slog.Logger

	stream *portaudio.Stream
	frame  []int16

	// writeMu serializes stream writes across sources.
	writeMu sync.Mutex

	closed atomic.Bool
}

// NewPortAudioSink opens the default output stream at the given sample
// rate. The caller must already hold a portaudio session (UsingPortAudio).
func NewPortAudioSink(clock Clock, sampleRate int, logger *slog.Logger) (*PortAudioSink, error) {
	frame := make([]int16, 1024)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(frame), &frame)
	if err != nil {
		return nil, fmt.Errorf("opening output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("starting output stream: %w", err)
	}
	return &PortAudioSink{
		clock:  clock,
		logger: logger,
		stream: stream,
		frame:  frame,
	}, nil
}

// Play schedules the buffer to start at the given clock position. The
// returned source can be stopped mid-fragment.
func (s *PortAudioSink) Play(buf *audio.Buffer, startAt time.Duration) (Source, error) {
	if s.closed.Load() {
		return nil, errors.New("sink closed")
	}

	src := &portAudioSource{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.play(src, buf, startAt)
	return src, nil
}

func (s *PortAudioSink) play(src *portAudioSource, buf *audio.Buffer, startAt time.Duration) {
	defer close(src.done)

	if wait := startAt - s.clock.Now(); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-src.stop:
			return
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for chunk := range slices.Chunk(buf.Samples, len(s.frame)) {
		select {
		case <-src.stop:
			return
		default:
		}
		if s.closed.Load() {
			return
		}
		copy(s.frame[:len(chunk)], chunk)
		clear(s.frame[len(chunk):])
		if err := s.stream.Write(); err != nil {
			if errors.Is(err, portaudio.OutputUnderflowed) {
				continue
			}
			s.logger.Warn("Output stream write failed", slog.String("error", err.Error()))
			return
		}
	}
}

// Close stops and closes the output stream. Sources still playing finish
// silently.
func (s *PortAudioSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.stream.Stop()
	if e := s.stream.Close(); e != nil {
		err = errors.Join(err, e)
	}
	return err
}

type portAudioSource struct {
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (s *portAudioSource) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *portAudioSource) Done() <-chan struct{} {
	return s.done
}
