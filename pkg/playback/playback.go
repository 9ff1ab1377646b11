// Package playback turns an unordered stream of encoded agent audio
// fragments into gapless, in-order playback on a shared audio clock.
package playback

import (
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/mindwell-ai/voicecall-go/pkg/audio"
)

const (
	// MinAudible is the shortest fragment that is worth scheduling.
	// Anything below it is treated as empty or noise and dropped.
	MinAudible = 10 * time.Millisecond

	// ScheduleLead is how far in the future a fragment starts when the
	// cursor is not already ahead of the clock. It gives the sink a small
	// head start against under-run.
	ScheduleLead = 30 * time.Millisecond
)

// Clock reports the current position on the audio timeline. Implementations
// must be monotonic.
type Clock interface {
	Now() time.Duration
}

// Source is one fragment that has been handed to the sink. Stop halts it
// immediately; Done is closed when it finishes or is stopped.
type Source interface {
	Stop()
	Done() <-chan struct{}
}

// Sink plays decoded buffers on the audio device at a given clock position.
type Sink interface {
	Play(buf *audio.Buffer, startAt time.Duration) (Source, error)
}

// SchedulerMetrics holds counters exported by the scheduler.
type SchedulerMetrics struct {
	FragmentsScheduled *expvar.Int
	StaleDiscards      *expvar.Int
	DecodeErrors       *expvar.Int
	ShortDrops         *expvar.Int
}

// newSchedulerMetrics creates metrics without global registration so tests
// can run many schedulers side by side.
func newSchedulerMetrics() *SchedulerMetrics {
	return &SchedulerMetrics{
		FragmentsScheduled: &expvar.Int{},
		StaleDiscards:      &expvar.Int{},
		DecodeErrors:       &expvar.Int{},
		ShortDrops:         &expvar.Int{},
	}
}

// Scheduler owns the per-session playback state: the pending fragment
// buffer, the next expected sequence index, the playback cursor and the
// current generation. All fragments tagged with an older generation are
// discarded without side effects.
type Scheduler struct {
	clock  Clock
	sink   Sink
	logger *slog.Logger

	mu         sync.Mutex
	generation int64
	pending    map[int]*audio.Buffer
	nextIndex  int
	cursor     time.Duration
	active     map[Source]struct{}

	metrics *SchedulerMetrics
}

// NewScheduler creates a scheduler playing on the given sink and clock.
func NewScheduler(clock Clock, sink Sink, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		clock:   clock,
		sink:    sink,
		logger:  logger,
		pending: make(map[int]*audio.Buffer),
		active:  make(map[Source]struct{}),
		metrics: newSchedulerMetrics(),
	}
}

// Metrics returns the scheduler's counters.
func (s *Scheduler) Metrics() *SchedulerMetrics {
	return s.metrics
}

// Generation returns the current generation counter.
func (s *Scheduler) Generation() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// SubmitFragment decodes the payload asynchronously and, if the generation
// still matches when decoding completes, files the buffer under its sequence
// index and drains everything that became contiguous. Decode failures are
// logged and the fragment is treated as if it never arrived.
func (s *Scheduler) SubmitFragment(index int, payload []byte, generation int64) {
	go func() {
		buf, err := audio.DecodeFragment(payload)
		if err != nil {
			s.metrics.DecodeErrors.Add(1)
			s.logger.Warn("Fragment decode failed",
				slog.Int("index", index),
				slog.String("error", err.Error()))
			return
		}
		s.onDecoded(index, buf, generation)
	}()
}

func (s *Scheduler) onDecoded(index int, buf *audio.Buffer, generation int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation {
		s.metrics.StaleDiscards.Add(1)
		s.logger.Debug("Discarding stale fragment",
			slog.Int("index", index),
			slog.Int64("generation", generation))
		return
	}

	s.pending[index] = buf
	s.drainLocked()
}

// drainLocked hands pending buffers to the sink while the next expected
// index is present. A missing index stalls the drain until it arrives;
// utterance completion is signaled out of band, so a permanent gap is
// resolved by the next invalidation.
func (s *Scheduler) drainLocked() {
	for {
		buf, ok := s.pending[s.nextIndex]
		if !ok {
			return
		}
		delete(s.pending, s.nextIndex)
		s.nextIndex++
		s.scheduleLocked(buf)
	}
}

func (s *Scheduler) scheduleLocked(buf *audio.Buffer) {
	d := buf.Duration()
	if d < MinAudible {
		s.metrics.ShortDrops.Add(1)
		return
	}

	// Abut the previous fragment when the cursor is still ahead of the
	// clock; otherwise restart slightly in the future.
	now := s.clock.Now()
	start := s.cursor
	if start <= now {
		start = now + ScheduleLead
	}

	src, err := s.sink.Play(buf, start)
	if err != nil {
		s.logger.Warn("Sink rejected fragment", slog.String("error", err.Error()))
		return
	}
	s.cursor = start + d
	s.active[src] = struct{}{}
	s.metrics.FragmentsScheduled.Add(1)

	generation := s.generation
	go func() {
		<-src.Done()
		s.onSourceEnded(src, generation)
	}()
}

func (s *Scheduler) onSourceEnded(src Source, generation int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation {
		return
	}
	delete(s.active, src)

	// Fully drained: let the next turn start at "now" instead of chasing
	// a cursor left in the past.
	if len(s.active) == 0 && len(s.pending) == 0 {
		s.cursor = 0
	}
}

// IsAudible reports whether the agent is currently audible: something is
// playing, or decoded fragments are queued and expected to play.
func (s *Scheduler) IsAudible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0 || len(s.pending) > 0
}

// PendingCount reports how many decoded fragments are waiting on a gap.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Invalidate stops every active source, clears the pending buffer and
// resets the sequence index and cursor, then adopts the new generation.
// Anything still in flight for an older generation is discarded when it
// lands. Safe to call at any time, including when nothing is playing.
func (s *Scheduler) Invalidate(newGeneration int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation = newGeneration
	for src := range s.active {
		src.Stop()
	}
	s.active = make(map[Source]struct{})
	s.pending = make(map[int]*audio.Buffer)
	s.nextIndex = 0
	s.cursor = 0
}
