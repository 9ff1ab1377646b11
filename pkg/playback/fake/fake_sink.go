// Package fake provides in-memory playback primitives for scheduler and
// session tests: a manually advanced clock and a sink that records what
// was scheduled instead of playing it.
package fake

import (
	"sync"
	"time"

	"github.com/mindwell-ai/voicecall-go/pkg/audio"
	"github.com/mindwell-ai/voicecall-go/pkg/playback"
)

// Clock is a manually advanced audio clock.
type Clock struct {
	mu  sync.Mutex
	now time.Duration
}

func NewClock() *Clock {
	return &Clock{}
}

func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// Played is one scheduled fragment as the sink saw it.
type Played struct {
	Buf     *audio.Buffer
	StartAt time.Duration
	Source  *Source
}

// Sink records every Play call. Sources stay open until the test finishes
// or stops them.
type Sink struct {
	mu     sync.Mutex
	played []Played

	PlayErr error // returned by Play when set
}

func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) Play(buf *audio.Buffer, startAt time.Duration) (playback.Source, error) {
	if s.PlayErr != nil {
		return nil, s.PlayErr
	}
	src := &Source{done: make(chan struct{})}
	s.mu.Lock()
	s.played = append(s.played, Played{Buf: buf, StartAt: startAt, Source: src})
	s.mu.Unlock()
	return src, nil
}

// Played returns a snapshot of everything scheduled so far.
func (s *Sink) Snapshot() []Played {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Played, len(s.played))
	copy(out, s.played)
	return out
}

// PlayedCount returns how many fragments have been scheduled.
func (s *Sink) PlayedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.played)
}

// Source is a scheduled fragment the test finishes or observes being
// stopped.
type Source struct {
	mu      sync.Mutex
	stopped bool
	closed  bool
	done    chan struct{}
}

// Finish marks the source as having played to completion.
func (s *Source) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Stopped reports whether Stop was called before the source finished.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
