// Package fake provides a scripted level source for detector tests.
package fake

import "sync"

// LevelSource replays a fixed sequence of levels, one per call. After the
// script is exhausted it keeps returning the final value.
type LevelSource struct {
	mu     sync.Mutex
	levels []float64
	pos    int
}

func NewLevelSource(levels ...float64) *LevelSource {
	return &LevelSource{levels: levels}
}

func (s *LevelSource) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.levels) == 0 {
		return 0
	}
	if s.pos >= len(s.levels) {
		return s.levels[len(s.levels)-1]
	}
	v := s.levels[s.pos]
	s.pos++
	return v
}

// Constant returns a source that always reports the same level.
func Constant(level float64) *LevelSource {
	return &LevelSource{levels: []float64{level}}
}
