// Package fake provides an in-memory recorder for uplink and session tests.
package fake

import (
	"context"
	"sync"
)

// Recorder is a scriptable capture.Recorder. Tests push chunks and set the
// reported level directly.
type Recorder struct {
	mu      sync.Mutex
	level   float64
	chunks  chan []byte
	started bool
	stopped bool

	StartErr error // returned by Start when set
}

func NewRecorder() *Recorder {
	return &Recorder{chunks: make(chan []byte, 32)}
}

func (r *Recorder) Start(ctx context.Context) error {
	if r.StartErr != nil {
		return r.StartErr
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Chunks() <-chan []byte { return r.chunks }

func (r *Recorder) Level() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	close(r.chunks)
	return nil
}

// SetLevel sets the level reported to the VAD.
func (r *Recorder) SetLevel(level float64) {
	r.mu.Lock()
	r.level = level
	r.mu.Unlock()
}

// PushChunk feeds one capture chunk to the uplink.
func (r *Recorder) PushChunk(chunk []byte) {
	r.chunks <- chunk
}

// Started reports whether Start was called.
func (r *Recorder) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}
