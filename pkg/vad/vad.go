// Package vad implements energy-threshold voice activity detection for the
// live microphone stream. It is a heuristic, not a speech recognizer: the
// level source is sampled on a fixed interval and classified against a
// configured threshold, with hysteresis provided by the silence timer.
package vad

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType classifies a detector event.
type EventType int

const (
	// EventSpeechStart fires when the level first exceeds the speaking
	// threshold while the detector is armed.
	EventSpeechStart EventType = iota
	// EventSpeechEnd fires after the level stays below the threshold for
	// the configured silence duration following speech.
	EventSpeechEnd
	// EventNoSpeech fires when no speech at all occurred within the
	// no-speech window after (re)arming.
	EventNoSpeech
)

func (t EventType) String() string {
	switch t {
	case EventSpeechStart:
		return "SpeechStart"
	case EventSpeechEnd:
		return "SpeechEnd"
	case EventNoSpeech:
		return "NoSpeech"
	default:
		return "Unknown"
	}
}

// Event is one detector observation.
type Event struct {
	Type      EventType
	Timestamp time.Time
}

// LevelSource supplies the current aggregate signal level, normalized 0..1.
type LevelSource interface {
	Level() float64
}

// Config holds the detector tunables. These are deliberate constants of the
// conversation design, not run-time adaptive values.
type Config struct {
	SpeakingThreshold float64       // level at or above this counts as speech
	SilenceDuration   time.Duration // sustained silence that ends an utterance
	NoSpeechTimeout   time.Duration // window after arming in which speech must occur
	SampleInterval    time.Duration // level sampling cadence
}

// DefaultConfig returns the tuning used for the psychologist call sessions.
func DefaultConfig() Config {
	return Config{
		SpeakingThreshold: 0.02,
		SilenceDuration:   2 * time.Second,
		NoSpeechTimeout:   8 * time.Second,
		SampleInterval:    100 * time.Millisecond,
	}
}

const eventBuffer = 8

// Detector samples a LevelSource and emits speech boundary events.
// One Detector serves one session; Start may be called once.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	events  chan Event

	rearm atomic.Bool
}

func New(cfg Config, logger *slog.Logger) *Detector {
	if cfg.SampleInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Detector{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, eventBuffer),
	}
}

// Start begins periodic sampling of src. The returned channel delivers
// events until Stop is called.
func (d *Detector) Start(src LevelSource) (<-chan Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil, errors.New("vad: already started")
	}
	if src == nil {
		return nil, errors.New("vad: level source is required")
	}

	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(src)
	return d.events, nil
}

// Rearm restarts the no-speech window. Called on every transition into the
// listening phase so a stale window never fires into the wrong turn.
func (d *Detector) Rearm() {
	d.rearm.Store(true)
}

// Stop cancels sampling and all timers. Safe to call multiple times.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()
	<-done
}

func (d *Detector) run(src LevelSource) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.SampleInterval)
	defer ticker.Stop()

	var (
		speaking     bool
		silentFor    time.Duration
		armedFor     time.Duration
		spoke        bool // speech seen since last rearm
		noSpeechSent bool
	)

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}

		if d.rearm.Swap(false) {
			armedFor = 0
			spoke = false
			noSpeechSent = false
			silentFor = 0
		}

		level := src.Level()

		if level >= d.cfg.SpeakingThreshold {
			silentFor = 0
			spoke = true
			if !speaking {
				speaking = true
				d.emit(EventSpeechStart)
			}
			continue
		}

		if speaking {
			silentFor += d.cfg.SampleInterval
			if silentFor >= d.cfg.SilenceDuration {
				speaking = false
				silentFor = 0
				d.emit(EventSpeechEnd)
			}
			continue
		}

		if !spoke && !noSpeechSent {
			armedFor += d.cfg.SampleInterval
			if armedFor >= d.cfg.NoSpeechTimeout {
				noSpeechSent = true
				d.emit(EventNoSpeech)
			}
		}
	}
}

func (d *Detector) emit(t EventType) {
	ev := Event{Type: t, Timestamp: time.Now()}
	select {
	case d.events <- ev:
	default:
		// The consumer is the session loop; if it stalls long enough to
		// fill the buffer, dropping is better than blocking the sampler.
		d.logger.Warn("VAD event dropped", slog.String("type", t.String()))
	}
}
