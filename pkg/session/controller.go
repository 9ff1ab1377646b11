// Package session implements the turn-taking orchestrator for one voice
// call: a finite state machine that ties the VAD, microphone uplink,
// transport and playback scheduler together, decides who may speak, and
// handles barge-in and auto-re-listen.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mindwell-ai/voicecall-go/pkg/capture"
	"github.com/mindwell-ai/voicecall-go/pkg/transport"
	"github.com/mindwell-ai/voicecall-go/pkg/vad"
)

// ErrDisconnected is returned by Run when the transport drops before the
// session ends cleanly.
var ErrDisconnected = errors.New("transport disconnected")

// DefaultPollInterval is how often the controller re-checks the composite
// "agent finished speaking" condition while in AgentSpeaking. Audibility is
// a level signal aggregated from many short-lived playback completions, so
// it is polled rather than evented.
const DefaultPollInterval = 100 * time.Millisecond

// Conn is the slice of the session transport the controller drives.
type Conn interface {
	Send(v any) error
	Messages() <-chan transport.ServerMessage
	Close() error
}

// Player is the playback scheduler as seen by the controller. The
// controller never touches the scheduler's internals; cancellation happens
// only through Invalidate with a fresh generation.
type Player interface {
	SubmitFragment(index int, payload []byte, generation int64)
	IsAudible() bool
	PendingCount() int
	Invalidate(generation int64)
}

// Entry is one line of the running conversation transcript.
type Entry struct {
	Role string // "user" or "agent"
	Text string
}

// Metrics holds the controller's exported counters.
type Metrics struct {
	StateTransitions  *expvar.Map
	BargeIns          *expvar.Int
	NoSpeechPrompts   *expvar.Int
	FragmentsReceived *expvar.Int
	ServerErrors      *expvar.Int
	FirstAudioLatency *expvar.Float // ms from turn start to first fragment
}

func newMetrics() *Metrics {
	transitions := &expvar.Map{}
	transitions.Init()
	return &Metrics{
		StateTransitions:  transitions,
		BargeIns:          &expvar.Int{},
		NoSpeechPrompts:   &expvar.Int{},
		FragmentsReceived: &expvar.Int{},
		ServerErrors:      &expvar.Int{},
		FirstAudioLatency: &expvar.Float{},
	}
}

// Config holds everything a Controller needs.
type Config struct {
	Transport Conn
	Player    Player
	Mic       capture.Recorder
	VAD       *vad.Detector

	// Connect is invoked while entering Connecting; it typically dials
	// the websocket and sends the init frame. Optional: leave nil when
	// the transport is already connected.
	Connect func(ctx context.Context) error

	PollInterval time.Duration
	Logger       *slog.Logger
}

// Controller is the session state machine. All mutable turn state is owned
// by the run loop; events from the VAD, the transport and the poll ticker
// are applied one at a time, so transitions never interleave.
type Controller struct {
	conn   Conn
	player Player
	mic    capture.Recorder
	vad    *vad.Detector
	uplink *capture.Uplink

	connect func(ctx context.Context) error
	poll    time.Duration
	logger  *slog.Logger

	state      atomic.Int32
	generation atomic.Int64

	// Run-loop owned; never touched outside the loop.
	responseComplete bool
	suppressAudio    bool
	nextAutoIndex    int
	turnStarted      time.Time

	transcriptMu sync.Mutex
	transcript   []Entry

	stopOnce sync.Once
	stopped  chan struct{}

	metrics *Metrics
}

// New creates a Controller with the given configuration.
func New(cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Player == nil {
		return nil, fmt.Errorf("player is required")
	}
	if cfg.Mic == nil {
		return nil, fmt.Errorf("microphone recorder is required")
	}
	if cfg.VAD == nil {
		return nil, fmt.Errorf("VAD detector is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	c := &Controller{
		conn:    cfg.Transport,
		player:  cfg.Player,
		mic:     cfg.Mic,
		vad:     cfg.VAD,
		connect: cfg.Connect,
		poll:    cfg.PollInterval,
		logger:  cfg.Logger,
		stopped: make(chan struct{}),
		metrics: newMetrics(),
	}
	c.uplink = capture.NewUplink(cfg.Mic, cfg.Transport, cfg.Logger)
	c.state.Store(int32(StateIdle))
	return c, nil
}

// State returns the controller's current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Generation returns the current turn generation.
func (c *Controller) Generation() int64 {
	return c.generation.Load()
}

// Metrics returns the controller's counters.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// Transcript returns a snapshot of the conversation so far.
func (c *Controller) Transcript() []Entry {
	c.transcriptMu.Lock()
	defer c.transcriptMu.Unlock()
	out := make([]Entry, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Stop ends the call. Safe to call from any goroutine, any number of times.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// Run drives the session until it ends, the transport drops, the context
// is cancelled or Stop is called. It acquires the microphone, arms the
// VAD and then processes events run-to-completion.
func (c *Controller) Run(ctx context.Context) error {
	c.setState(StateConnecting)
	if c.connect != nil {
		if err := c.connect(ctx); err != nil {
			c.setState(StateIdle)
			return fmt.Errorf("connecting session: %w", err)
		}
	}

	if err := c.mic.Start(ctx); err != nil {
		c.teardown()
		return fmt.Errorf("starting microphone: %w", err)
	}
	c.uplink.Run()

	vadEvents, err := c.vad.Start(c.mic)
	if err != nil {
		c.teardown()
		return fmt.Errorf("starting VAD: %w", err)
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.endCall()
			return ctx.Err()
		case <-c.stopped:
			c.endCall()
			return nil
		case msg, ok := <-c.conn.Messages():
			if !ok {
				c.teardown()
				return ErrDisconnected
			}
			if done := c.handleMessage(msg); done {
				c.teardown()
				return nil
			}
		case ev := <-vadEvents:
			c.handleVADEvent(ev)
		case <-ticker.C:
			c.maybeRelisten()
		}
	}
}

// setState atomically updates the state and records the transition.
func (c *Controller) setState(newState State) {
	oldState := State(c.state.Swap(int32(newState)))
	if oldState == newState {
		return
	}

	key := fmt.Sprintf("%s_to_%s", oldState, newState)
	if counter := c.metrics.StateTransitions.Get(key); counter != nil {
		counter.(*expvar.Int).Add(1)
	} else {
		n := &expvar.Int{}
		n.Set(1)
		c.metrics.StateTransitions.Set(key, n)
	}

	c.logger.Debug("Session state changed",
		slog.String("from", oldState.String()),
		slog.String("to", newState.String()))
}

// handleMessage applies one inbound frame. Returns true when the session
// is over and the loop should exit.
func (c *Controller) handleMessage(msg transport.ServerMessage) bool {
	switch msg.Type {
	case transport.TypeConnectionEstablished:
		if c.State() == StateConnecting {
			c.setState(StateListening)
			c.vad.Rearm()
		}
		c.logger.Info("Session established", slog.String("message", msg.Message))

	case transport.TypeProcessingVoice:
		// A new agent turn begins. Everything in flight for the old one
		// is stale from here on.
		gen := c.generation.Add(1)
		c.player.Invalidate(gen)
		c.suppressAudio = false
		c.responseComplete = false
		c.nextAutoIndex = 0
		c.turnStarted = time.Now()
		if s := c.State(); s == StateUserSpeaking || s == StateListening {
			c.setState(StateProcessing)
		}

	case transport.TypeGeneratingTTS:
		c.logger.Debug("Agent synthesizing speech")

	case transport.TypeAIAudioChunk:
		c.handleAudioChunk(msg)

	case transport.TypeTTSComplete:
		if c.State() == StateProcessing {
			// Response carried no audio at all; hand the turn back now.
			c.setState(StateListening)
			c.vad.Rearm()
			return false
		}
		c.responseComplete = true

	case transport.TypeFinalTranscript:
		if msg.Data != nil && msg.Data.Text != "" {
			c.appendTranscript("user", msg.Data.Text)
		}

	case transport.TypeAIText:
		if msg.Data != nil && msg.Data.Text != "" {
			c.appendTranscript("agent", msg.Data.Text)
		}

	case transport.TypeStopTTS:
		c.handleStopTTS()

	case transport.TypeSessionEnded:
		c.logger.Info("Session ended by agent", slog.String("message", msg.Message))
		return true

	case transport.TypeError:
		c.metrics.ServerErrors.Add(1)
		c.logger.Error("Agent reported error", slog.String("message", msg.Message))

	default:
		c.logger.Debug("Ignoring unknown message", slog.String("type", msg.Type))
	}
	return false
}

// handleAudioChunk files one agent speech fragment with the scheduler and,
// if this is the first audio of a turn, moves to AgentSpeaking. The agent's
// opening greeting arrives this way without a preceding processing_voice,
// straight out of Listening.
func (c *Controller) handleAudioChunk(msg transport.ServerMessage) {
	if c.suppressAudio {
		// Fragments still streaming for a turn we already interrupted.
		return
	}
	if msg.Data == nil || msg.Data.AudioBase64 == "" {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(msg.Data.AudioBase64)
	if err != nil {
		c.logger.Warn("Dropping malformed audio frame", slog.String("error", err.Error()))
		return
	}

	index := c.nextAutoIndex
	if msg.Data.ChunkIndex != nil {
		index = *msg.Data.ChunkIndex
	}
	c.nextAutoIndex = index + 1

	c.metrics.FragmentsReceived.Add(1)
	c.player.SubmitFragment(index, payload, c.generation.Load())

	if s := c.State(); s == StateProcessing || s == StateListening {
		if !c.turnStarted.IsZero() {
			c.metrics.FirstAudioLatency.Set(float64(time.Since(c.turnStarted).Milliseconds()))
		}
		c.responseComplete = false
		c.setState(StateAgentSpeaking)
	}
}

// handleStopTTS applies a server-initiated interrupt. When it merely acks
// our own barge-in the turn has already moved on and there is nothing to do.
func (c *Controller) handleStopTTS() {
	if c.State() != StateAgentSpeaking {
		return
	}
	gen := c.generation.Add(1)
	c.player.Invalidate(gen)
	c.suppressAudio = true
	c.setState(StateListening)
	c.vad.Rearm()
}

func (c *Controller) handleVADEvent(ev vad.Event) {
	switch ev.Type {
	case vad.EventSpeechStart:
		switch c.State() {
		case StateListening:
			c.uplink.Begin()
			c.setState(StateUserSpeaking)
		case StateAgentSpeaking:
			c.bargeIn()
		}

	case vad.EventSpeechEnd:
		if c.State() != StateUserSpeaking {
			return
		}
		c.setState(StateProcessing)
		// End closes the uplink gate before announcing the boundary, so
		// the utterance-end frame never races captured audio.
		if err := c.uplink.End(); err != nil {
			c.logger.Warn("Utterance end not delivered", slog.String("error", err.Error()))
		}

	case vad.EventNoSpeech:
		if c.State() != StateListening {
			return
		}
		c.metrics.NoSpeechPrompts.Add(1)
		c.uplink.Abort()
		if err := c.conn.Send(transport.Envelope{Type: transport.TypeNoSpeechDetected}); err != nil {
			c.logger.Warn("No-speech signal not delivered", slog.String("error", err.Error()))
		}
		// Stay in Listening; the agent replies with a spoken prompt that
		// cycles through Processing and AgentSpeaking like any response.
	}
}

// bargeIn handles the user speaking over the agent: kill the agent's audio
// locally, tell the server to stop synthesizing, and take the turn.
func (c *Controller) bargeIn() {
	c.metrics.BargeIns.Add(1)
	gen := c.generation.Add(1)
	c.player.Invalidate(gen)
	c.suppressAudio = true

	c.setState(StateInterrupted)
	if err := c.conn.Send(transport.Envelope{Type: transport.TypeBargeIn}); err != nil {
		c.logger.Warn("Barge-in signal not delivered", slog.String("error", err.Error()))
	}
	c.uplink.Begin()
	c.setState(StateUserSpeaking)
}

// maybeRelisten hands the turn back to the user once the agent is truly
// finished: response complete, nothing audible, nothing queued behind a gap.
func (c *Controller) maybeRelisten() {
	if c.State() != StateAgentSpeaking {
		return
	}
	if !c.responseComplete || c.player.IsAudible() || c.player.PendingCount() > 0 {
		return
	}
	c.setState(StateListening)
	c.vad.Rearm()
}

func (c *Controller) appendTranscript(role, text string) {
	c.transcriptMu.Lock()
	c.transcript = append(c.transcript, Entry{Role: role, Text: text})
	c.transcriptMu.Unlock()
}

// endCall is the user-initiated shutdown: tell the agent, then tear down.
func (c *Controller) endCall() {
	if err := c.conn.Send(transport.Envelope{Type: transport.TypeEndSession}); err != nil {
		c.logger.Debug("End-session signal not delivered", slog.String("error", err.Error()))
	}
	c.teardown()
}

// teardown releases every session resource and settles in Idle. Safe to
// call more than once.
func (c *Controller) teardown() {
	c.uplink.Abort()
	c.vad.Stop()
	if err := c.mic.Stop(); err != nil {
		c.logger.Warn("Microphone stop failed", slog.String("error", err.Error()))
	}
	c.player.Invalidate(c.generation.Add(1))
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("Transport close failed", slog.String("error", err.Error()))
	}
	c.setState(StateIdle)
}
