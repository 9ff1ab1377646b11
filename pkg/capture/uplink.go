package capture

import (
	"encoding/base64"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mindwell-ai/voicecall-go/pkg/transport"
)

// Sender is the slice of the session transport the uplink needs.
type Sender interface {
	Send(v any) error
}

// Uplink forwards recorder chunks to the transport while its gate is open
// and announces utterance boundaries. The gate is closed between
// utterances so microphone data never flows while the agent holds the turn.
type Uplink struct {
	rec    Recorder
	sender Sender
	logger *slog.Logger

	streaming atomic.Bool

	// sendMu serializes outbound frames so the utterance-end message can
	// never overtake a chunk that was already being forwarded.
	sendMu sync.Mutex

	runOnce sync.Once
	done    chan struct{}

	chunksSent atomic.Int64
}

func NewUplink(rec Recorder, sender Sender, logger *slog.Logger) *Uplink {
	return &Uplink{
		rec:    rec,
		sender: sender,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run consumes recorder chunks until the recorder's channel closes. Chunks
// arriving while the gate is closed are discarded.
func (u *Uplink) Run() {
	u.runOnce.Do(func() {
		go func() {
			defer close(u.done)
			for chunk := range u.rec.Chunks() {
				if !u.streaming.Load() {
					continue
				}
				u.forward(chunk)
			}
		}()
	})
}

// Begin opens the gate: subsequent recorder chunks are streamed to the
// agent as audio_chunk messages.
func (u *Uplink) Begin() {
	if u.streaming.Swap(true) {
		return
	}
	u.logger.Debug("Uplink streaming started")
}

// End closes the gate and then sends the utterance-end control message.
// The message is guaranteed to follow every chunk that was forwarded.
// Calling End when not streaming is a no-op.
func (u *Uplink) End() error {
	if !u.streaming.Swap(false) {
		return nil
	}

	u.sendMu.Lock()
	defer u.sendMu.Unlock()
	u.logger.Debug("Uplink streaming ended",
		slog.Int64("chunks_sent", u.chunksSent.Load()))
	return u.sender.Send(transport.Envelope{Type: transport.TypeUserUtteranceEnd})
}

// Abort closes the gate without announcing an utterance boundary. Used on
// teardown and on the no-speech path.
func (u *Uplink) Abort() {
	u.streaming.Store(false)
}

// ChunksSent reports how many audio chunks were forwarded so far.
func (u *Uplink) ChunksSent() int64 {
	return u.chunksSent.Load()
}

// Done is closed once the recorder stream has drained.
func (u *Uplink) Done() <-chan struct{} {
	return u.done
}

func (u *Uplink) forward(chunk []byte) {
	u.sendMu.Lock()
	defer u.sendMu.Unlock()

	// Re-check under the lock: End may have closed the gate while this
	// chunk was waiting, and nothing may be sent after utterance end.
	if !u.streaming.Load() {
		return
	}

	msg := transport.Envelope{
		Type:      transport.TypeAudioChunk,
		AudioData: base64.StdEncoding.EncodeToString(chunk),
	}
	if err := u.sender.Send(msg); err != nil {
		u.logger.Warn("Uplink chunk dropped", slog.String("error", err.Error()))
		return
	}
	u.chunksSent.Add(1)
}
