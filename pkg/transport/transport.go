// Package transport implements the message channel to the remote voice
// agent: a JSON WebSocket session plus the HTTP bootstrap that creates it.
//
// The channel is fail-closed. A broken connection closes Messages() and
// every later Send returns ErrNotConnected; reconnecting is a new session
// decided by the caller, never an automatic retry loop.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mindwell-ai/voicecall-go/internal/wsclient"
)

var (
	// ErrNotConnected is returned by Send when the channel is not open.
	// The message is dropped; this transport does not buffer-and-retry.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned by Connect on a transport that was already
	// used. One Transport serves one session; reconnecting is a new
	// Transport.
	ErrClosed = errors.New("transport: closed")
)

const inboundBuffer = 64

// Transport is the WebSocket message channel for one session.
type Transport struct {
	logger *slog.Logger

	mu        sync.Mutex
	client    *wsclient.Client
	connected bool
	closed    bool

	msgs chan ServerMessage
	done chan struct{}
}

func New(logger *slog.Logger) *Transport {
	return &Transport{
		logger: logger,
		msgs:   make(chan ServerMessage, inboundBuffer),
		done:   make(chan struct{}),
	}
}

// Connect opens the channel, sends the init frame and starts the read loop.
// Messages() is closed when the connection drops for any reason.
func (t *Transport) Connect(ctx context.Context, wsURL string, init Init) error {
	t.mu.Lock()
	if t.connected || t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.client = wsclient.New(wsURL, t.logger)
	t.mu.Unlock()

	if err := t.client.Connect(ctx); err != nil {
		return err
	}
	if err := t.client.WriteJSON(init); err != nil {
		t.client.Close()
		return err
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	go t.readLoop()
	return nil
}

// Send writes one outbound frame. Fails with ErrNotConnected on a channel
// that is not open; the caller decides what dropping the message means.
func (t *Transport) Send(v any) error {
	t.mu.Lock()
	connected := t.connected
	client := t.client
	t.mu.Unlock()

	if !connected || client == nil {
		return ErrNotConnected
	}
	return client.WriteJSON(v)
}

// Messages delivers parsed inbound frames. The channel is closed when the
// connection drops or Close is called.
func (t *Transport) Messages() <-chan ServerMessage {
	return t.msgs
}

// Connected reports whether the channel is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close is idempotent and safe to call from any state.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	client := t.client
	close(t.done)
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

func (t *Transport) readLoop() {
	defer func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		close(t.msgs)
	}()

	for {
		var msg ServerMessage
		if err := t.client.ReadJSON(&msg); err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.logger.Warn("Transport read failed, channel closing",
					slog.String("error", err.Error()))
			}
			return
		}
		t.logger.Debug("Received message", slog.String("type", msg.Type))
		// The consumer may have stopped draining; Close must still be
		// able to end this loop.
		select {
		case t.msgs <- msg:
		case <-t.done:
			return
		}
	}
}
