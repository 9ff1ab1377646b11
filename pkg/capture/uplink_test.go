package capture

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	capfake "github.com/mindwell-ai/voicecall-go/pkg/capture/fake"
	"github.com/mindwell-ai/voicecall-go/pkg/transport"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []transport.Envelope
}

func (s *recordingSender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, v.(transport.Envelope))
	return nil
}

func (s *recordingSender) snapshot() []transport.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Envelope, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestUplink_StreamsWhileGateOpen(t *testing.T) {
	is := is.New(t)

	rec := capfake.NewRecorder()
	sender := &recordingSender{}
	u := NewUplink(rec, sender, slog.Default())

	is.NoErr(rec.Start(context.Background()))
	u.Run()

	// Gate closed: chunk is discarded.
	rec.PushChunk([]byte("ignored"))
	time.Sleep(20 * time.Millisecond)
	is.Equal(len(sender.snapshot()), 0)

	u.Begin()
	rec.PushChunk([]byte("pcm-1"))
	rec.PushChunk([]byte("pcm-2"))
	waitFor(t, func() bool { return u.ChunksSent() == 2 })

	is.NoErr(u.End())

	msgs := sender.snapshot()
	is.Equal(len(msgs), 3)
	is.Equal(msgs[0].Type, transport.TypeAudioChunk)
	is.Equal(msgs[0].AudioData, base64.StdEncoding.EncodeToString([]byte("pcm-1")))
	is.Equal(msgs[1].Type, transport.TypeAudioChunk)
	is.Equal(msgs[2].Type, transport.TypeUserUtteranceEnd) // end follows every chunk
}

func TestUplink_EndIdempotent(t *testing.T) {
	is := is.New(t)

	rec := capfake.NewRecorder()
	sender := &recordingSender{}
	u := NewUplink(rec, sender, slog.Default())
	u.Run()

	u.Begin()
	is.NoErr(u.End())
	is.NoErr(u.End()) // second End is a no-op

	msgs := sender.snapshot()
	is.Equal(len(msgs), 1)
	is.Equal(msgs[0].Type, transport.TypeUserUtteranceEnd)
}

func TestUplink_EndWithoutBegin(t *testing.T) {
	is := is.New(t)

	rec := capfake.NewRecorder()
	sender := &recordingSender{}
	u := NewUplink(rec, sender, slog.Default())
	u.Run()

	is.NoErr(u.End())
	is.Equal(len(sender.snapshot()), 0) // nothing streamed, nothing announced
}

func TestUplink_AbortSendsNothing(t *testing.T) {
	is := is.New(t)

	rec := capfake.NewRecorder()
	sender := &recordingSender{}
	u := NewUplink(rec, sender, slog.Default())
	u.Run()

	u.Begin()
	u.Abort()
	rec.PushChunk([]byte("late"))
	time.Sleep(20 * time.Millisecond)

	is.Equal(len(sender.snapshot()), 0)
}

func TestUplink_DrainsOnRecorderStop(t *testing.T) {
	is := is.New(t)

	rec := capfake.NewRecorder()
	sender := &recordingSender{}
	u := NewUplink(rec, sender, slog.Default())
	u.Run()

	is.NoErr(rec.Stop())

	select {
	case <-u.Done():
	case <-time.After(time.Second):
		t.Fatal("uplink did not drain after recorder stop")
	}
}
