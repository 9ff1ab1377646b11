package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"
)

func TestServerMessage_ChunkIndexOptional(t *testing.T) {
	is := is.New(t)

	var withIndex ServerMessage
	err := json.Unmarshal([]byte(`{"type":"ai_audio_chunk","data":{"audio_base64":"QUJD","chunk_index":2,"total_chunks":3}}`), &withIndex)
	is.NoErr(err)
	is.True(withIndex.Data.ChunkIndex != nil)
	is.Equal(*withIndex.Data.ChunkIndex, 2)

	var withoutIndex ServerMessage
	err = json.Unmarshal([]byte(`{"type":"ai_audio_chunk","data":{"audio_base64":"QUJD"}}`), &withoutIndex)
	is.NoErr(err)
	is.True(withoutIndex.Data.ChunkIndex == nil) // absent index means client assigns order
}

func TestEnvelope_OmitsEmptyAudio(t *testing.T) {
	is := is.New(t)

	raw, err := json.Marshal(Envelope{Type: TypeBargeIn})
	is.NoErr(err)
	is.Equal(string(raw), `{"type":"barge_in"}`) // control frames carry no audio field
}

func TestTransport_SendNotConnected(t *testing.T) {
	is := is.New(t)

	tr := New(slog.Default())
	err := tr.Send(Envelope{Type: TypeBargeIn})
	is.True(err == ErrNotConnected)
}

func TestTransport_CloseIdempotent(t *testing.T) {
	is := is.New(t)

	tr := New(slog.Default())
	is.NoErr(tr.Close())
	is.NoErr(tr.Close()) // second close is a no-op
	is.True(tr.Send(Envelope{Type: TypeBargeIn}) == ErrNotConnected)

	// A closed transport never reconnects.
	err := tr.Connect(context.Background(), "ws://localhost:1", Init{})
	is.Equal(err, ErrClosed)
}

func TestTransport_ConnectAndReceive(t *testing.T) {
	is := is.New(t)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		// First frame must be the init message.
		var init Init
		if err := conn.ReadJSON(&init); err != nil {
			t.Errorf("read init: %v", err)
			return
		}
		if init.Token != "tok" || init.AgentID != "eve_black_career" {
			t.Errorf("unexpected init: %+v", init)
		}

		conn.WriteJSON(ServerMessage{Type: TypeConnectionEstablished})
		conn.WriteJSON(ServerMessage{Type: TypeAIText, Data: &MessageData{Text: "hello"}})

		// Echo expectation: client sends one control frame.
		var out Envelope
		if err := conn.ReadJSON(&out); err != nil {
			t.Errorf("read envelope: %v", err)
			return
		}
		if out.Type != TypeUserUtteranceEnd {
			t.Errorf("unexpected outbound type %q", out.Type)
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	tr := New(slog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := tr.Connect(ctx, wsURL, Init{Token: "tok", AgentID: "eve_black_career", Lang: "en-IN"})
	is.NoErr(err)
	defer tr.Close()

	msg := <-tr.Messages()
	is.Equal(msg.Type, TypeConnectionEstablished)

	msg = <-tr.Messages()
	is.Equal(msg.Type, TypeAIText)
	is.Equal(msg.Data.Text, "hello")

	is.NoErr(tr.Send(Envelope{Type: TypeUserUtteranceEnd}))
}

func TestTransport_MessagesClosedOnDisconnect(t *testing.T) {
	is := is.New(t)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var init Init
		conn.ReadJSON(&init)
		conn.Close() // drop the client immediately
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	tr := New(slog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	is.NoErr(tr.Connect(ctx, wsURL, Init{Token: "tok"}))

	select {
	case _, ok := <-tr.Messages():
		is.True(!ok) // channel closes when the server drops us
	case <-time.After(5 * time.Second):
		t.Fatal("Messages() not closed after disconnect")
	}

	is.True(tr.Send(Envelope{Type: TypeBargeIn}) == ErrNotConnected)
}

func TestTransport_CloseUnblocksFloodedReadLoop(t *testing.T) {
	is := is.New(t)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var init Init
		conn.ReadJSON(&init)

		// Flood well past the inbound buffer while nobody drains.
		for i := 0; i < inboundBuffer*3; i++ {
			if err := conn.WriteJSON(ServerMessage{Type: TypeAIText, Data: &MessageData{Text: "x"}}); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	tr := New(slog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	is.NoErr(tr.Connect(ctx, wsURL, Init{Token: "tok"}))

	// Give the read loop time to fill the buffer and block.
	time.Sleep(100 * time.Millisecond)
	is.NoErr(tr.Close())

	// The loop must exit and close Messages() even though it was stuck
	// mid-delivery; drain whatever was buffered.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-tr.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Messages() not closed after Close on a flooded transport")
		}
	}
}

func TestBootstrap_StartAndEndSession(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/start-session/":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["agent_id"] != "eve_black_career" {
				t.Errorf("unexpected agent_id %v", body["agent_id"])
			}
			json.NewEncoder(w).Encode(SessionInfo{
				SessionID: "s-1",
				WSURL:     "ws://example.com/ws/voice/s-1",
				WSToken:   "jwt",
				Agent:     AgentInfo{ID: "eve_black_career", Name: "Dr. Eve Black"},
			})
		case "/api/end-session/":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b := NewBootstrap(srv.URL, "auth-token", slog.Default())

	info, err := b.StartSession(context.Background(), "eve_black_career", "en-IN", true)
	is.NoErr(err)
	is.Equal(info.SessionID, "s-1")
	is.Equal(info.Agent.Name, "Dr. Eve Black")

	is.NoErr(b.EndSession(context.Background(), info.SessionID))
}

func TestBootstrap_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"agent not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	b := NewBootstrap(srv.URL, "", slog.Default())
	if _, err := b.StartSession(context.Background(), "nope", "en-IN", false); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
