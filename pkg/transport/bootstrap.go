package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const bootstrapTimeout = 15 * time.Second

// SessionInfo is the bootstrap response: where the voice channel lives and
// the token that authorizes joining it.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	WSURL     string    `json:"ws_url"`
	WSToken   string    `json:"ws_token"`
	Agent     AgentInfo `json:"agent"`
}

type AgentInfo struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	VoicePrefs map[string]string `json:"voice_prefs"`
}

// Bootstrap calls the session HTTP endpoints that precede and follow the
// WebSocket conversation.
type Bootstrap struct {
	baseURL   string
	authToken string
	http      *http.Client
	logger    *slog.Logger
}

func NewBootstrap(baseURL, authToken string, logger *slog.Logger) *Bootstrap {
	return &Bootstrap{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: bootstrapTimeout},
		logger:    logger,
	}
}

// StartSession creates a session for the given agent and language and
// returns the channel coordinates.
func (b *Bootstrap) StartSession(ctx context.Context, agentID, lang string, consent bool) (*SessionInfo, error) {
	body := map[string]any{
		"agent_id":      agentID,
		"lang":          lang,
		"consent_store": consent,
		"request_id":    uuid.NewString(),
	}

	var info SessionInfo
	if err := b.post(ctx, "/api/start-session/", body, &info); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	b.logger.Info("Session created",
		slog.String("session_id", info.SessionID),
		slog.String("agent", info.Agent.Name))
	return &info, nil
}

// EndSession tells the backend the call is over. Best effort; the WebSocket
// teardown is what actually stops the conversation.
func (b *Bootstrap) EndSession(ctx context.Context, sessionID string) error {
	body := map[string]any{"session_id": sessionID}
	if err := b.post(ctx, "/api/end-session/", body, nil); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (b *Bootstrap) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.authToken)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
