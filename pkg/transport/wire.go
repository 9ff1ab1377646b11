package transport

// Message type constants for the voice session wire protocol. All frames are
// JSON text; audio payloads travel base64-encoded inside them.
const (
	// Outbound (client -> agent).
	TypeAudioChunk       = "audio_chunk"
	TypeUserUtteranceEnd = "user_utterance_end"
	TypeBargeIn          = "barge_in"
	TypeNoSpeechDetected = "no_speech_detected"
	TypeEndSession       = "end_session"

	// Inbound (agent -> client).
	TypeConnectionEstablished = "connection_established"
	TypeFinalTranscript       = "final_transcript"
	TypeAIText                = "ai_text"
	TypeAIAudioChunk          = "ai_audio_chunk"
	TypeTTSComplete           = "tts_complete"
	TypeProcessingVoice       = "processing_voice"
	TypeGeneratingTTS         = "generating_tts"
	TypeStopTTS               = "stop_tts"
	TypeSessionEnded          = "session_ended"
	TypeError                 = "error"
)

// Init is the first frame sent after the socket opens; the server validates
// the token before anything else flows.
type Init struct {
	Token       string `json:"token"`
	AgentID     string `json:"agent_id"`
	Lang        string `json:"lang"`
	SessionType string `json:"session_type,omitempty"`
}

// Envelope is the outbound control/audio frame.
type Envelope struct {
	Type      string `json:"type"`
	AudioData string `json:"audio_data,omitempty"` // base64, audio_chunk only
}

// ServerMessage is an inbound frame. Data is populated for transcript, text
// and audio messages; Message carries human-readable status or error text.
type ServerMessage struct {
	Type    string       `json:"type"`
	Message string       `json:"message,omitempty"`
	Data    *MessageData `json:"data,omitempty"`
}

type MessageData struct {
	Text        string `json:"text,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
	// ChunkIndex is optional on the wire; when absent the client assigns
	// indices by arrival order starting at zero.
	ChunkIndex  *int `json:"chunk_index,omitempty"`
	TotalChunks int  `json:"total_chunks,omitempty"`
}
