package session

import "fmt"

// State is the turn-taking position of a call session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateUserSpeaking
	StateProcessing
	StateAgentSpeaking
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateListening:
		return "Listening"
	case StateUserSpeaking:
		return "UserSpeaking"
	case StateProcessing:
		return "Processing"
	case StateAgentSpeaking:
		return "AgentSpeaking"
	case StateInterrupted:
		return "Interrupted"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}
