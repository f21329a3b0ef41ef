package turn

type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateGenerating
	StateSynthesizing
	StateSpeaking
	StateError
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateGenerating:
		return "GENERATING"
	case StateSynthesizing:
		return "SYNTHESIZING"
	case StateSpeaking:
		return "SPEAKING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Busy reports whether a turn is in flight past the listening stage.
func (s State) Busy() bool {
	return s != StateIdle && s != StateListening
}
