package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAudioFormat ReasonCode = "audio_format"

	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonSTTSend      ReasonCode = "stt_send"
	ReasonSTTReconnect ReasonCode = "stt_reconnect"
	ReasonSTTRecognize ReasonCode = "stt_recognize"
	ReasonSTTNoFinal   ReasonCode = "stt_no_final"
	ReasonSTTBudget    ReasonCode = "stt_budget"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMStream      ReasonCode = "llm_stream"
	ReasonLLMFirstToken  ReasonCode = "llm_first_token"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSynthesize  ReasonCode = "tts_synthesize"
	ReasonTTSFirstAudio  ReasonCode = "tts_first_audio"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonRecorderStore ReasonCode = "recorder_store"
	ReasonRecorderDrop  ReasonCode = "recorder_drop"

	ReasonTurnCancelled ReasonCode = "turn_cancelled"
)
