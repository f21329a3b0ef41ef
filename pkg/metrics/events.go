package metrics

// Event names emitted by the turn pipeline. Values are milliseconds unless
// noted.
const (
	EventFrameDropped = "audio_frame_dropped"
	EventSpeechStart  = "speech_start"
	EventSpeechEnd    = "speech_end"

	EventTurnStart     = "turn_start"
	EventTurnQueued    = "turn_queued"
	EventTurnComplete  = "turn_complete"
	EventTurnCancelled = "turn_cancelled"
	EventTurnFailed    = "turn_failed"
	EventTurnEmpty     = "turn_empty"

	EventSTTFinal     = "stt_final"
	EventSTTFallback  = "stt_fallback"
	EventLLMFirstTok  = "llm_first_token"
	EventLLMRetry     = "llm_retry"
	EventTTSFirstByte = "tts_first_audio"
	EventTTSRetry     = "tts_retry"
	EventTTSDegraded  = "tts_degraded"

	// EventBudgetExceeded carries the stage name in the "stage" tag.
	EventBudgetExceeded = "budget_exceeded"

	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
	EventRateLimit     = "rate_limit"

	EventRecorderStored  = "recorder_stored"
	EventRecorderDropped = "recorder_dropped"
	EventRecorderError   = "recorder_error"
)
