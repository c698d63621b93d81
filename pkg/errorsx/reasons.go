package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfigMissingCredential ReasonCode = "config_missing_credential"

	ReasonSTTUnsupported ReasonCode = "stt_unsupported"
	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTCapture     ReasonCode = "stt_capture"

	ReasonTTSConnect ReasonCode = "tts_connect"
	ReasonTTSSend    ReasonCode = "tts_send"

	ReasonLLMRefusal   ReasonCode = "llm_refusal"
	ReasonLLMStream    ReasonCode = "llm_stream"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"
	ReasonLLMTimeout   ReasonCode = "llm_timeout"
)

// Class groups reason codes into the categories surfaced to the user.
type Class string

const (
	ClassConfiguration Class = "configuration"
	ClassCapture       Class = "capture"
	ClassRefusal       Class = "backend_refusal"
	ClassStream        Class = "backend_stream"
	ClassOutput        Class = "speech_output"
	ClassUnknown       Class = "unknown"
)

// Classify maps a reason code to its class.
func Classify(reason ReasonCode) Class {
	switch reason {
	case ReasonConfigMissingCredential:
		return ClassConfiguration
	case ReasonSTTUnsupported, ReasonSTTConnect, ReasonSTTCapture:
		return ClassCapture
	case ReasonLLMRefusal, ReasonLLMRateLimit:
		return ClassRefusal
	case ReasonLLMStream, ReasonLLMTimeout:
		return ClassStream
	case ReasonTTSConnect, ReasonTTSSend:
		return ClassOutput
	default:
		return ClassUnknown
	}
}
