package metrics

import "time"

// Event names recorded by the turn coordinator and the providers.
const (
	EventCaptureStart   = "capture.start"
	EventCaptureFinal   = "capture.final"
	EventCaptureEmpty   = "capture.empty"
	EventCaptureError   = "capture.error"
	EventFirstFragment  = "turn.first_fragment"
	EventTurnComplete   = "turn.complete"
	EventTurnRefused    = "turn.refused"
	EventUtteranceStart = "speech.start"
	EventUtteranceEnd   = "speech.end"
	EventRateLimit      = "llm.rate_limit"
	EventBreakerOpen    = "llm.breaker_open"
	EventBreakerClose   = "llm.breaker_close"
	EventBreakerDenied  = "llm.breaker_denied"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
