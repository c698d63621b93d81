package observers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/harunnryd/parla/pkg/metrics"
)

// LoggerObserver mirrors metrics events into the log. Failures and breaker
// trips are logged at warn, everything else at debug.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	attrs := make([]slog.Attr, 0, 2+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs, slog.String("event", ev.Name))
	if ev.Value != 0 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	for _, k := range sortedKeys(ev.Tags) {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), eventLevel(ev), "turn_metric", attrs...)
}

func eventLevel(ev metrics.MetricsEvent) slog.Level {
	switch ev.Name {
	case metrics.EventCaptureError, metrics.EventTurnRefused, metrics.EventRateLimit,
		metrics.EventBreakerOpen, metrics.EventBreakerDenied:
		return slog.LevelWarn
	case metrics.EventTurnComplete:
		if outcome := ev.Tags["outcome"]; outcome != "" && outcome != "ok" {
			return slog.LevelWarn
		}
	}
	return slog.LevelDebug
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MultiObserver fans one event out to several observers.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	m := &MultiObserver{}
	for _, obs := range list {
		if obs != nil {
			m.list = append(m.list, obs)
		}
	}
	return m
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		obs.RecordEvent(ev)
	}
}
