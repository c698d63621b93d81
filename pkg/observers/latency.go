package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/parla/pkg/metrics"
)

// TurnLatency is the timing breakdown of one completed turn.
type TurnLatency struct {
	TurnID        string
	FirstFragment time.Duration
	Total         time.Duration
	Outcome       string
}

// LatencyObserver correlates coordinator events by turn id and logs one summary per turn.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	done   []TurnLatency
	log    *slog.Logger
}

type trace struct {
	started  time.Time
	first    time.Time
	finished time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	turnID := ""
	if ev.Tags != nil {
		turnID = ev.Tags["turn_id"]
	}
	if turnID == "" {
		return
	}
	o.mu.Lock()
	t := o.traces[turnID]
	if t == nil {
		t = &trace{}
		o.traces[turnID] = t
	}
	switch ev.Name {
	case metrics.EventCaptureFinal:
		if t.started.IsZero() {
			t.started = ev.Time
		}
	case metrics.EventFirstFragment:
		if t.first.IsZero() {
			t.first = ev.Time
		}
	case metrics.EventTurnComplete, metrics.EventTurnRefused:
		t.finished = ev.Time
		outcome := ev.Tags["outcome"]
		if ev.Name == metrics.EventTurnRefused {
			outcome = "refused"
		}
		res := TurnLatency{TurnID: turnID, Outcome: outcome}
		if !t.started.IsZero() {
			res.Total = t.finished.Sub(t.started)
			if !t.first.IsZero() {
				res.FirstFragment = t.first.Sub(t.started)
			}
		}
		delete(o.traces, turnID)
		o.done = append(o.done, res)
		o.mu.Unlock()
		o.log.Info("turn_latency",
			slog.String("turn_id", turnID),
			slog.String("outcome", res.Outcome),
			slog.Duration("first_fragment", res.FirstFragment),
			slog.Duration("total", res.Total))
		return
	}
	o.mu.Unlock()
}

// Completed returns the summaries of all finished turns.
func (o *LatencyObserver) Completed() []TurnLatency {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]TurnLatency(nil), o.done...)
}
