package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// keepWait is how long a turn outcome may wait for buffer space before it
// is dropped like any other event.
const keepWait = 50 * time.Millisecond

// AsyncObserver moves recording off the coordinator goroutine. Routine
// events are dropped when the buffer is full; turn outcomes wait briefly.
type AsyncObserver struct {
	inner   Observer
	ch      chan MetricsEvent
	dropped atomic.Int64
	drained chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	if inner == nil {
		inner = NoopObserver{}
	}
	a := &AsyncObserver{
		inner:   inner,
		ch:      make(chan MetricsEvent, buffer),
		drained: make(chan struct{}),
	}
	go func() {
		defer close(a.drained)
		for ev := range a.ch {
			a.inner.RecordEvent(ev)
		}
	}()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- ev:
		return
	default:
	}
	if keep(ev.Name) {
		t := time.NewTimer(keepWait)
		defer t.Stop()
		select {
		case a.ch <- ev:
			return
		case <-t.C:
		}
	}
	a.dropped.Add(1)
}

func keep(name string) bool {
	return name == EventTurnComplete || name == EventTurnRefused || name == EventCaptureError
}

func (a *AsyncObserver) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events and waits until the queued ones are recorded.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.drained
}
