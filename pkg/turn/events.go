package turn

import (
	"context"

	"github.com/harunnryd/parla/pkg/frames"
)

type eventKind int

const (
	evInputFrame eventKind = iota
	evOutputFrame
	evRefused
	evFragment
	evStreamDone
	evStreamErr
)

type event struct {
	kind   eventKind
	frame  frames.Frame
	turnID string
	text   string
	err    error
}

type commandKind int

const (
	cmdToggle commandKind = iota
	cmdClose
)

type command struct {
	kind  commandKind
	reply chan error
}

type frameSource int

const (
	sourceInput frameSource = iota
	sourceOutput
)

// forward copies capability frames into the event queue until ch closes or ctx ends.
func (c *Coordinator) forward(ctx context.Context, ch <-chan frames.Frame, src frameSource) {
	kind := evInputFrame
	if src == sourceOutput {
		kind = evOutputFrame
	}
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-ch:
			if !ok {
				return
			}
			if !c.post(ctx, event{kind: kind, frame: f}) {
				return
			}
		}
	}
}

func (c *Coordinator) post(ctx context.Context, ev event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case c.events <- ev:
		return true
	}
}
