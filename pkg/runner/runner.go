package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run around the lifecycle. A failing OnStart aborts Run after draining.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

type Drainer interface {
	Drain() error
}

const Version = "dev"

// PrintBanner writes the startup banner to w, or stdout when w is nil.
func PrintBanner(w io.Writer, subtitle string) {
	if w == nil {
		w = os.Stdout
	}
	tpl := "{{ .Title \"PARLA\" \"\" 0 }}\nVersion: " + Version + "\n"
	if subtitle != "" {
		tpl += subtitle + "\n"
	}
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
