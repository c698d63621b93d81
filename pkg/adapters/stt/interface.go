package stt

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/parla/pkg/frames"
)

// ErrUnsupported is returned when the host has no usable speech recognition.
var ErrUnsupported = errors.New("speech recognition is not supported on this host")

// SpeechInput defines the contract for any speech-to-text capability.
//
// Each session started with Start emits exactly one outcome on Results:
// a final TextFrame, a ControlError frame, or a ControlSpeechEnd frame when the
// session ends without a result. Only one session may be active at a time.
type SpeechInput interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start begins a capture session.
	Start(ctx context.Context) error
	// Stop ends capture and delivers whatever was heard.
	Stop() error
	// Abort discards the active session. Safe to call in any state.
	Abort() error
	// Close releases the adapter. Results is closed afterwards.
	Close() error
	// Results returns the channel of session outcome frames.
	Results() <-chan frames.Frame
}

// Unsupported is the SpeechInput used when no capture capability exists.
// Start always fails with an error wrapping ErrUnsupported.
type Unsupported struct {
	Reason string
	out    chan frames.Frame
	once   sync.Once
}

func NewUnsupported(reason string) *Unsupported {
	return &Unsupported{Reason: reason, out: make(chan frames.Frame)}
}

func (u *Unsupported) Name() string { return "unsupported" }

func (u *Unsupported) Start(context.Context) error {
	if u.Reason == "" {
		return ErrUnsupported
	}
	return errors.Join(ErrUnsupported, errors.New(u.Reason))
}

func (u *Unsupported) Stop() error  { return nil }
func (u *Unsupported) Abort() error { return nil }
// Close ends Results so readers do not wait for frames that never come.
func (u *Unsupported) Close() error {
	u.once.Do(func() { close(u.out) })
	return nil
}

func (u *Unsupported) Results() <-chan frames.Frame { return u.out }

// IsSupported reports whether in can capture speech at all.
func IsSupported(in SpeechInput) bool {
	if in == nil {
		return false
	}
	_, unsupported := in.(*Unsupported)
	return !unsupported
}

var _ SpeechInput = (*Unsupported)(nil)
