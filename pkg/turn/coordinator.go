package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/parla/pkg/adapters/stt"
	"github.com/harunnryd/parla/pkg/adapters/tts"
	"github.com/harunnryd/parla/pkg/conversation"
	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/frames"
	"github.com/harunnryd/parla/pkg/llm"
	"github.com/harunnryd/parla/pkg/logging"
	"github.com/harunnryd/parla/pkg/metrics"
	"github.com/harunnryd/parla/pkg/redact"
)

const (
	DefaultGreeting = "Hello! I'm Alex. I'm here to help you practice your English. Tap the microphone and let's start with a simple question: How was your day?"

	RefusalText     = "Sorry, I couldn't process that. Please try again."
	EmptyReplyText  = "I'm sorry, I didn't catch that. Could you please say it again?"
	StreamErrorText = "I encountered an error. Please try again."

	StreamErrorNotice      = "An error occurred while receiving the response."
	UnsupportedInputNotice = "Speech recognition is not supported on this host."
	CaptureErrorPrefix     = "Speech recognition error: "
	OutputErrorPrefix      = "Speech synthesis error: "
)

var (
	// ErrBusy is returned by ToggleListening when a reply is in flight or being spoken.
	ErrBusy = errors.New("turn: busy processing or speaking")
	// ErrInputUnsupported is returned by ToggleListening when there is no speech input.
	ErrInputUnsupported = errors.New("turn: speech input unsupported")
	// ErrNotRunning is returned when a command is sent to a coordinator that has stopped.
	ErrNotRunning = errors.New("turn: coordinator not running")
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("turn: coordinator already running")
)

type Options struct {
	Input   stt.SpeechInput
	Backend llm.Backend
	Output  tts.SpeechOutput

	// Greeting is spoken on construction when no configuration error exists.
	// Empty uses DefaultGreeting; NoGreeting disables it.
	Greeting   string
	NoGreeting bool

	// TurnTimeout bounds one backend reply. Zero waits indefinitely.
	TurnTimeout time.Duration

	Observer metrics.Observer
	Logger   *slog.Logger

	// TranscriptLogLimit caps transcript length in log lines.
	TranscriptLogLimit int
}

// Coordinator drives one conversation: it listens, sends the transcript to
// the backend, streams the reply into the log and speaks it. All state is
// owned by the goroutine running Run; everything else reaches it through
// the event and command queues.
type Coordinator struct {
	input   stt.SpeechInput
	backend llm.Backend
	output  tts.SpeechOutput
	opts    Options
	log     *slog.Logger
	obs     metrics.Observer

	sm    *stateMachine
	convo *conversation.Log
	hub   *hub

	events chan event
	cmds   chan command
	done   chan struct{}

	running atomic.Bool
	version uint64

	lastErr   string
	sessionID string
	turn      *activeTurn
}

type activeTurn struct {
	id        string
	started   time.Time
	firstAt   time.Time
	fragments int
	acc       strings.Builder
	cancel    context.CancelFunc
}

type turnOutcome string

const (
	outcomeOK      turnOutcome = "ok"
	outcomeFailed  turnOutcome = "stream_error"
	outcomeRefused turnOutcome = "refused"
	outcomeAborted turnOutcome = "aborted"
)

// New builds a coordinator, seeds the greeting and asks the speech output to
// speak it. Call Run to start processing.
func New(opts Options) (*Coordinator, error) {
	if opts.Backend == nil {
		return nil, errors.New("turn: backend is required")
	}
	if opts.Output == nil {
		return nil, errors.New("turn: speech output is required")
	}
	if opts.Input == nil {
		opts.Input = stt.NewUnsupported("")
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.TranscriptLogLimit == 0 {
		opts.TranscriptLogLimit = 120
	}
	c := &Coordinator{
		input:   opts.Input,
		backend: opts.Backend,
		output:  opts.Output,
		opts:    opts,
		log:     logging.NewComponentLogger(opts.Logger, "turn"),
		obs:     opts.Observer,
		sm:      newStateMachine(),
		convo:   conversation.NewLog(),
		hub:     newHub(),
		events:  make(chan event, 64),
		cmds:    make(chan command),
		done:    make(chan struct{}),
	}

	if err := c.backend.Err(); err != nil {
		c.log.Error("backend_unavailable",
			slog.String("backend", c.backend.Name()),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("class", string(errorsx.ClassOf(err))),
			slog.String("error", err.Error()))
		c.lastErr = err.Error()
	}
	if !stt.IsSupported(c.input) {
		c.log.Warn("speech_input_unsupported")
		c.lastErr = UnsupportedInputNotice
	}

	greeting := opts.Greeting
	if strings.TrimSpace(greeting) == "" {
		greeting = DefaultGreeting
	}
	if c.lastErr == "" && !opts.NoGreeting {
		if _, err := c.convo.AppendAI(greeting); err != nil {
			return nil, err
		}
		c.speak(context.Background(), greeting, "greeting")
	}
	c.publish()
	return c, nil
}

// Snapshot returns the latest published view.
func (c *Coordinator) Snapshot() Snapshot { return c.hub.snapshot() }

// Subscribe returns a channel that always holds the most recent snapshot
// not yet read, and a function to stop the subscription.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) { return c.hub.subscribe() }

// AddListener registers a listener for state transitions. Register before Run.
func (c *Coordinator) AddListener(l StateListener) { c.sm.AddListener(l) }

// State returns the current turn state.
func (c *Coordinator) State() State { return c.sm.State() }

// Done is closed once Run has returned and teardown has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// ToggleListening starts a capture session when idle, or stops the active one.
// It returns ErrBusy without changing anything while a reply is processing
// or speech output is active.
func (c *Coordinator) ToggleListening(ctx context.Context) error {
	return c.do(ctx, cmdToggle)
}

// Close stops Run as if its context had been cancelled and waits for teardown.
func (c *Coordinator) Close(ctx context.Context) error {
	if err := c.do(ctx, cmdClose); err != nil {
		if errors.Is(err, ErrNotRunning) {
			return nil
		}
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx ends, then aborts capture and cancels speech.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)
	defer c.teardown()

	// Forwarders stop with Run, including when Close ends it.
	fwdCtx, stopForward := context.WithCancel(ctx)
	defer stopForward()
	go c.forward(fwdCtx, c.input.Results(), sourceInput)
	go c.forward(fwdCtx, c.output.Results(), sourceOutput)

	c.log.Info("coordinator_started",
		slog.String("input", c.input.Name()),
		slog.String("backend", c.backend.Name()),
		slog.String("output", c.output.Name()))

	for {
		select {
		case <-ctx.Done():
			c.runCtxDone(ctx)
			return nil
		case cmd := <-c.cmds:
			cmd.reply <- c.handleCommand(ctx, cmd)
			if cmd.kind == cmdClose {
				c.log.Info("coordinator_stopping", slog.String("state", c.sm.State().String()), slog.String("cause", "close"))
				return nil
			}
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) runCtxDone(ctx context.Context) {
	c.log.Info("coordinator_stopping",
		slog.String("state", c.sm.State().String()),
		slog.String("cause", context.Cause(ctx).Error()))
}

// do queues a command and waits for it to be applied. Commands sent before
// Run starts wait for it.
func (c *Coordinator) do(ctx context.Context, kind commandKind) error {
	cmd := command{kind: kind, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) handleCommand(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdToggle:
		return c.toggleListening(ctx)
	case cmdClose:
		return nil
	default:
		return nil
	}
}

func (c *Coordinator) toggleListening(ctx context.Context) error {
	state := c.sm.State()
	switch {
	case state == StateListening:
		if err := c.input.Stop(); err != nil {
			c.log.Warn("capture_stop_failed", slog.String("error", err.Error()))
		}
		return nil
	case state == StateProcessing:
		return ErrBusy
	case c.output.Speaking():
		return ErrBusy
	case !stt.IsSupported(c.input):
		return ErrInputUnsupported
	}

	if state == StateSpeaking {
		c.transition(StateIdle, "speech output already finished")
	}

	if err := c.input.Start(ctx); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		c.log.Error("capture_start_failed",
			slog.String("input", c.input.Name()),
			slog.String("class", string(errorsx.ClassCapture)),
			slog.String("error", err.Error()))
		c.record(metrics.EventCaptureError, 0, map[string]string{"reason": string(errorsx.Reason(err))})
		c.setError(captureNotice(err))
		c.publish()
		return nil
	}
	c.sessionID = uuid.NewString()
	c.transition(StateListening, "capture started")
	c.record(metrics.EventCaptureStart, 0, map[string]string{"session_id": c.sessionID})
	c.publish()
	return nil
}

func (c *Coordinator) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case evInputFrame:
		c.onInputFrame(ctx, ev.frame)
	case evOutputFrame:
		c.onOutputFrame(ev.frame)
	case evRefused:
		if c.currentTurn(ev.turnID) == nil {
			return
		}
		c.log.Warn("backend_refused",
			slog.String("turn_id", ev.turnID),
			slog.String("reason", string(errorsx.Reason(ev.err))),
			slog.String("class", string(errorsx.ClassOf(ev.err))),
			slog.String("error", ev.err.Error()))
		c.setError(ev.err.Error())
		c.finalize(ctx, outcomeRefused)
	case evFragment:
		t := c.currentTurn(ev.turnID)
		if t == nil {
			return
		}
		c.onFragment(t, ev.text)
	case evStreamDone:
		if c.currentTurn(ev.turnID) == nil {
			return
		}
		c.finalize(ctx, outcomeOK)
	case evStreamErr:
		t := c.currentTurn(ev.turnID)
		if t == nil {
			return
		}
		c.log.Error("backend_stream_failed",
			slog.String("turn_id", ev.turnID),
			slog.Int("fragments", t.fragments),
			slog.String("reason", string(errorsx.Reason(ev.err))),
			slog.String("class", string(errorsx.ClassOf(ev.err))),
			slog.String("error", ev.err.Error()))
		c.setError(StreamErrorNotice)
		c.finalize(ctx, outcomeFailed)
	}
}

func (c *Coordinator) onInputFrame(ctx context.Context, f frames.Frame) {
	if c.sm.State() != StateListening {
		c.log.Debug("capture_frame_ignored",
			slog.String("state", c.sm.State().String()),
			slog.String("kind", string(f.Kind())))
		return
	}
	switch fr := f.(type) {
	case frames.TextFrame:
		if !fr.IsFinal() {
			return
		}
		text := strings.TrimSpace(fr.Text())
		if text == "" {
			c.endCapture(metrics.EventCaptureEmpty, "empty transcript")
			return
		}
		c.beginTurn(ctx, text)
	case frames.ControlFrame:
		switch fr.Code() {
		case frames.ControlError:
			reason := fr.Get(frames.MetaReason)
			if reason == "" {
				reason = "unknown"
			}
			c.log.Error("capture_failed",
				slog.String("session_id", c.sessionID),
				slog.String("reason", reason))
			c.setError(CaptureErrorPrefix + reason)
			c.record(metrics.EventCaptureError, 0, map[string]string{"reason": reason, "session_id": c.sessionID})
			c.transition(StateIdle, "capture error")
			c.publish()
		case frames.ControlSpeechEnd:
			c.endCapture(metrics.EventCaptureEmpty, "capture ended without result")
		}
	}
}

func (c *Coordinator) endCapture(name, reason string) {
	c.record(name, 0, map[string]string{"session_id": c.sessionID})
	c.transition(StateIdle, reason)
	c.publish()
}

func (c *Coordinator) beginTurn(ctx context.Context, text string) {
	c.transition(StateProcessing, "final transcript")
	if _, err := c.convo.AppendUser(text); err != nil {
		c.log.Error("append_user_failed", slog.String("error", err.Error()))
	}
	if _, err := c.convo.BeginAI(); err != nil {
		c.log.Error("begin_reply_failed", slog.String("error", err.Error()))
	}
	c.lastErr = ""

	turnCtx, cancel := context.WithCancel(ctx)
	t := &activeTurn{
		id:      uuid.NewString(),
		started: time.Now(),
		cancel:  cancel,
	}
	c.turn = t
	c.log.Info("turn_started",
		slog.String("turn_id", t.id),
		slog.String("session_id", c.sessionID),
		slog.String("transcript", redact.Transcript(text, c.opts.TranscriptLogLimit)))
	c.record(metrics.EventCaptureFinal, 0, map[string]string{"session_id": c.sessionID})
	c.publish()

	go c.runTurn(turnCtx, t.id, text)
}

// runTurn talks to the backend and forwards everything it hears as events.
func (c *Coordinator) runTurn(ctx context.Context, turnID, text string) {
	sendCtx := ctx
	if c.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, c.opts.TurnTimeout)
		defer cancel()
	}

	stream, err := c.backend.Send(sendCtx, text)
	if err != nil {
		if ctx.Err() == nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			// The deadline passed before the first byte: a failed reply, not a refusal.
			c.post(ctx, event{kind: evStreamErr, turnID: turnID, err: errorsx.Wrap(sendCtx.Err(), errorsx.ReasonLLMTimeout)})
			return
		}
		c.post(ctx, event{kind: evRefused, turnID: turnID, err: errorsx.Wrap(err, errorsx.ReasonLLMRefusal)})
		return
	}
	if stream == nil {
		c.post(ctx, event{kind: evRefused, turnID: turnID, err: errorsx.New(errorsx.ReasonLLMRefusal, "backend returned no stream")})
		return
	}
	defer stream.Close()

	for {
		select {
		case <-sendCtx.Done():
			if ctx.Err() != nil {
				return
			}
			c.post(ctx, event{kind: evStreamErr, turnID: turnID, err: errorsx.Wrap(sendCtx.Err(), errorsx.ReasonLLMTimeout)})
			return
		case f, ok := <-stream.Fragments():
			if !ok {
				if sendCtx.Err() != nil && ctx.Err() == nil {
					c.post(ctx, event{kind: evStreamErr, turnID: turnID, err: errorsx.Wrap(sendCtx.Err(), errorsx.ReasonLLMTimeout)})
					return
				}
				c.post(ctx, event{kind: evStreamDone, turnID: turnID})
				return
			}
			if f.Err != nil {
				c.post(ctx, event{kind: evStreamErr, turnID: turnID, err: errorsx.Wrap(f.Err, errorsx.ReasonLLMStream)})
				return
			}
			if !c.post(ctx, event{kind: evFragment, turnID: turnID, text: f.Text}) {
				return
			}
		}
	}
}

func (c *Coordinator) onFragment(t *activeTurn, text string) {
	t.fragments++
	if t.firstAt.IsZero() {
		t.firstAt = time.Now()
		c.record(metrics.EventFirstFragment, t.firstAt.Sub(t.started).Seconds(), nil)
	}
	t.acc.WriteString(text)
	if err := c.convo.AppendFragment(text); err != nil {
		c.log.Error("append_fragment_failed", slog.String("turn_id", t.id), slog.String("error", err.Error()))
	}
	c.publish()
}

// finalize is the single exit from Processing. It seals the placeholder,
// substitutes fallback text where needed and, unless the backend refused,
// hands the reply to speech output.
func (c *Coordinator) finalize(ctx context.Context, outcome turnOutcome) {
	t := c.turn
	if t == nil {
		return
	}
	c.turn = nil
	t.cancel()

	text := t.acc.String()
	speak := true
	switch outcome {
	case outcomeRefused:
		text = RefusalText
		speak = false
	case outcomeFailed:
		text = StreamErrorText
	case outcomeAborted:
		speak = false
	}
	if strings.TrimSpace(text) == "" {
		text = EmptyReplyText
	}
	if _, err := c.convo.Seal(text); err != nil {
		c.log.Error("seal_failed", slog.String("turn_id", t.id), slog.String("error", err.Error()))
	}

	name := metrics.EventTurnComplete
	if outcome == outcomeRefused {
		name = metrics.EventTurnRefused
	}
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: time.Since(t.started).Seconds(),
		Tags:  map[string]string{"turn_id": t.id, "outcome": string(outcome), "backend": c.backend.Name()},
		Fields: map[string]any{
			"fragments": t.fragments,
			"chars":     len(text),
		},
	})
	c.log.Info("turn_finished",
		slog.String("turn_id", t.id),
		slog.String("outcome", string(outcome)),
		slog.Int("fragments", t.fragments),
		slog.Duration("elapsed", time.Since(t.started)),
		slog.String("reply", redact.Transcript(text, c.opts.TranscriptLogLimit)))

	if !speak {
		c.transition(StateIdle, "turn finished without speech")
		c.publish()
		return
	}
	c.speak(ctx, text, "reply")
	c.publish()
}

// speak moves to Speaking and starts the utterance. Nothing to say, or a
// failing speech output, leaves the coordinator Idle.
func (c *Coordinator) speak(ctx context.Context, text, reason string) {
	if c.sm.State() != StateSpeaking {
		c.transition(StateSpeaking, reason)
	}
	if strings.TrimSpace(text) == "" {
		c.transition(StateIdle, "nothing to speak")
		return
	}
	if err := c.output.Speak(ctx, text); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTTSSend)
		c.log.Error("speak_failed",
			slog.String("output", c.output.Name()),
			slog.String("error", err.Error()))
		c.setError(OutputErrorPrefix + err.Error())
		c.transition(StateIdle, "speech output failed")
		return
	}
	c.record(metrics.EventUtteranceStart, float64(len(text)), map[string]string{"reason": reason})
}

func (c *Coordinator) onOutputFrame(f frames.Frame) {
	cf, ok := f.(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlUtteranceEnd {
		return
	}
	c.record(metrics.EventUtteranceEnd, 0, map[string]string{
		"utterance_id": cf.Get(frames.MetaUtterance),
		"cancelled":    cf.Get(frames.MetaCancelled),
	})
	if c.sm.State() == StateSpeaking && !c.output.Speaking() {
		c.transition(StateIdle, "utterance finished")
		c.publish()
	}
}

func (c *Coordinator) teardown() {
	if c.sm.State() == StateListening {
		if err := c.input.Abort(); err != nil {
			c.log.Warn("capture_abort_failed", slog.String("error", err.Error()))
		}
		c.transition(StateIdle, "teardown")
	}
	if c.turn != nil {
		c.finalize(context.Background(), outcomeAborted)
	}
	if err := c.output.Cancel(); err != nil {
		c.log.Warn("speech_cancel_failed", slog.String("error", err.Error()))
	}
	if c.sm.State() == StateSpeaking {
		c.transition(StateIdle, "teardown")
	}
	c.publish()
	c.hub.closeAll()
	c.log.Info("coordinator_stopped", slog.Int("messages", c.convo.Len()))
}

func (c *Coordinator) currentTurn(id string) *activeTurn {
	if c.turn == nil || c.turn.id != id {
		return nil
	}
	return c.turn
}

func (c *Coordinator) transition(to State, reason string) {
	change, err := c.sm.Transition(to, reason)
	if err != nil {
		c.log.Error("invalid_transition",
			slog.String("from", c.sm.State().String()),
			slog.String("to", to.String()),
			slog.String("reason", reason))
		return
	}
	c.log.Debug("state_changed",
		slog.String("from", change.FromState.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason),
		slog.Duration("dwell", change.Dwell))
}

func (c *Coordinator) setError(msg string) {
	c.lastErr = msg
}

func (c *Coordinator) publish() {
	c.version++
	state := c.sm.State()
	c.hub.publish(Snapshot{
		Version:    c.version,
		State:      state,
		Listening:  state == StateListening,
		Processing: state == StateProcessing,
		Speaking:   state == StateSpeaking || c.output.Speaking(),
		Messages:   c.convo.Messages(),
		Error:      c.lastErr,
	})
}

func (c *Coordinator) record(name string, value float64, tags map[string]string) {
	if tags == nil {
		tags = map[string]string{}
	}
	if c.turn != nil {
		tags["turn_id"] = c.turn.id
	}
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  tags,
	})
}

func captureNotice(err error) string {
	if errors.Is(err, stt.ErrUnsupported) {
		return UnsupportedInputNotice
	}
	return CaptureErrorPrefix + err.Error()
}
