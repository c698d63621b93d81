package turn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/parla/pkg/adapters/stt"
	"github.com/harunnryd/parla/pkg/conversation"
	"github.com/harunnryd/parla/pkg/frames"
	"github.com/harunnryd/parla/pkg/llm"
	"github.com/harunnryd/parla/pkg/metrics"
	"github.com/harunnryd/parla/pkg/providers/mock"
)

const waitTimeout = 2 * time.Second

type harness struct {
	c       *Coordinator
	in      *mock.SpeechInput
	out     *mock.SpeechOutput
	backend *mock.Backend
	obs     *metrics.MemoryObserver
	changes *changeRecorder
	cancel  context.CancelFunc

	mu         sync.Mutex
	violations []string
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *changeRecorder) OnStateChange(ev StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ev)
}

func (r *changeRecorder) targets() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.changes))
	for _, ch := range r.changes {
		out = append(out, ch.ToState)
	}
	return out
}

func newHarness(t *testing.T, llmCfg mock.LLMConfig, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		in:      mock.NewSTT(mock.STTConfig{StreamID: "mic"}),
		out:     mock.NewTTS(mock.TTSConfig{}),
		backend: mock.NewBackend(llmCfg),
		obs:     metrics.NewMemoryObserver(),
		changes: &changeRecorder{},
	}
	opts := Options{
		Input:      h.in,
		Backend:    h.backend,
		Output:     h.out,
		NoGreeting: true,
		Observer:   h.obs,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if configure != nil {
		configure(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h.c = c
	c.AddListener(h.changes)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	snaps, unsubscribe := h.c.Subscribe()
	go func() {
		for s := range snaps {
			h.check(s)
		}
	}()
	go func() { _ = h.c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.c.Done():
		case <-time.After(waitTimeout):
			t.Errorf("coordinator did not stop")
		}
		unsubscribe()
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, v := range h.violations {
			t.Errorf("invariant violated: %s", v)
		}
	})
}

func (h *harness) check(s Snapshot) {
	var bad []string
	if s.Listening && s.Processing {
		bad = append(bad, "listening and processing both set")
	}
	if n := s.StreamingCount(); n > 1 {
		bad = append(bad, "more than one streaming message")
	} else if n == 1 && !s.Messages[len(s.Messages)-1].Streaming {
		bad = append(bad, "streaming message is not the last one")
	}
	if len(bad) == 0 {
		return
	}
	h.mu.Lock()
	h.violations = append(h.violations, bad...)
	h.mu.Unlock()
}

func (h *harness) toggle(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return h.c.ToggleListening(ctx)
}

func (h *harness) listen(t *testing.T) {
	t.Helper()
	if err := h.toggle(t); err != nil {
		t.Fatalf("toggle listening: %v", err)
	}
	if got := h.c.State(); got != StateListening {
		t.Fatalf("expected LISTENING after toggle, got %s", got)
	}
}

func waitFor(t *testing.T, c *Coordinator, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		s := c.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot %+v", what, s)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func lastMessage(s Snapshot) conversation.Message {
	if len(s.Messages) == 0 {
		return conversation.Message{}
	}
	return s.Messages[len(s.Messages)-1]
}

func sealedReply(s Snapshot) bool {
	return len(s.Messages) == 2 && lastMessage(s).Sealed()
}

func TestCoordinatorStreamsReplyAndSpeaksIt(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, mock.LLMConfig{
		Replies: [][]string{{"I'm", " good, thanks!"}},
		Gate:    gate,
	}, nil)
	h.start(t)

	h.listen(t)
	h.in.Say("How are you")

	s := waitFor(t, h.c, "placeholder", func(s Snapshot) bool {
		return s.Processing && len(s.Messages) == 2
	})
	user, ai := s.Messages[0], s.Messages[1]
	if user.Sender != conversation.SenderUser || user.Text != "How are you" || user.Streaming {
		t.Fatalf("unexpected user message %+v", user)
	}
	if ai.Sender != conversation.SenderAI || ai.Text != "" || !ai.Streaming {
		t.Fatalf("unexpected placeholder %+v", ai)
	}
	if s.Listening {
		t.Fatalf("listening must be cleared while processing")
	}

	gate <- struct{}{}
	waitFor(t, h.c, "first fragment", func(s Snapshot) bool {
		return lastMessage(s).Text == "I'm" && lastMessage(s).Streaming
	})
	gate <- struct{}{}

	s = waitFor(t, h.c, "sealed reply", sealedReply)
	if got := lastMessage(s).Text; got != "I'm good, thanks!" {
		t.Fatalf("expected concatenated reply, got %q", got)
	}
	if s.Processing {
		t.Fatalf("processing must be cleared after finalization")
	}
	waitFor(t, h.c, "speaking", func(s Snapshot) bool { return s.State == StateSpeaking && s.Speaking })
	if spoken := h.out.Spoken(); len(spoken) != 1 || spoken[0] != "I'm good, thanks!" {
		t.Fatalf("expected reply to be spoken, got %v", spoken)
	}
	if sent := h.backend.Sent(); len(sent) != 1 || sent[0] != "How are you" {
		t.Fatalf("expected transcript to be sent, got %v", sent)
	}

	h.out.Finish()
	waitFor(t, h.c, "idle", func(s Snapshot) bool { return s.State == StateIdle && !s.Speaking })

	want := []State{StateListening, StateProcessing, StateSpeaking, StateIdle}
	got := h.changes.targets()
	if len(got) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, got)
		}
	}
}

func TestCoordinatorRefusalSealsWithoutSpeaking(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{RefuseErr: errors.New("quota exceeded")}, nil)
	h.start(t)

	h.listen(t)
	h.in.Say("Hello there")

	s := waitFor(t, h.c, "refusal", func(s Snapshot) bool {
		return sealedReply(s) && s.State == StateIdle
	})
	if got := lastMessage(s).Text; got != RefusalText {
		t.Fatalf("expected refusal text, got %q", got)
	}
	if s.Processing {
		t.Fatalf("processing must be false after refusal")
	}
	if s.Error != "quota exceeded" {
		t.Fatalf("expected refusal description as error, got %q", s.Error)
	}
	if spoken := h.out.Spoken(); len(spoken) != 0 {
		t.Fatalf("refusal must not be spoken, got %v", spoken)
	}
	if len(h.obs.Named(metrics.EventTurnRefused)) != 1 {
		t.Fatalf("expected one refused turn event")
	}
}

func TestCoordinatorStreamErrorStillSpeaks(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{StreamErr: errors.New("connection reset")}, nil)
	h.start(t)

	h.listen(t)
	h.in.Say("Tell me a story")

	s := waitFor(t, h.c, "error notice", func(s Snapshot) bool {
		return sealedReply(s) && s.State == StateSpeaking
	})
	if got := lastMessage(s).Text; got != StreamErrorText {
		t.Fatalf("expected error notice text, got %q", got)
	}
	if s.Error != StreamErrorNotice {
		t.Fatalf("expected stream error notice, got %q", s.Error)
	}
	if spoken := h.out.Spoken(); len(spoken) != 1 || spoken[0] != StreamErrorText {
		t.Fatalf("expected error notice to be spoken, got %v", spoken)
	}
}

func TestCoordinatorStreamErrorReplacesPartialReply(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, mock.LLMConfig{
		Replies:   [][]string{{"Hel", "lo"}},
		StreamErr: errors.New("connection reset"),
		FailAfter: 1,
		Gate:      gate,
	}, nil)
	h.start(t)

	h.listen(t)
	h.in.Say("Say hello")

	gate <- struct{}{}
	waitFor(t, h.c, "partial fragment", func(s Snapshot) bool {
		return len(s.Messages) == 2 && lastMessage(s).Streaming && lastMessage(s).Text == "Hel"
	})
	gate <- struct{}{}

	s := waitFor(t, h.c, "error reply", func(s Snapshot) bool {
		return sealedReply(s) && s.State == StateSpeaking
	})
	if got := lastMessage(s).Text; got != StreamErrorText {
		t.Fatalf("partial text must be replaced, got %q", got)
	}
	if s.Error != StreamErrorNotice {
		t.Fatalf("expected stream error notice, got %q", s.Error)
	}
	if spoken := h.out.Spoken(); len(spoken) != 1 || spoken[0] != StreamErrorText {
		t.Fatalf("expected error reply to be spoken, got %v", spoken)
	}
}

func TestCoordinatorEmptyReplyFallsBack(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{Replies: [][]string{{"", ""}}}, nil)
	h.start(t)

	h.listen(t)
	h.in.Say("Hmm")

	s := waitFor(t, h.c, "fallback", func(s Snapshot) bool {
		return sealedReply(s) && s.State == StateSpeaking
	})
	if got := lastMessage(s).Text; got != EmptyReplyText {
		t.Fatalf("expected fallback text, got %q", got)
	}
	if spoken := h.out.Spoken(); len(spoken) != 1 || spoken[0] != EmptyReplyText {
		t.Fatalf("expected fallback to be spoken, got %v", spoken)
	}
}

func TestCoordinatorBlankReplyFallsBack(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{Replies: [][]string{{" ", "\n"}}}, nil)
	h.start(t)

	h.listen(t)
	h.in.Say("Hmm")

	s := waitFor(t, h.c, "fallback", func(s Snapshot) bool {
		return sealedReply(s) && s.State == StateSpeaking
	})
	if got := lastMessage(s).Text; got != EmptyReplyText {
		t.Fatalf("expected fallback for a blank reply, got %q", got)
	}
	if spoken := h.out.Spoken(); len(spoken) != 1 || spoken[0] != EmptyReplyText {
		t.Fatalf("expected fallback to be spoken, got %v", spoken)
	}
	h.out.Finish()
	waitFor(t, h.c, "idle", func(s Snapshot) bool { return s.State == StateIdle && !s.Speaking })
}

func TestCoordinatorEmptyCaptureReturnsToIdle(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil)
	h.start(t)

	h.listen(t)
	h.in.End()

	s := waitFor(t, h.c, "idle", func(s Snapshot) bool { return s.State == StateIdle })
	if len(s.Messages) != 0 {
		t.Fatalf("expected no messages, got %d", len(s.Messages))
	}
	if s.Processing || s.Listening {
		t.Fatalf("unexpected flags %+v", s)
	}
	if len(h.backend.Sent()) != 0 {
		t.Fatalf("backend must not be called")
	}

	// whitespace-only transcripts count as empty
	h.listen(t)
	h.in.Say("   ")
	waitFor(t, h.c, "idle", func(s Snapshot) bool { return s.State == StateIdle && len(s.Messages) == 0 })
}

func TestCoordinatorToggleStopsActiveCapture(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil)
	h.start(t)

	h.listen(t)
	if err := h.toggle(t); err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	waitFor(t, h.c, "idle", func(s Snapshot) bool { return s.State == StateIdle })
	starts, stops, _ := h.in.Calls()
	if starts != 1 || stops != 1 {
		t.Fatalf("expected one start and one stop, got %d/%d", starts, stops)
	}
}

func TestCoordinatorToggleIgnoredWhileBusy(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, mock.LLMConfig{Replies: [][]string{{"Sure."}}, Gate: gate}, nil)
	h.start(t)

	h.listen(t)
	h.in.Say("Can we talk?")
	waitFor(t, h.c, "processing", func(s Snapshot) bool { return s.Processing })

	if err := h.toggle(t); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while processing, got %v", err)
	}
	if got := h.c.State(); got != StateProcessing {
		t.Fatalf("state changed while processing: %s", got)
	}

	gate <- struct{}{}
	waitFor(t, h.c, "speaking", func(s Snapshot) bool { return s.State == StateSpeaking })
	if err := h.toggle(t); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while speaking, got %v", err)
	}

	starts, _, _ := h.in.Calls()
	if starts != 1 {
		t.Fatalf("expected a single capture session, got %d", starts)
	}

	h.out.Finish()
	waitFor(t, h.c, "idle", func(s Snapshot) bool { return s.State == StateIdle })
	h.listen(t)
}

func TestCoordinatorCaptureError(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil)
	h.start(t)

	h.listen(t)
	h.in.Fail("no-speech")

	s := waitFor(t, h.c, "capture error", func(s Snapshot) bool { return s.State == StateIdle && s.Error != "" })
	if s.Error != "Speech recognition error: no-speech" {
		t.Fatalf("unexpected error %q", s.Error)
	}
	if len(s.Messages) != 0 {
		t.Fatalf("capture error must not append messages")
	}
}

func TestCoordinatorCaptureStartFailure(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil)
	h.start(t)
	_ = h.in.Close()

	if err := h.toggle(t); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	s := h.c.Snapshot()
	if s.State != StateIdle {
		t.Fatalf("expected IDLE after failed start, got %s", s.State)
	}
	if s.Error != CaptureErrorPrefix+"mock stt: closed" {
		t.Fatalf("unexpected error %q", s.Error)
	}
	if len(h.obs.Named(metrics.EventCaptureError)) != 1 {
		t.Fatalf("expected capture error event")
	}
}

func TestCoordinatorClearsErrorOnNextSend(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{Replies: [][]string{{"Fine."}}}, nil)
	h.start(t)

	h.listen(t)
	h.in.Fail("network")
	waitFor(t, h.c, "error", func(s Snapshot) bool { return s.Error != "" })

	h.listen(t)
	h.in.Say("Again")
	s := waitFor(t, h.c, "reply", sealedReply)
	if s.Error != "" {
		t.Fatalf("expected error cleared by new send, got %q", s.Error)
	}
}

func TestCoordinatorGreeting(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, func(o *Options) { o.NoGreeting = false })

	s := h.c.Snapshot()
	if len(s.Messages) != 1 {
		t.Fatalf("expected greeting message, got %d", len(s.Messages))
	}
	greeting := s.Messages[0]
	if greeting.Sender != conversation.SenderAI || greeting.Text != DefaultGreeting || greeting.Streaming {
		t.Fatalf("unexpected greeting %+v", greeting)
	}
	if s.State != StateSpeaking {
		t.Fatalf("expected SPEAKING during greeting, got %s", s.State)
	}
	if spoken := h.out.Spoken(); len(spoken) != 1 || spoken[0] != DefaultGreeting {
		t.Fatalf("expected greeting to be spoken, got %v", spoken)
	}

	h.start(t)
	if err := h.toggle(t); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy during greeting, got %v", err)
	}
	h.out.Finish()
	waitFor(t, h.c, "idle", func(s Snapshot) bool { return s.State == StateIdle })
	h.listen(t)
}

func TestCoordinatorConfigurationErrorSkipsGreeting(t *testing.T) {
	cfgErr := errors.New("API key for Google GenAI is not set. Please set the API_KEY environment variable.")
	h := newHarness(t, mock.LLMConfig{ConfigErr: cfgErr}, func(o *Options) { o.NoGreeting = false })

	s := h.c.Snapshot()
	if s.Error != cfgErr.Error() {
		t.Fatalf("expected configuration error, got %q", s.Error)
	}
	if len(s.Messages) != 0 || len(h.out.Spoken()) != 0 {
		t.Fatalf("greeting must be skipped on configuration error")
	}

	h.start(t)
	h.listen(t)
	h.in.Say("Hello")
	s = waitFor(t, h.c, "refusal", func(s Snapshot) bool { return sealedReply(s) && s.State == StateIdle })
	if lastMessage(s).Text != RefusalText || s.Error != cfgErr.Error() {
		t.Fatalf("unexpected refusal snapshot %+v", s)
	}
}

func TestCoordinatorUnsupportedInput(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, func(o *Options) {
		o.Input = stt.NewUnsupported("no microphone")
		o.NoGreeting = false
	})

	s := h.c.Snapshot()
	if s.Error != UnsupportedInputNotice {
		t.Fatalf("expected unsupported notice, got %q", s.Error)
	}
	if len(s.Messages) != 0 {
		t.Fatalf("greeting must be skipped when speech input is unsupported")
	}

	h.start(t)
	if err := h.toggle(t); !errors.Is(err, ErrInputUnsupported) {
		t.Fatalf("expected ErrInputUnsupported, got %v", err)
	}
	if h.c.State() != StateIdle {
		t.Fatalf("state must stay IDLE")
	}
}

func TestCoordinatorTurnTimeout(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, mock.LLMConfig{Replies: [][]string{{"never"}}, Gate: gate}, func(o *Options) {
		o.TurnTimeout = 30 * time.Millisecond
	})
	h.start(t)

	h.listen(t)
	h.in.Say("Are you there?")

	s := waitFor(t, h.c, "timeout", func(s Snapshot) bool { return sealedReply(s) && s.State == StateSpeaking })
	if lastMessage(s).Text != StreamErrorText || s.Error != StreamErrorNotice {
		t.Fatalf("expected timeout to finalize as stream error, got %+v", s)
	}
}

// stalledBackend does its request inside Send and never answers.
type stalledBackend struct{}

func (stalledBackend) Name() string { return "stalled" }
func (stalledBackend) Err() error { return nil }

func (stalledBackend) Send(ctx context.Context, text string) (*llm.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCoordinatorTurnTimeoutDuringSend(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, func(o *Options) {
		o.Backend = stalledBackend{}
		o.TurnTimeout = 30 * time.Millisecond
	})
	h.start(t)

	h.listen(t)
	h.in.Say("Are you there?")

	s := waitFor(t, h.c, "timeout", func(s Snapshot) bool { return sealedReply(s) && s.State == StateSpeaking })
	if got := lastMessage(s).Text; got != StreamErrorText {
		t.Fatalf("expected error reply, got %q", got)
	}
	if s.Error != StreamErrorNotice {
		t.Fatalf("expected stream error notice, got %q", s.Error)
	}
	if spoken := h.out.Spoken(); len(spoken) != 1 || spoken[0] != StreamErrorText {
		t.Fatalf("expected error reply to be spoken, got %v", spoken)
	}
	if len(h.obs.Named(metrics.EventTurnRefused)) != 0 {
		t.Fatalf("a timeout must not be recorded as a refusal")
	}
}

func TestCoordinatorRecordsTurnMetrics(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{Replies: [][]string{{"One", " two"}}}, nil)
	h.start(t)

	h.listen(t)
	h.in.Say("Count for me")
	waitFor(t, h.c, "reply", sealedReply)

	complete := h.obs.Named(metrics.EventTurnComplete)
	if len(complete) != 1 {
		t.Fatalf("expected one turn.complete event, got %d", len(complete))
	}
	if complete[0].Fields["fragments"] != 2 || complete[0].Tags["outcome"] != "ok" {
		t.Fatalf("unexpected turn.complete event %+v", complete[0])
	}
	first := h.obs.Named(metrics.EventFirstFragment)
	if len(first) != 1 || first[0].Tags["turn_id"] != complete[0].Tags["turn_id"] {
		t.Fatalf("expected first fragment event for the same turn, got %+v", first)
	}
}

func TestCoordinatorTeardownDuringCapture(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil)
	h.start(t)
	h.listen(t)

	h.cancel()
	<-h.c.Done()

	_, _, aborts := h.in.Calls()
	if aborts != 1 {
		t.Fatalf("expected capture to be aborted, got %d", aborts)
	}
	if h.out.Cancels() != 1 {
		t.Fatalf("expected speech output to be cancelled")
	}
	if h.c.State() != StateIdle {
		t.Fatalf("expected IDLE after teardown, got %s", h.c.State())
	}
}

func TestCoordinatorTeardownDuringProcessing(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, mock.LLMConfig{Replies: [][]string{{"unfinished"}}, Gate: gate}, nil)
	h.start(t)

	h.listen(t)
	h.in.Say("Wait")
	waitFor(t, h.c, "processing", func(s Snapshot) bool { return s.Processing })

	snaps, stop := h.c.Subscribe()
	defer stop()
	h.cancel()
	<-h.c.Done()

	s := h.c.Snapshot()
	if s.StreamingCount() != 0 {
		t.Fatalf("teardown must seal the placeholder")
	}
	if len(h.out.Spoken()) != 0 {
		t.Fatalf("teardown must not speak")
	}
	for range snaps {
	}
}

func TestCoordinatorClose(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, nil)
	h.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.c.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := h.c.ToggleListening(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after close, got %v", err)
	}
}

// openInput keeps its Results channel open until the test ends.
type openInput struct{ out chan frames.Frame }

func (o *openInput) Name() string { return "open" }
func (o *openInput) Start(context.Context) error { return nil }
func (o *openInput) Stop() error { return nil }
func (o *openInput) Abort() error { return nil }
func (o *openInput) Close() error { return nil }
func (o *openInput) Results() <-chan frames.Frame { return o.out }

func TestCoordinatorCloseStopsForwarding(t *testing.T) {
	in := &openInput{out: make(chan frames.Frame)}
	h := newHarness(t, mock.LLMConfig{}, func(o *Options) { o.Input = in })
	h.start(t)

	select {
	case in.out <- frames.NewSpeechEnd("s1", "open"):
	case <-time.After(waitTimeout):
		t.Fatalf("frames are not being read while running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A reader already blocked in select may take one more frame, never more.
	delivered := 0
	for i := 0; i < 3; i++ {
		select {
		case in.out <- frames.NewSpeechEnd("s1", "open"):
			delivered++
		case <-time.After(30 * time.Millisecond):
		}
	}
	if delivered > 1 {
		t.Fatalf("frames still forwarded after close: %d", delivered)
	}
}

func TestCoordinatorBlankGreetingUsesDefault(t *testing.T) {
	h := newHarness(t, mock.LLMConfig{}, func(o *Options) {
		o.NoGreeting = false
		o.Greeting = "   "
	})
	s := h.c.Snapshot()
	if len(s.Messages) != 1 || s.Messages[0].Text != DefaultGreeting {
		t.Fatalf("expected default greeting, got %+v", s.Messages)
	}
	if spoken := h.out.Spoken(); len(spoken) != 1 || spoken[0] != DefaultGreeting {
		t.Fatalf("expected default greeting spoken, got %v", spoken)
	}
}

func TestNewRequiresBackendAndOutput(t *testing.T) {
	if _, err := New(Options{Output: mock.NewTTS(mock.TTSConfig{})}); err == nil {
		t.Fatalf("expected error without backend")
	}
	if _, err := New(Options{Backend: mock.NewBackend(mock.LLMConfig{})}); err == nil {
		t.Fatalf("expected error without speech output")
	}
}
