package parla

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/parla/pkg/adapters/stt"
	"github.com/harunnryd/parla/pkg/adapters/tts"
	"github.com/harunnryd/parla/pkg/configutil"
	"github.com/harunnryd/parla/pkg/llm"
	"github.com/harunnryd/parla/pkg/logging"
	"github.com/harunnryd/parla/pkg/metrics"
	"github.com/harunnryd/parla/pkg/observers"
	"github.com/harunnryd/parla/pkg/redact"
	"github.com/harunnryd/parla/pkg/turn"
)

const drainTimeout = 5 * time.Second

// Engine builds the capabilities named by the configuration and runs one
// coordinator over them.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	input   stt.SpeechInput
	output  tts.SpeechOutput
	backend llm.Backend
	coord   *turn.Coordinator

	asyncObs   *metrics.AsyncObserver
	jsonlObs   *metrics.JSONLObserver
	latencyObs *observers.LatencyObserver

	mu      sync.Mutex
	runErr  chan error
	stopped bool
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Observers receive every metrics event next to the built-in ones.
	Observers []metrics.Observer
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("parla_init",
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"turn_timeout_ms", cfg.Turn.TimeoutMS,
		"redact_pii", redact.Enabled(),
		"api_key", redact.Secret(cfg.APIKey),
	)

	e := &Engine{cfg: cfg, logger: logger}
	e.latencyObs = observers.NewLatencyObserver(logger)
	obsList := []metrics.Observer{e.latencyObs, observers.NewLoggerObserver(logger)}
	if path := strings.TrimSpace(cfg.Observability.MetricsPath); path != "" {
		jsonl, err := metrics.OpenJSONLFile(path)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		e.jsonlObs = jsonl
		obsList = append(obsList, jsonl)
	}
	obsList = append(obsList, opts.Observers...)
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), cfg.Observability.MetricsBuffer)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	var err error
	if e.backend, err = providers.BuildBackend(cfg, logging.NewComponentLogger(logger, "backend")); err != nil {
		e.release()
		return nil, err
	}
	if obs, ok := e.backend.(interface{ SetObserver(metrics.Observer) }); ok {
		obs.SetObserver(e.asyncObs)
	}
	if e.input, err = providers.BuildInput(cfg, logging.NewComponentLogger(logger, "speech_input")); err != nil {
		e.release()
		return nil, err
	}
	if e.output, err = providers.BuildOutput(cfg, logging.NewComponentLogger(logger, "speech_output")); err != nil {
		e.release()
		return nil, err
	}

	e.coord, err = turn.New(turn.Options{
		Input:              e.input,
		Backend:            e.backend,
		Output:             e.output,
		Greeting:           cfg.Persona.Greeting,
		NoGreeting:         cfg.Persona.NoGreeting,
		TurnTimeout:        configutil.Millis(cfg.Turn.TimeoutMS),
		Observer:           e.asyncObs,
		Logger:             logger,
		TranscriptLogLimit: cfg.Turn.TranscriptLogLimit,
	})
	if err != nil {
		e.release()
		return nil, err
	}
	return e, nil
}

// Start runs the coordinator until ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errors.New("engine stopped")
	}
	if e.runErr != nil {
		return turn.ErrAlreadyRunning
	}
	e.runErr = make(chan error, 1)
	go func(ch chan<- error) {
		ch <- e.coord.Run(ctx)
	}(e.runErr)
	e.logger.Info("engine_started")
	return nil
}

// Stop tears the conversation down and releases every capability.
func (e *Engine) Stop() error {
	return e.Drain()
}

// Drain closes the coordinator, waiting at most a few seconds for its
// teardown, then releases the capabilities and flushes metrics.
func (e *Engine) Drain() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	runErr := e.runErr
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	var errs []error
	if runErr != nil {
		if err := e.coord.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		select {
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("drain: %w", ctx.Err()))
		}
	}
	if err := e.release(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("engine_stopped",
		"turns_measured", len(e.latencyObs.Completed()),
		"metrics_dropped", e.asyncObs.Dropped())
	return errors.Join(errs...)
}

func (e *Engine) release() error {
	var errs []error
	if e.input != nil {
		if err := e.input.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close speech input: %w", err))
		}
	}
	if e.output != nil {
		if err := e.output.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close speech output: %w", err))
		}
	}
	if closer, ok := e.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
	}
	e.asyncObs.Close()
	if e.jsonlObs != nil {
		if err := e.jsonlObs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metrics file: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) Coordinator() *turn.Coordinator { return e.coord }

func (e *Engine) Input() stt.SpeechInput { return e.input }

func (e *Engine) Config() Config { return e.cfg }

// Latencies returns the measured turns so far.
func (e *Engine) Latencies() []observers.TurnLatency { return e.latencyObs.Completed() }

// Health reports the configuration error the conversation is showing, if any.
func (e *Engine) Health() error {
	if e.coord == nil {
		return errors.New("engine not initialized")
	}
	if err := e.backend.Err(); err != nil {
		return err
	}
	return nil
}
