// Package app constructs and owns the service's components.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"landmarkd/internal/admission"
	"landmarkd/internal/batch"
	"landmarkd/internal/config"
	"landmarkd/internal/dispatch"
	"landmarkd/internal/engine"
	"landmarkd/internal/events"
	"landmarkd/internal/frames"
	"landmarkd/internal/manager"
	"landmarkd/internal/metrics"
	"landmarkd/internal/perf"
	"landmarkd/internal/registry"
	"landmarkd/internal/store"
)

// eventHistory bounds the in-memory event log exposed by Events.
const eventHistory = 512

// App wires the components together. Construct it with New and release it
// with Close.
type App struct {
	Config       config.Config
	Logger       zerolog.Logger
	Metrics      *metrics.Pipeline
	Events       *events.Memory
	Catalog      registry.Catalog
	Admission    *admission.Controller
	Manager      *manager.Manager
	Tracker      *perf.Tracker
	Dispatcher   *dispatch.Dispatcher
	Store        store.Store
	Orchestrator *batch.Orchestrator

	started time.Time
}

// Options override collaborators, mainly for tests.
type Options struct {
	// Registerer receives the pipeline metrics; nil skips registration.
	Registerer prometheus.Registerer
	Engine     engine.Engine
	Frames     frames.Source
	Stats      admission.StatsProvider
	Store      store.Store
}

// New builds an App from cfg, which must already carry defaults.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, started: time.Now()}
	a.Metrics = metrics.New(opts.Registerer)
	a.Events = events.NewMemory(eventHistory)
	pub := events.Fanout{a.Events, events.Log{Logger: logger}}

	cat, err := registry.LoadDir(registry.Default(), cfg.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("load model assets: %w", err)
	}
	a.Catalog = cat

	stats := opts.Stats
	if stats == nil {
		stats = admission.DefaultStats()
	}
	a.Admission = admission.New(admission.Config{
		ThresholdMB:      cfg.MemoryBudgetMB,
		HeadroomFraction: cfg.HeadroomFraction,
		Stats:            stats,
		Publisher:        pub,
		Logger:           component(logger, "admission"),
		Metrics:          a.Metrics,
	})

	eng := opts.Engine
	if eng == nil {
		if cfg.EngineCommand != "" {
			eng = &engine.Subprocess{Command: cfg.EngineCommand, Args: cfg.EngineArgs, Logger: component(logger, "engine")}
		} else {
			eng = engine.Unavailable{Reason: "no engine_command configured"}
		}
	}
	a.Manager = manager.New(manager.Config{
		Catalog:      cat,
		Engine:       eng,
		Admission:    a.Admission,
		Publisher:    pub,
		Logger:       component(logger, "manager"),
		Metrics:      a.Metrics,
		DrainTimeout: cfg.DrainTimeout(),
	})

	a.Tracker = perf.New(cfg.PerfWindow)
	a.Dispatcher = dispatch.New(dispatch.Config{
		Workers:          cfg.Workers,
		MaxRetries:       cfg.MaxRetries,
		DegradedFraction: cfg.DegradedFraction,
		FrameTimeout:     cfg.FrameTimeout(),
		Tracker:          a.Tracker,
		Logger:           component(logger, "dispatch"),
		Metrics:          a.Metrics,
	})

	a.Store = opts.Store
	if a.Store == nil {
		if a.Store, err = openStore(ctx, cfg.Store); err != nil {
			_ = a.Manager.Close()
			return nil, err
		}
	}

	src := opts.Frames
	if src == nil {
		src = frames.Auto{FFmpeg: &frames.FFmpeg{Binary: cfg.FFmpegPath, Logger: component(logger, "frames")}}
	}
	a.Orchestrator = batch.New(batch.Config{
		Manager:    a.Manager,
		Dispatcher: a.Dispatcher,
		Admission:  a.Admission,
		Frames:     src,
		FrameOptions: frames.Options{
			FPS:            cfg.FPS,
			MaxDurationSec: cfg.MaxDurationSec,
			MaxFrames:      cfg.MaxFrames,
			Width:          cfg.FrameWidth,
			Height:         cfg.FrameHeight,
		},
		Store:     a.Store,
		Publisher: pub,
		Logger:    &logger,
		Metrics:   a.Metrics,
	})
	logger.Info().Int("models", len(cat.List())).Str("store", cfg.Store.Kind).
		Int("budget_mb", a.Admission.ThresholdMB()).Msg("landmarkd initialized")
	return a, nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Kind {
	case config.StoreFile:
		return store.NewFile(sc.Dir)
	case config.StorePostgres:
		return store.NewPostgres(ctx, sc.DatabaseURL)
	}
	return store.NewMemory(), nil
}

func component(l zerolog.Logger, name string) *zerolog.Logger {
	c := l.With().Str("component", name).Logger()
	return &c
}

// Close unloads every model and closes the store.
func (a *App) Close() error {
	err := a.Manager.Close()
	if serr := a.Store.Close(); err == nil {
		err = serr
	}
	return err
}
