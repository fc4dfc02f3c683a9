package manager

import (
	"time"

	"github.com/rs/zerolog"

	"landmarkd/internal/admission"
	"landmarkd/internal/engine"
	"landmarkd/internal/events"
	"landmarkd/internal/metrics"
	"landmarkd/internal/registry"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultDrainTimeout = 5 * time.Second
	drainPollInterval   = 10 * time.Millisecond
)

// Config encapsulates all dependencies and tunables for Manager construction.
type Config struct {
	Catalog   registry.Catalog
	Engine    engine.Engine
	Admission *admission.Controller
	Publisher events.Publisher
	Logger    *zerolog.Logger
	Metrics   *metrics.Pipeline
	// DrainTimeout bounds how long Unload waits for job references to drop.
	DrainTimeout time.Duration
	// Scope prefixes reservation owners; empty for the primary manager.
	Scope string
	// Class of the admission reservations made by this manager.
	Class admission.Class
}
