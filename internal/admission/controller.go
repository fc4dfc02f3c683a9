// Package admission tracks the process-wide memory budget and decides whether
// a model load or a batch may proceed. The Controller is the only writer of
// the budget; callers never mutate it directly.
package admission

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"landmarkd/internal/errs"
	"landmarkd/internal/events"
	"landmarkd/internal/metrics"
	"landmarkd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultHeadroomFraction = 0.60
	defaultWarnFraction     = 0.80
	defaultLimitFraction    = 0.90
)

// Fixed fractions used to derive Limits from the remaining headroom.
const (
	maxConcurrentJobsCap = 4
	perJobWorkingSetMB   = 128
	fileSizeFraction     = 0.25
	chunkFrameMB         = 4
	minChunkSize         = 10
	maxChunkSize         = 300
)

// ErrUnknownReservation is returned when releasing or adjusting an id the
// controller never issued (or already released).
var ErrUnknownReservation = errors.New("admission: unknown reservation")

// Class distinguishes reservations that may be refused under memory pressure.
type Class int

const (
	// Essential reservations (model loads) are only refused when they do not fit.
	Essential Class = iota
	// BestEffort reservations (batch working sets) are also refused at critical pressure.
	BestEffort
)

func (c Class) String() string {
	if c == BestEffort {
		return "best_effort"
	}
	return "essential"
}

// Pressure is the memory pressure level.
type Pressure int

const (
	PressureNormal Pressure = iota
	PressureWarning
	PressureCritical
)

func (p Pressure) String() string {
	switch p {
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	}
	return "normal"
}

// ReservationID identifies an open reservation.
type ReservationID uint64

// Decision is the result of CanAdmit.
type Decision struct {
	Allowed     bool
	Reason      string
	Suggestions []string
	RequestedMB int
	UsedMB      int
	ThresholdMB int
}

// Config holds tunables for the Controller.
type Config struct {
	// ThresholdMB is the budget; 0 derives it from host-available memory.
	ThresholdMB      int
	HeadroomFraction float64
	WarnFraction     float64
	LimitFraction    float64
	Stats            StatsProvider
	// Reclaim is called on entering critical pressure; defaults to debug.FreeOSMemory.
	Reclaim   func()
	Publisher events.Publisher
	Logger    *zerolog.Logger
	Metrics   *metrics.Pipeline
}

type reservation struct {
	owner string
	mb    int
	class Class
}

// Controller is the admission controller.
type Controller struct {
	mu           sync.Mutex
	thresholdMB  int
	warnFrac     float64
	limitFrac    float64
	host         HostStats
	hostOK       bool
	reservations map[ReservationID]reservation
	usedMB       int
	nextID       ReservationID
	pressure     Pressure
	reclaim      func()
	publisher    events.Publisher
	log          zerolog.Logger
	metrics      *metrics.Pipeline
}

// New constructs a Controller, sampling host memory once to derive the threshold
// when none is configured.
func New(cfg Config) *Controller {
	c := &Controller{
		warnFrac:     cfg.WarnFraction,
		limitFrac:    cfg.LimitFraction,
		reservations: make(map[ReservationID]reservation),
		reclaim:      cfg.Reclaim,
		publisher:    events.OrNoop(cfg.Publisher),
		metrics:      cfg.Metrics,
	}
	if c.warnFrac <= 0 || c.warnFrac >= 1 {
		c.warnFrac = defaultWarnFraction
	}
	if c.limitFrac <= 0 || c.limitFrac > 1 || c.limitFrac < c.warnFrac {
		c.limitFrac = defaultLimitFraction
	}
	if c.reclaim == nil {
		c.reclaim = debug.FreeOSMemory
	}
	if cfg.Logger != nil {
		c.log = *cfg.Logger
	} else {
		c.log = zerolog.Nop()
	}
	c.host, c.hostOK = sampleHost(cfg.Stats)
	c.thresholdMB = cfg.ThresholdMB
	if c.thresholdMB <= 0 {
		frac := cfg.HeadroomFraction
		if frac <= 0 || frac > 1 {
			frac = defaultHeadroomFraction
		}
		c.thresholdMB = int(float64(c.host.AvailableMB) * frac)
		if c.thresholdMB < 1 {
			c.thresholdMB = 1
		}
	}
	c.log.Info().Int("threshold_mb", c.thresholdMB).Int("host_available_mb", c.host.AvailableMB).
		Bool("host_stats", c.hostOK).Msg("admission budget")
	return c
}

func sampleHost(sp StatsProvider) (HostStats, bool) {
	if sp != nil {
		if hs, err := sp.HostMemory(); err == nil && hs.AvailableMB > 0 {
			return hs, true
		}
	}
	return HostStats{TotalMB: fallbackAvailableMB, AvailableMB: fallbackAvailableMB}, false
}

// ThresholdMB returns the configured or derived budget.
func (c *Controller) ThresholdMB() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thresholdMB
}

// CanAdmit reports whether costMB more would fit in the budget. It never fails
// for a plain "not enough memory" case.
func (c *Controller) CanAdmit(costMB int) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decideLocked(costMB, Essential)
}

func (c *Controller) decideLocked(costMB int, class Class) Decision {
	d := Decision{RequestedMB: costMB, UsedMB: c.usedMB, ThresholdMB: c.thresholdMB}
	if costMB < 0 {
		d.Reason = fmt.Sprintf("invalid memory cost %d MB", costMB)
		return d
	}
	if class == BestEffort && c.pressure == PressureCritical {
		d.Reason = fmt.Sprintf("memory pressure is critical (%d of %d MB in use)", c.usedMB, c.thresholdMB)
		d.Suggestions = c.suggestionsLocked()
		return d
	}
	if costMB > c.thresholdMB {
		d.Reason = fmt.Sprintf("operation needs %d MB which exceeds the whole %d MB budget", costMB, c.thresholdMB)
		d.Suggestions = append([]string{"reduce file size", "use a lighter model type"}, c.suggestionsLocked()...)
		return d
	}
	if c.usedMB+costMB > c.thresholdMB {
		d.Reason = fmt.Sprintf("operation needs %d MB but only %d of %d MB remain", costMB, c.thresholdMB-c.usedMB, c.thresholdMB)
		d.Suggestions = c.suggestionsLocked()
		return d
	}
	d.Allowed = true
	return d
}

func (c *Controller) suggestionsLocked() []string {
	s := []string{"reduce file size", "reduce concurrency", "process one model at a time"}
	owners := make([]string, 0, len(c.reservations))
	seen := make(map[string]bool)
	for _, r := range c.reservations {
		if r.class == Essential && !seen[r.owner] {
			seen[r.owner] = true
			owners = append(owners, r.owner)
		}
	}
	sort.Strings(owners)
	for _, o := range owners {
		s = append(s, "unload "+o)
	}
	return s
}

// Reserve records costMB against the budget for owner. Denials return an
// AdmissionDenied error carrying the decision's reason and suggestions.
func (c *Controller) Reserve(owner string, costMB int, class Class) (ReservationID, error) {
	c.mu.Lock()
	d := c.decideLocked(costMB, class)
	if !d.Allowed {
		c.mu.Unlock()
		c.metrics.AdmissionDenied(class.String())
		c.log.Warn().Str("owner", owner).Int("cost_mb", costMB).Str("class", class.String()).
			Str("reason", d.Reason).Msg("admission denied")
		return 0, errs.AdmissionDenied(d.Reason, d.Suggestions...)
	}
	c.nextID++
	id := c.nextID
	c.reservations[id] = reservation{owner: owner, mb: costMB, class: class}
	c.usedMB += costMB
	ev := c.updatePressureLocked()
	used := c.usedMB
	c.mu.Unlock()
	c.afterChange(ev, used)
	return id, nil
}

// Adjust replaces the cost of an open reservation with measuredMB. A measured
// value above the estimate is accepted even if it overshoots, since the memory
// is already in use; pressure signals report the overshoot.
func (c *Controller) Adjust(id ReservationID, measuredMB int) error {
	if measuredMB < 0 {
		measuredMB = 0
	}
	c.mu.Lock()
	r, ok := c.reservations[id]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownReservation
	}
	c.usedMB += measuredMB - r.mb
	r.mb = measuredMB
	c.reservations[id] = r
	ev := c.updatePressureLocked()
	used := c.usedMB
	c.mu.Unlock()
	c.afterChange(ev, used)
	return nil
}

// Release returns a reservation to the budget.
func (c *Controller) Release(id ReservationID) error {
	c.mu.Lock()
	r, ok := c.reservations[id]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownReservation
	}
	delete(c.reservations, id)
	c.usedMB -= r.mb
	if c.usedMB < 0 {
		c.usedMB = 0
	}
	ev := c.updatePressureLocked()
	used := c.usedMB
	c.mu.Unlock()
	c.afterChange(ev, used)
	return nil
}

// pressureEvent is filled when the level changed under the lock.
type pressureEvent struct {
	changed bool
	level   Pressure
	ratio   float64
}

func (c *Controller) updatePressureLocked() pressureEvent {
	ratio := float64(c.usedMB) / float64(c.thresholdMB)
	level := PressureNormal
	switch {
	case ratio >= c.limitFrac:
		level = PressureCritical
	case ratio >= c.warnFrac:
		level = PressureWarning
	}
	if level == c.pressure {
		return pressureEvent{level: level, ratio: ratio}
	}
	c.pressure = level
	return pressureEvent{changed: true, level: level, ratio: ratio}
}

func (c *Controller) afterChange(ev pressureEvent, usedMB int) {
	c.metrics.Memory(usedMB, int(ev.level))
	if !ev.changed {
		return
	}
	fields := map[string]any{"used_mb": usedMB, "ratio": ev.ratio}
	switch ev.level {
	case PressureCritical:
		c.log.Warn().Int("used_mb", usedMB).Float64("ratio", ev.ratio).Msg("memory pressure critical")
		c.publisher.Publish(events.Event{Name: "memory_pressure_critical", Fields: fields})
		// best effort; the runtime may or may not return memory to the OS
		c.reclaim()
	case PressureWarning:
		c.log.Info().Int("used_mb", usedMB).Float64("ratio", ev.ratio).Msg("memory pressure warning")
		c.publisher.Publish(events.Event{Name: "memory_pressure_warning", Fields: fields})
	default:
		c.publisher.Publish(events.Event{Name: "memory_pressure_normal", Fields: fields})
	}
}

// Limits derives job limits from the remaining headroom.
func (c *Controller) Limits() types.Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limitsLocked()
}

func (c *Controller) limitsLocked() types.Limits {
	headroom := c.thresholdMB - c.usedMB
	if headroom < 0 {
		headroom = 0
	}
	jobs := headroom / perJobWorkingSetMB
	jobs = max(1, min(jobs, maxConcurrentJobsCap))
	if c.pressure == PressureCritical {
		jobs = 1
	}
	chunk := min(max(headroom/chunkFrameMB, minChunkSize), maxChunkSize)
	return types.Limits{
		MaxConcurrentJobs:    jobs,
		MaxFileSizeMB:        int(float64(headroom) * fileSizeFraction),
		RecommendedChunkSize: chunk,
	}
}

// Usage returns the current budget view.
func (c *Controller) Usage() types.MemoryStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.MemoryStatus{
		ThresholdMB:     c.thresholdMB,
		UsedMB:          c.usedMB,
		Ratio:           float64(c.usedMB) / float64(c.thresholdMB),
		Pressure:        c.pressure.String(),
		HostAvailableMB: c.host.AvailableMB,
		HostStatsOK:     c.hostOK,
		Reservations:    len(c.reservations),
		Limits:          c.limitsLocked(),
	}
}

// Pressure returns the current pressure level.
func (c *Controller) Pressure() Pressure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressure
}
