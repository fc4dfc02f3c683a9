package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"landmarkd/internal/engine"
	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

var errDraining = errors.New("model is being unloaded")

// Load returns a ready handle for t, loading it when needed. Concurrent calls for
// the same type share one underlying load; the load itself is not cancelled when
// the first caller goes away, but each caller stops waiting when its ctx is done.
func (m *Manager) Load(ctx context.Context, t types.ModelType, opts types.InferenceOptions) LoadResult {
	if !t.Valid() {
		return failed(errs.InvalidRequest(fmt.Sprintf("unknown model type %q", t)))
	}
	cfg, ok := m.catalog.Lookup(t)
	if !ok {
		return failed(errs.NotFound("model " + string(t)))
	}
	if err := opts.Validate(); err != nil {
		return failed(errs.InvalidRequest(err.Error()))
	}
	opts = opts.WithDefaults(cfg.Defaults)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return failed(errs.DependencyUnavailable("model manager is closed"))
	}
	broken := m.detachBroken(t)
	if h := m.handles[t]; h != nil {
		m.mu.Unlock()
		if h.State() != StateReady {
			return failed(errs.ModelLoad(string(t), errDraining))
		}
		h.touch()
		return LoadResult{Success: true, Handle: h, Cached: true, MemoryUsedMB: h.MemoryMB, LoadTimeMs: ms(h.LoadTime)}
	}
	coalesced := m.inflight[t]
	m.inflight[t] = true
	m.mu.Unlock()
	if broken != nil {
		m.retire(broken)
	}

	if coalesced {
		m.coalescedTotal.Add(1)
		m.metrics.CoalescedLoad(string(t))
		m.publish("load_coalesced", t, nil)
		m.log.Debug().Str("model", string(t)).Msg("joined in-flight load")
	}

	ch := m.group.DoChan(string(t), func() (any, error) {
		return m.load(context.WithoutCancel(ctx), cfg, opts)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return LoadResult{Err: r.Err, Coalesced: coalesced}
		}
		h := r.Val.(*Handle)
		return LoadResult{Success: true, Handle: h, LoadTimeMs: ms(h.LoadTime), MemoryUsedMB: h.MemoryMB, Coalesced: coalesced}
	case <-ctx.Done():
		return LoadResult{Err: ctx.Err(), Coalesced: coalesced}
	}
}

// load runs inside the singleflight group: admission, engine init, footprint
// reconciliation, registration.
func (m *Manager) load(ctx context.Context, cfg types.ModelConfig, opts types.InferenceOptions) (h *Handle, err error) {
	t := cfg.Type
	fresh := false
	defer func() {
		m.mu.Lock()
		closed := m.closed
		if err == nil && !closed {
			m.handles[t] = h
		}
		delete(m.inflight, t)
		m.mu.Unlock()
		if err == nil && closed {
			// Close ran while the engine was loading; the handle was never
			// visible to it
			if fresh {
				m.teardown(h)
				m.publish("load_discarded", t, nil)
			}
			h, err = nil, errs.DependencyUnavailable("model manager is closed")
		}
	}()

	// a previous flight may have registered the handle after our caller looked
	m.mu.Lock()
	broken := m.detachBroken(t)
	existing := m.handles[t]
	m.mu.Unlock()
	if broken != nil {
		m.retire(broken)
	}
	if existing != nil && existing.State() == StateReady {
		return existing, nil
	}

	start := time.Now()
	estimate := cfg.MemoryMB
	m.publish("load_start", t, map[string]any{"estimate_mb": estimate})
	log := m.log.With().Str("model", string(t)).Logger()
	log.Info().Int("estimate_mb", estimate).Msg("load start")

	if d := m.admission.CanAdmit(estimate); !d.Allowed {
		m.metrics.ModelLoad(string(t), "denied")
		m.publish("load_fail", t, map[string]any{"error": d.Reason})
		log.Warn().Str("reason", d.Reason).Msg("load denied")
		return nil, errs.AdmissionDenied(d.Reason, d.Suggestions...)
	}
	rid, err := m.admission.Reserve(m.owner(t), estimate, m.class)
	if err != nil {
		m.metrics.ModelLoad(string(t), "denied")
		m.publish("load_fail", t, map[string]any{"error": err.Error()})
		return nil, err
	}

	det, err := m.createDetector(ctx, cfg, opts)
	if err != nil {
		_ = m.admission.Release(rid)
		m.metrics.ModelLoad(string(t), "failed")
		m.publish("load_fail", t, map[string]any{"error": err.Error()})
		log.Error().Err(err).Msg("load failed")
		return nil, errs.ModelLoad(string(t), err)
	}

	footprint := estimate
	if fr, ok := det.(engine.FootprintReporter); ok && fr.FootprintMB() > 0 {
		footprint = fr.FootprintMB()
	}
	if footprint != estimate {
		if err := m.admission.Adjust(rid, footprint); err != nil {
			log.Warn().Err(err).Msg("reconcile reservation")
		}
	}

	h = newHandle(cfg, opts, det, rid)
	fresh = true
	h.MemoryMB = footprint
	h.LoadTime = time.Since(start)
	m.loadsTotal.Add(1)
	m.metrics.ModelLoad(string(t), "ready")
	m.publish("load_ready", t, map[string]any{"dur_ms": int(h.LoadTime / time.Millisecond), "memory_mb": footprint})
	log.Info().Dur("dur", h.LoadTime).Int("memory_mb", footprint).Msg("load ready")
	return h, nil
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
