package manager

import (
	"context"
	"time"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

// Acquire loads t if needed and takes a job reference on the handle, so that
// Unload cannot remove it until Release is called.
func (m *Manager) Acquire(ctx context.Context, t types.ModelType, opts types.InferenceOptions) LoadResult {
	for {
		res := m.Load(ctx, t, opts)
		if !res.Success {
			return res
		}
		m.mu.Lock()
		h := res.Handle
		if m.handles[t] == h && h.State() == StateReady {
			h.refs.Add(1)
			h.touch()
			m.mu.Unlock()
			return res
		}
		m.mu.Unlock()
		// unloaded between Load and here; retry unless the caller is gone
		if err := ctx.Err(); err != nil {
			return failed(err)
		}
	}
}

// Unload initiates a graceful drain of the handle for t and removes it.
//   - Marks the handle draining so Load and Acquire stop handing it out.
//   - Waits up to the drain timeout for job references to drop.
//   - If references remain, restores the handle and returns ModelInUse.
//
// Unloading a type that is not resident is a no-op. Close errors from the
// detector are logged, never returned.
func (m *Manager) Unload(t types.ModelType) error {
	m.mu.Lock()
	h := m.handles[t]
	if h == nil {
		m.mu.Unlock()
		return nil
	}
	h.state.Store(StateDraining)
	m.mu.Unlock()
	m.publish("unload_start", t, nil)

	deadline := time.Now().Add(m.drainTimeout)
	for {
		m.mu.Lock()
		if m.handles[t] != h {
			// removed by a concurrent Unload
			m.mu.Unlock()
			return nil
		}
		refs := h.Refs()
		if refs == 0 {
			delete(m.handles, t)
			m.mu.Unlock()
			break
		}
		if time.Now().After(deadline) {
			h.state.Store(StateReady)
			m.mu.Unlock()
			m.publish("unload_busy", t, map[string]any{"refs": refs})
			m.log.Warn().Str("model", string(t)).Int("refs", refs).Msg("unload refused, model in use")
			return errs.ModelInUse(string(t), refs)
		}
		m.mu.Unlock()
		time.Sleep(drainPollInterval)
	}

	m.teardown(h)
	m.publish("unload_done", t, map[string]any{"memory_mb": h.MemoryMB})
	m.log.Info().Str("model", string(t)).Int("memory_mb", h.MemoryMB).Msg("unloaded")
	return nil
}

// detachBroken removes a broken handle for t from the resident set and returns
// it. Callers hold m.mu and retire the result after unlocking.
func (m *Manager) detachBroken(t types.ModelType) *Handle {
	h := m.handles[t]
	if h == nil || !h.Broken() {
		return nil
	}
	delete(m.handles, t)
	return h
}

// retire tears down a detached broken handle once its job references are gone.
// Holders still see worker communication errors from the dead detector until
// they release it.
func (m *Manager) retire(h *Handle) {
	m.publish("model_broken", h.Type, map[string]any{"refs": h.Refs()})
	m.log.Warn().Str("model", string(h.Type)).Int("refs", h.Refs()).Msg("retiring broken model")
	if h.Refs() == 0 {
		m.teardown(h)
		return
	}
	go func() {
		for h.Refs() > 0 {
			time.Sleep(drainPollInterval)
		}
		m.teardown(h)
	}()
}

// teardown closes the detector and returns its memory to the budget.
func (m *Manager) teardown(h *Handle) {
	if err := h.close(); err != nil {
		m.log.Warn().Err(err).Str("model", string(h.Type)).Msg("detector close")
	}
	if err := m.admission.Release(h.reservation); err != nil {
		m.log.Error().Err(err).Str("model", string(h.Type)).Msg("release reservation")
	}
}
