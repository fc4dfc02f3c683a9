package manager

import (
	"context"
	"slices"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

// SwitchModel loads to, then unloads from. The destination goes through normal
// admission while the source is still resident, so a switch never pushes the
// budget over its threshold; when both do not fit, the switch fails with
// AdmissionDenied and the source stays loaded. A source that is still referenced
// stays resident and the switch still succeeds.
func (m *Manager) SwitchModel(ctx context.Context, from, to types.ModelType, opts types.InferenceOptions) LoadResult {
	if from == to {
		return m.Load(ctx, to, opts)
	}
	res := m.Load(ctx, to, opts)
	if !res.Success {
		if errs.IsAdmissionDenied(res.Err) && m.IsLoaded(from) {
			hint := "unload " + string(from) + " before switching"
			sugg := errs.Suggestions(res.Err)
			if !slices.Contains(sugg, hint) {
				sugg = append(sugg, hint)
			}
			res.Err = errs.AdmissionDenied(errs.Message(res.Err), sugg...)
		}
		m.log.Warn().Err(res.Err).Str("from", string(from)).Str("to", string(to)).Msg("switch failed")
		return res
	}
	unloaded := true
	if err := m.Unload(from); err != nil {
		unloaded = false
		m.log.Warn().Err(err).Str("model", string(from)).Msg("switch kept source resident")
	}
	m.publish("switch_done", to, map[string]any{"from": string(from), "source_unloaded": unloaded})
	return res
}

// Close tears down every resident handle without waiting for references and
// rejects further loads. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	hs := make([]*Handle, 0, len(m.handles))
	for t, h := range m.handles {
		h.state.Store(StateDraining)
		hs = append(hs, h)
		delete(m.handles, t)
	}
	m.mu.Unlock()
	for _, h := range hs {
		m.teardown(h)
	}
	return nil
}
