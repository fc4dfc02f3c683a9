package manager

import (
	"landmarkd/pkg/types"
)

// Status builds the resident model view for /status, in catalog order.
func (m *Manager) Status() []types.ResidentModelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ResidentModelStatus, 0, len(m.handles))
	for _, t := range types.AllModelTypes() {
		h := m.handles[t]
		if h == nil {
			continue
		}
		out = append(out, types.ResidentModelStatus{
			ModelType:  t,
			State:      string(h.State()),
			LoadedAt:   h.LoadedAt.Unix(),
			LastUsed:   h.LastUsed().Unix(),
			MemoryMB:   h.MemoryMB,
			LoadTimeMs: ms(h.LoadTime),
			References: h.Refs(),
		})
	}
	return out
}

// LoadsInFlight returns the number of model types currently loading.
func (m *Manager) LoadsInFlight() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.inflight)
}

// LoadCounters returns completed loads and loads served by joining one in flight.
func (m *Manager) LoadCounters() (loads, coalesced uint64) {
	return m.loadsTotal.Load(), m.coalescedTotal.Load()
}
