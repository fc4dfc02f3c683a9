package admission

import (
	"errors"

	"github.com/prometheus/procfs"
)

// fallbackAvailableMB is assumed when host statistics cannot be read.
const fallbackAvailableMB = 2048

// HostStats is a sample of host memory in MB.
type HostStats struct {
	TotalMB     int
	AvailableMB int
}

// StatsProvider samples host memory.
type StatsProvider interface {
	HostMemory() (HostStats, error)
}

// ProcStats reads /proc/meminfo.
type ProcStats struct {
	fs procfs.FS
}

// NewProcStats opens the default procfs mount.
func NewProcStats() (*ProcStats, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &ProcStats{fs: fs}, nil
}

func (p *ProcStats) HostMemory() (HostStats, error) {
	mi, err := p.fs.Meminfo()
	if err != nil {
		return HostStats{}, err
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil {
		return HostStats{}, errors.New("meminfo lacks MemTotal/MemAvailable")
	}
	return HostStats{
		TotalMB:     int(*mi.MemTotal / 1024),
		AvailableMB: int(*mi.MemAvailable / 1024),
	}, nil
}

// StaticStats reports fixed values; used in tests and when procfs is absent.
type StaticStats HostStats

func (s StaticStats) HostMemory() (HostStats, error) { return HostStats(s), nil }

// DefaultStats returns procfs-backed stats, or nil when procfs is unavailable
// so the controller falls back to its constant estimate.
func DefaultStats() StatsProvider {
	ps, err := NewProcStats()
	if err != nil {
		return nil
	}
	return ps
}
