// Package metrics holds the Prometheus collectors of the inference pipeline.
// A nil *Pipeline is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline groups the collectors updated by admission, manager, dispatch and batch.
type Pipeline struct {
	framesProcessed  *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	frameLatency     *prometheus.HistogramVec
	modelLoads       *prometheus.CounterVec
	coalescedLoads   *prometheus.CounterVec
	admissionDenials *prometheus.CounterVec
	reservedMB       prometheus.Gauge
	pressureLevel    prometheus.Gauge
	workerRespawns   *prometheus.CounterVec
	jobs             *prometheus.CounterVec
}

// New creates the collectors and registers them with reg (skipped when reg is nil).
func New(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		framesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "landmarkd", Subsystem: "dispatch", Name: "frames_processed_total",
			Help: "Frames that produced a landmark result",
		}, []string{"model"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "landmarkd", Subsystem: "dispatch", Name: "frames_dropped_total",
			Help: "Frames counted as dropped, by reason",
		}, []string{"model", "reason"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "landmarkd", Subsystem: "dispatch", Name: "frame_latency_seconds",
			Help:    "Per-frame detector latency",
			Buckets: []float64{.005, .01, .02, .033, .05, .1, .25, .5, 1, 2.5},
		}, []string{"model"}),
		modelLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "landmarkd", Subsystem: "manager", Name: "loads_total",
			Help: "Model loads by result (ready, failed, denied)",
		}, []string{"model", "result"}),
		coalescedLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "landmarkd", Subsystem: "manager", Name: "coalesced_loads_total",
			Help: "Load calls that joined an in-flight load",
		}, []string{"model"}),
		admissionDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "landmarkd", Subsystem: "admission", Name: "denied_total",
			Help: "Admission denials by class",
		}, []string{"class"}),
		reservedMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "landmarkd", Subsystem: "admission", Name: "reserved_mb",
			Help: "Memory currently reserved in MB",
		}),
		pressureLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "landmarkd", Subsystem: "admission", Name: "pressure_level",
			Help: "0=normal 1=warning 2=critical",
		}),
		workerRespawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "landmarkd", Subsystem: "dispatch", Name: "worker_respawns_total",
			Help: "Execution contexts respawned after a crash or timeout",
		}, []string{"model", "cause"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "landmarkd", Subsystem: "batch", Name: "jobs_total",
			Help: "Finished jobs by terminal state",
		}, []string{"model", "state"}),
	}
	if reg != nil {
		reg.MustRegister(p.framesProcessed, p.framesDropped, p.frameLatency, p.modelLoads,
			p.coalescedLoads, p.admissionDenials, p.reservedMB, p.pressureLevel,
			p.workerRespawns, p.jobs)
	}
	return p
}

func (p *Pipeline) FrameProcessed(model string, seconds float64) {
	if p == nil {
		return
	}
	p.framesProcessed.WithLabelValues(model).Inc()
	p.frameLatency.WithLabelValues(model).Observe(seconds)
}

func (p *Pipeline) FramesDropped(model, reason string, n int) {
	if p == nil || n <= 0 {
		return
	}
	p.framesDropped.WithLabelValues(model, reason).Add(float64(n))
}

func (p *Pipeline) ModelLoad(model, result string) {
	if p == nil {
		return
	}
	p.modelLoads.WithLabelValues(model, result).Inc()
}

func (p *Pipeline) CoalescedLoad(model string) {
	if p == nil {
		return
	}
	p.coalescedLoads.WithLabelValues(model).Inc()
}

func (p *Pipeline) AdmissionDenied(class string) {
	if p == nil {
		return
	}
	p.admissionDenials.WithLabelValues(class).Inc()
}

func (p *Pipeline) Memory(reservedMB int, pressure int) {
	if p == nil {
		return
	}
	p.reservedMB.Set(float64(reservedMB))
	p.pressureLevel.Set(float64(pressure))
}

func (p *Pipeline) WorkerRespawn(model, cause string) {
	if p == nil {
		return
	}
	p.workerRespawns.WithLabelValues(model, cause).Inc()
}

func (p *Pipeline) JobFinished(model, state string) {
	if p == nil {
		return
	}
	p.jobs.WithLabelValues(model, state).Inc()
}
