// Package batch runs one video through one or more landmark models.
//
// Files:
//   - orchestrator.go: Orchestrator, RunBatch, RunSingle, pre-run admission checks.
//   - run.go: per-model job pipeline (extract, load, process, export).
//   - jobs.go: job registry, state transitions, Abort, Job, Jobs.
//   - progress.go: phase ranges and the monotonic progress reporter.
//   - smoothing.go: exponential smoothing of landmark coordinates.
//   - summary.go: PerformanceSummary of a finished batch.
package batch
