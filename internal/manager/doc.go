// Package manager owns the resident landmark detectors. It is structured into
// small files by concern:
//
//   - manager.go: core Manager type, constructor, simple getters.
//   - config.go: Config and package defaults.
//   - types.go: Handle, LoadResult and lifecycle states.
//   - ensure.go: Load with admission, coalescing and footprint reconciliation.
//   - holistic.go: the composite pose+hand+face detector.
//   - unload.go: Unload with reference drain.
//   - ops.go: SwitchModel and Close.
//   - replicas.go: worker-scoped detector copies for the dispatcher.
//   - status_report.go: Status reporting helpers.
//
// At most one load per model type is in flight at any time; concurrent Load
// calls for the same type share its outcome.
package manager
