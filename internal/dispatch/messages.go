package dispatch

import (
	"time"

	"landmarkd/pkg/types"
)

// commandKind is the closed set of messages the loop sends to a worker.
type commandKind int

const (
	cmdInfer commandKind = iota + 1
	cmdStop
)

type command struct {
	kind  commandKind
	pos   int
	frame types.FrameInput
}

// responseKind is the closed set of messages a worker sends back.
type responseKind int

const (
	respResult responseKind = iota + 1
	respFrameError
	respCrashed
)

func (k responseKind) String() string {
	switch k {
	case respResult:
		return "result"
	case respFrameError:
		return "frame_error"
	case respCrashed:
		return "crashed"
	}
	return "unknown"
}

type response struct {
	kind    responseKind
	worker  int
	gen     uint64
	pos     int
	result  types.FrameResult
	err     error
	elapsed time.Duration
}

// Drop reasons reported in Result.DropReasons.
const (
	DropFrameError       = "frame_error"
	DropRetriesExhausted = "retries_exhausted"
	DropAborted          = "aborted"
	DropSkippedOverload  = "skipped_overload"
	DropNoWorkers        = "no_workers"
)
