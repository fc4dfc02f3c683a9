// Package store persists batch results and comparison records.
package store

import (
	"context"
	"time"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

// Kind tags a Record.
type Kind string

const (
	KindBatch      Kind = "batch"
	KindComparison Kind = "comparison"
)

// Record is a stored batch result or comparison. Exactly one of Batch and
// Comparison is set, matching Kind.
type Record struct {
	ID         string                  `json:"id"`
	Kind       Kind                    `json:"kind"`
	VideoID    string                  `json:"video_id"`
	Batch      *types.BatchResult      `json:"batch,omitempty"`
	Comparison *types.ComparisonRecord `json:"comparison,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
}

// BatchRecord wraps a batch result.
func BatchRecord(r types.BatchResult) Record {
	return Record{Kind: KindBatch, VideoID: r.Metadata.VideoID, Batch: &r}
}

// ComparisonRecord wraps a comparison.
func ComparisonRecord(c types.ComparisonRecord) Record {
	return Record{Kind: KindComparison, VideoID: c.VideoID, Comparison: &c}
}

func (r Record) validate() error {
	switch r.Kind {
	case KindBatch:
		if r.Batch == nil || r.Comparison != nil {
			return errs.InvalidRequest("batch record must carry only a batch result")
		}
	case KindComparison:
		if r.Comparison == nil || r.Batch != nil {
			return errs.InvalidRequest("comparison record must carry only a comparison")
		}
	default:
		return errs.InvalidRequest("unknown record kind " + string(r.Kind))
	}
	return nil
}

// Store is the storage collaborator used by the orchestrator and the API.
// Persist assigns an id when the record has none and returns it.
type Store interface {
	Persist(ctx context.Context, r Record) (string, error)
	Get(ctx context.Context, id string) (Record, error)
	// ListByVideo returns records for videoID ordered by creation time.
	ListByVideo(ctx context.Context, videoID string) ([]Record, error)
	Close() error
}

func notFound(id string) error { return errs.NotFound("record " + id) }
