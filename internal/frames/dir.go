package frames

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Dir reads an already-extracted image sequence in lexical file name order.
// Timestamps are derived from Options.FPS.
type Dir struct{}

func (Dir) ExtractFrames(ctx context.Context, video types.VideoRef, opts Options) ([]types.FrameInput, error) {
	opts = opts.WithDefaults()
	entries, err := os.ReadDir(video.Path)
	if err != nil {
		return nil, errs.Extraction(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, errs.Extraction(fmt.Errorf("no images in %s", video.Path))
	}
	if limit := opts.limit(); len(names) > limit {
		names = names[:limit]
	}
	out := make([]types.FrameInput, 0, len(names))
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, errs.Extraction(err)
		}
		img, err := os.ReadFile(filepath.Join(video.Path, name))
		if err != nil {
			return nil, errs.Extraction(err)
		}
		out = append(out, types.FrameInput{Index: i, TimestampMs: opts.timestampMs(i), Image: img})
	}
	return out, nil
}
