// Package frames extracts timestamped frames from a video file or an image
// sequence directory.
package frames

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"landmarkd/pkg/types"
)

// Defaults applied by Options.WithDefaults.
const (
	DefaultFPS            = 30
	DefaultMaxFrames      = 300
	DefaultMaxDurationSec = 10
)

// Options bound an extraction.
type Options struct {
	FPS            float64
	MaxDurationSec float64
	MaxFrames      int
	// Width and Height rescale frames when both are set.
	Width  int
	Height int
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.FPS <= 0 {
		o.FPS = DefaultFPS
	}
	if o.MaxFrames <= 0 {
		o.MaxFrames = DefaultMaxFrames
	}
	if o.MaxDurationSec <= 0 {
		o.MaxDurationSec = DefaultMaxDurationSec
	}
	return o
}

// limit is the number of frames allowed by both the frame and duration caps.
func (o Options) limit() int {
	byDuration := int(o.MaxDurationSec * o.FPS)
	if byDuration <= 0 {
		return o.MaxFrames
	}
	return min(o.MaxFrames, byDuration)
}

func (o Options) timestampMs(i int) int64 {
	return int64(float64(i) * 1000 / o.FPS)
}

// Source extracts an ordered, contiguous frame sequence starting at index 0.
type Source interface {
	ExtractFrames(ctx context.Context, video types.VideoRef, opts Options) ([]types.FrameInput, error)
}

// Auto picks Dir for directories and FFmpeg for everything else.
type Auto struct {
	FFmpeg *FFmpeg
	Dir    *Dir
}

func (a Auto) ExtractFrames(ctx context.Context, video types.VideoRef, opts Options) ([]types.FrameInput, error) {
	fi, err := os.Stat(video.Path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		d := a.Dir
		if d == nil {
			d = &Dir{}
		}
		return d.ExtractFrames(ctx, video, opts)
	}
	f := a.FFmpeg
	if f == nil {
		f = &FFmpeg{}
	}
	return f.ExtractFrames(ctx, video, opts)
}

// NewVideoRef stats path and derives a stable id from its path, size and
// modification time, so re-running the same file yields the same id.
func NewVideoRef(path string) (types.VideoRef, error) {
	info, err := os.Stat(path)
	if err != nil {
		return types.VideoRef{}, err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	ref := types.VideoRef{ID: hex.EncodeToString(hash[:]), Path: path}
	if !info.IsDir() {
		ref.SizeBytes = info.Size()
	}
	return ref, nil
}
