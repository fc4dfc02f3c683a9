package frames

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

var (
	jpegSOI = []byte{0xFF, 0xD8} // Start of Image
	jpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// maxFrameBytes bounds a single MJPEG frame held by the scanner.
const maxFrameBytes = 32 << 20

// FFmpeg decodes video through an ffmpeg child process writing MJPEG frames to
// stdout.
type FFmpeg struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
	Logger *zerolog.Logger
}

func (f *FFmpeg) binary() string {
	if f.Binary != "" {
		return f.Binary
	}
	return "ffmpeg"
}

// Args returns the ffmpeg arguments for path under opts.
func (f *FFmpeg) Args(path string, opts Options) []string {
	opts = opts.WithDefaults()
	filter := "fps=" + strconv.FormatFloat(opts.FPS, 'f', -1, 64)
	if opts.Width > 0 && opts.Height > 0 {
		filter += fmt.Sprintf(",scale=%d:%d", opts.Width, opts.Height)
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-t", strconv.FormatFloat(opts.MaxDurationSec, 'f', -1, 64),
		"-vf", filter,
		"-frames:v", strconv.Itoa(opts.limit()),
		"-f", "image2pipe", "-vcodec", "mjpeg", "-",
	}
}

func (f *FFmpeg) ExtractFrames(ctx context.Context, video types.VideoRef, opts Options) ([]types.FrameInput, error) {
	opts = opts.WithDefaults()
	bin, err := exec.LookPath(f.binary())
	if err != nil {
		return nil, errs.DependencyUnavailable(fmt.Sprintf("%s not found: %v", f.binary(), err))
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(ctx, bin, f.Args(video.Path, opts)...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Extraction(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Extraction(err)
	}

	limit := opts.limit()
	out := make([]types.FrameInput, 0, limit)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 1<<20), maxFrameBytes)
	sc.Split(SplitJPEG)
	for sc.Scan() {
		img := append([]byte(nil), sc.Bytes()...)
		out = append(out, types.FrameInput{Index: len(out), TimestampMs: opts.timestampMs(len(out)), Image: img})
		if len(out) >= limit {
			cancel()
			break
		}
	}
	scanErr := sc.Err()
	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil && len(out) < limit {
		return nil, errs.Extraction(ctxErr)
	}
	if scanErr != nil {
		return nil, errs.Extraction(scanErr)
	}
	if waitErr != nil && len(out) < limit {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return nil, errs.Extraction(fmt.Errorf("ffmpeg: %s", msg))
	}
	if len(out) == 0 {
		return nil, errs.Extraction(fmt.Errorf("no frames decoded from %s", video.Path))
	}
	if f.Logger != nil {
		f.Logger.Debug().Str("video", video.Path).Int("frames", len(out)).Msg("frames extracted")
	}
	return out, nil
}

// SplitJPEG is a bufio.SplitFunc yielding complete JPEG images delimited by the
// SOI and EOI markers.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end == -1 {
		if atEOF {
			// trailing partial image
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}
