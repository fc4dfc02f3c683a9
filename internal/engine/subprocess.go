package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

// Response status bytes sent by the engine process.
const (
	statusOK         byte = 0
	statusFrameError byte = 1
)

// maxResponseBytes bounds a single response body so a corrupt length header
// cannot trigger an unbounded allocation.
const maxResponseBytes = 64 << 20

// Subprocess starts one external process per detector. The process receives
// requests on stdin and writes responses on fd 3, keeping its stdout and
// stderr free for logs.
//
// Wire format, big endian:
//
//	init:     [u32 len][json initRequest]       -> [u32 len][status][json initResponse | message]
//	frame:    [u32 len][i64 timestampMs][image] -> [u32 len][status][json LandmarkPayload | message]
type Subprocess struct {
	Command string
	Args    []string
	Logger  *zerolog.Logger
}

type initRequest struct {
	Model   types.ModelConfig      `json:"model"`
	Options types.InferenceOptions `json:"options"`
}

type initResponse struct {
	FootprintMB int `json:"footprint_mb"`
}

func (s *Subprocess) logger() *zerolog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	l := zerolog.Nop()
	return &l
}

func (s *Subprocess) CreateDetector(ctx context.Context, cfg types.ModelConfig, opts types.InferenceOptions) (Detector, error) {
	if s.Command == "" {
		return nil, errs.DependencyUnavailable("inference engine command is empty")
	}
	if _, err := exec.LookPath(s.Command); err != nil {
		return nil, errs.DependencyUnavailable(fmt.Sprintf("inference engine %q not found: %v", s.Command, err))
	}
	cmd := exec.Command(s.Command, append(append([]string(nil), s.Args...), "--model", string(cfg.Type))...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create data pipe: %w", err)
	}
	// child sees the write end as fd 3
	cmd.ExtraFiles = []*os.File{w}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("start %s: %w", s.Command, err)
	}
	w.Close()

	d := &procDetector{
		model:  cfg.Type,
		stdin:  stdin,
		data:   r,
		cmd:    cmd,
		stderr: stderr,
		log:    s.logger().With().Str("model", string(cfg.Type)).Int("pid", cmd.Process.Pid).Logger(),
	}
	if err := d.handshake(ctx, initRequest{Model: cfg, Options: opts}); err != nil {
		_ = d.Close()
		return nil, err
	}
	d.log.Debug().Int("footprint_mb", d.footprintMB).Msg("engine process ready")
	return d, nil
}

// procDetector talks to one engine process. Calls are serialized.
type procDetector struct {
	mu          sync.Mutex
	model       types.ModelType
	stdin       io.WriteCloser
	data        io.ReadCloser
	cmd         *exec.Cmd
	stderr      *bytes.Buffer
	footprintMB int
	closed      bool
	dead        atomic.Bool
	log         zerolog.Logger
}

func (d *procDetector) FootprintMB() int { return d.footprintMB }

// Healthy reports false once the process was killed or a round trip failed.
func (d *procDetector) Healthy() bool { return !d.dead.Load() }

func (d *procDetector) handshake(ctx context.Context, req initRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode init: %w", err)
	}
	status, resp, err := d.roundTrip(ctx, body)
	if err != nil {
		return err
	}
	if status != statusOK {
		return fmt.Errorf("engine rejected %s: %s", d.model, strings.TrimSpace(string(resp)))
	}
	var ir initResponse
	if len(resp) > 0 {
		if err := json.Unmarshal(resp, &ir); err != nil {
			return errs.WorkerCommunication("decode init response", err)
		}
	}
	d.footprintMB = ir.FootprintMB
	return nil
}

func (d *procDetector) Detect(ctx context.Context, frame []byte, timestampMs int64) (types.LandmarkPayload, error) {
	if d.dead.Load() {
		return types.LandmarkPayload{}, errs.WorkerCommunication("engine process is gone", nil)
	}
	body := make([]byte, 8+len(frame))
	binary.BigEndian.PutUint64(body, uint64(timestampMs))
	copy(body[8:], frame)

	status, resp, err := d.roundTrip(ctx, body)
	if err != nil {
		return types.LandmarkPayload{}, err
	}
	switch status {
	case statusOK:
	case statusFrameError:
		return types.LandmarkPayload{}, errors.New(strings.TrimSpace(string(resp)))
	default:
		return types.LandmarkPayload{}, d.commErr(fmt.Sprintf("unknown status byte %d", status), nil)
	}
	var p types.LandmarkPayload
	if err := json.Unmarshal(resp, &p); err != nil {
		return types.LandmarkPayload{}, d.commErr("decode landmarks", err)
	}
	if p.Type == "" {
		p.Type = d.model
	}
	if err := p.Validate(); err != nil {
		return types.LandmarkPayload{}, err
	}
	return p, nil
}

// roundTrip writes one request and reads one response. A cancelled ctx kills the
// process so a blocked read returns; the detector is unusable afterwards.
func (d *procDetector) roundTrip(ctx context.Context, body []byte) (byte, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, nil, errs.WorkerCommunication("detector closed", nil)
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			d.kill()
		case <-done:
		}
	}()

	if err := writeFrame(d.stdin, body); err != nil {
		return 0, nil, d.commErr("write request", err)
	}
	resp, err := readFrame(d.data)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, d.commErr("read response", err)
	}
	if len(resp) == 0 {
		return 0, nil, d.commErr("read response", errors.New("empty response"))
	}
	return resp[0], resp[1:], nil
}

func (d *procDetector) commErr(op string, err error) error {
	d.dead.Store(true)
	if d.stderr != nil && d.stderr.Len() > 0 {
		d.log.Warn().Str("stderr", lastLine(d.stderr.String())).Msg("engine process output")
	}
	return errs.WorkerCommunication(op, err)
}

func (d *procDetector) kill() {
	d.dead.Store(true)
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
}

func (d *procDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	// closing stdin is the shutdown signal
	err := d.stdin.Close()
	if cerr := d.data.Close(); err == nil {
		err = cerr
	}
	if d.cmd != nil {
		if werr := d.cmd.Wait(); werr != nil && err == nil {
			var exit *exec.ExitError
			if !errors.As(werr, &exit) {
				err = werr
			}
		}
	}
	return err
}

func writeFrame(w io.Writer, body []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(body))); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxResponseBytes {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
