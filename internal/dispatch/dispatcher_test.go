package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landmarkd/internal/engine"
	"landmarkd/internal/errs"
	"landmarkd/internal/perf"
	"landmarkd/pkg/types"
)

// detectFn receives the frame index (carried in the timestamp) and the attempt
// number for that frame, starting at 1.
type detectFn func(ctx context.Context, index, attempt int) (types.LandmarkPayload, error)

type fakeProvisioner struct {
	detect   detectFn
	failFrom int // provisioning fails for worker ids >= failFrom when > 0

	mu       sync.Mutex
	calls    int
	attempts map[int]int
	closed   atomic.Int32
}

func newProvisioner(fn detectFn) *fakeProvisioner {
	return &fakeProvisioner{detect: fn, attempts: make(map[int]int)}
}

func (p *fakeProvisioner) Provision(ctx context.Context, worker int) (engine.Detector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failFrom > 0 && worker >= p.failFrom {
		return nil, errors.New("no memory for another copy")
	}
	return &fakeDetector{p: p}, nil
}

func (p *fakeProvisioner) provisions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeDetector struct{ p *fakeProvisioner }

func (d *fakeDetector) Detect(ctx context.Context, _ []byte, ts int64) (types.LandmarkPayload, error) {
	idx := int(ts)
	d.p.mu.Lock()
	d.p.attempts[idx]++
	attempt := d.p.attempts[idx]
	d.p.mu.Unlock()
	if d.p.detect != nil {
		return d.p.detect(ctx, idx, attempt)
	}
	return handPayload(), nil
}

func (d *fakeDetector) Close() error {
	d.p.closed.Add(1)
	return nil
}

func handPayload() types.LandmarkPayload {
	return types.HandPayload(types.HandLandmarks{Hands: []types.Hand{{Score: 0.75, Landmarks: []types.Landmark{{X: 1}}}}})
}

func frames(n int) []types.FrameInput {
	out := make([]types.FrameInput, n)
	for i := range out {
		out[i] = types.FrameInput{Index: i, TimestampMs: int64(i), Image: []byte{byte(i)}}
	}
	return out
}

func indices(rs []types.FrameResult) []int {
	out := make([]int, len(rs))
	for i, r := range rs {
		out[i] = r.FrameIndex
	}
	return out
}

func TestFrameFailuresAreDroppedAndJobContinues(t *testing.T) {
	p := newProvisioner(func(_ context.Context, idx, _ int) (types.LandmarkPayload, error) {
		if idx == 10 || idx == 11 {
			return types.LandmarkPayload{}, errors.New("no hand in frame")
		}
		return handPayload(), nil
	})
	d := New(Config{Workers: 4})
	res, err := d.Submit(context.Background(), Job{ID: "a", ModelType: types.ModelHand, Frames: frames(100), Provisioner: p}, Hooks{})
	require.NoError(t, err)

	assert.Len(t, res.Frames, 98)
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, 2, res.DropReasons[DropFrameError])
	want := make([]int, 0, 98)
	for i := 0; i < 100; i++ {
		if i != 10 && i != 11 {
			want = append(want, i)
		}
	}
	assert.Equal(t, want, indices(res.Frames))
	assert.InDelta(t, 0.75, res.Frames[0].Confidence, 1e-9)
	assert.Equal(t, int32(res.Workers), p.closed.Load(), "every worker closes its detector")
}

func TestResultsAreReleasedInFrameOrder(t *testing.T) {
	// early frames are the slowest, so completions arrive out of order
	p := newProvisioner(func(_ context.Context, idx, _ int) (types.LandmarkPayload, error) {
		time.Sleep(time.Duration(8-idx%8) * time.Millisecond)
		return handPayload(), nil
	})
	var seen []int
	var progress []int
	d := New(Config{Workers: 4})
	res, err := d.Submit(context.Background(), Job{ID: "b", ModelType: types.ModelHand, Frames: frames(40), Provisioner: p}, Hooks{
		OnResult:   func(r types.FrameResult) { seen = append(seen, r.FrameIndex) },
		OnProgress: func(done, total int) { progress = append(progress, done) },
	})
	require.NoError(t, err)
	require.Len(t, seen, 40)
	for i := range seen {
		assert.Equal(t, i, seen[i])
	}
	assert.Equal(t, seen, indices(res.Frames))
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1])
	}
	assert.Equal(t, 40, progress[len(progress)-1])
}

func TestCrashedWorkerIsRespawnedAndFrameRetried(t *testing.T) {
	p := newProvisioner(func(_ context.Context, idx, attempt int) (types.LandmarkPayload, error) {
		if idx == 7 && attempt == 1 {
			panic("detector state corrupted")
		}
		return handPayload(), nil
	})
	tr := perf.New(0)
	d := New(Config{Workers: 2, Tracker: tr})
	res, err := d.Submit(context.Background(), Job{ID: "c", ModelType: types.ModelHand, Frames: frames(20), Provisioner: p}, Hooks{})
	require.NoError(t, err)
	assert.Len(t, res.Frames, 20)
	assert.Zero(t, res.Dropped)
	assert.Equal(t, 1, res.Respawns)
	assert.Equal(t, res.Workers+1, p.provisions())
	assert.Equal(t, 20, tr.Metrics(types.ModelHand).Samples)
}

func TestExhaustedRetriesDegradeThePool(t *testing.T) {
	p := newProvisioner(func(_ context.Context, idx, _ int) (types.LandmarkPayload, error) {
		if idx == 3 {
			return types.LandmarkPayload{}, errs.WorkerCommunication("pipe closed", nil)
		}
		return handPayload(), nil
	})
	d := New(Config{Workers: 1, MaxRetries: 1, DegradedFraction: 0.2})
	res, err := d.Submit(context.Background(), Job{ID: "d", ModelType: types.ModelHand, Frames: frames(4), Provisioner: p}, Hooks{})
	require.Error(t, err)
	assert.True(t, errs.IsWorkerPoolDegraded(err))
	assert.Equal(t, []int{0, 1, 2}, indices(res.Frames))
	assert.Equal(t, 1, res.DropReasons[DropRetriesExhausted])
	assert.Equal(t, 4, len(res.Frames)+res.Dropped)
}

func TestFewExhaustedFramesDoNotDegrade(t *testing.T) {
	p := newProvisioner(func(_ context.Context, idx, _ int) (types.LandmarkPayload, error) {
		if idx == 3 {
			return types.LandmarkPayload{}, errs.WorkerCommunication("pipe closed", nil)
		}
		return handPayload(), nil
	})
	d := New(Config{Workers: 1, MaxRetries: 1})
	res, err := d.Submit(context.Background(), Job{ID: "e", ModelType: types.ModelHand, Frames: frames(20), Provisioner: p}, Hooks{})
	require.NoError(t, err)
	assert.Len(t, res.Frames, 19)
	assert.Equal(t, 1, res.Dropped)
}

func TestHungFrameTimesOutAndIsRetried(t *testing.T) {
	p := newProvisioner(func(ctx context.Context, idx, attempt int) (types.LandmarkPayload, error) {
		if idx == 2 && attempt == 1 {
			<-ctx.Done()
			return types.LandmarkPayload{}, ctx.Err()
		}
		return handPayload(), nil
	})
	d := New(Config{Workers: 1, FrameTimeout: 50 * time.Millisecond})
	res, err := d.Submit(context.Background(), Job{ID: "f", ModelType: types.ModelHand, Frames: frames(5), Provisioner: p}, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, indices(res.Frames))
	assert.Equal(t, 1, res.Respawns)
}

func TestAbortKeepsCompletedFramesAndDropsTheRest(t *testing.T) {
	d := New(Config{Workers: 1})
	kept := 0
	res, err := d.Submit(context.Background(), Job{ID: "g", ModelType: types.ModelPose, Frames: frames(50), Provisioner: newProvisioner(nil)}, Hooks{
		OnResult: func(types.FrameResult) {
			kept++
			if kept == 20 {
				assert.True(t, d.Abort("g"))
			}
		},
	})
	require.Error(t, err)
	assert.True(t, errs.IsAborted(err))
	assert.True(t, res.Aborted)
	assert.Len(t, res.Frames, 20)
	assert.Equal(t, 30, res.Dropped)
	assert.Equal(t, 30, res.DropReasons[DropAborted])
	assert.False(t, d.Abort("g"), "finished job is no longer abortable")
}

func TestSkipFramesOnOverload(t *testing.T) {
	p := newProvisioner(func(_ context.Context, idx, _ int) (types.LandmarkPayload, error) {
		if idx == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		return handPayload(), nil
	})
	d := New(Config{Workers: 1})
	opts := types.InferenceOptions{MaxProcessingTimeMsPerFrame: 5, SkipFramesOnOverload: true}
	res, err := d.Submit(context.Background(), Job{ID: "h", ModelType: types.ModelHand, Frames: frames(4), Options: opts, Provisioner: p}, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 3}, indices(res.Frames))
	assert.Equal(t, 1, res.DropReasons[DropSkippedOverload])
}

func TestPoolShrinksWhenCopiesAreRefused(t *testing.T) {
	p := newProvisioner(nil)
	p.failFrom = 1
	d := New(Config{Workers: 4})
	res, err := d.Submit(context.Background(), Job{ID: "i", ModelType: types.ModelFace, Frames: frames(10), Provisioner: p}, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Workers)
	assert.Len(t, res.Frames, 10)
}

func TestFirstWorkerFailureFailsJob(t *testing.T) {
	d := New(Config{Workers: 1})
	_, err := d.Submit(context.Background(), Job{ID: "j", ModelType: types.ModelFace, Frames: frames(3), Provisioner: failingProvisioner{}}, Hooks{})
	require.Error(t, err)
}

type failingProvisioner struct{}

func (failingProvisioner) Provision(context.Context, int) (engine.Detector, error) {
	return nil, errs.AdmissionDenied("memory pressure is critical")
}

func TestSubmitValidatesFrames(t *testing.T) {
	d := New(Config{})
	fs := frames(3)
	fs[2].Index = 5
	_, err := d.Submit(context.Background(), Job{ID: "k", Frames: fs, Provisioner: newProvisioner(nil)}, Hooks{})
	assert.True(t, errs.IsInvalidRequest(err))

	res, err := d.Submit(context.Background(), Job{ID: "l", Provisioner: newProvisioner(nil)}, Hooks{})
	require.NoError(t, err)
	assert.Empty(t, res.Frames)
}

func TestFrameTimeoutDerivation(t *testing.T) {
	job := Job{ModelType: types.ModelPose}
	assert.Equal(t, 7*time.Second, New(Config{FrameTimeout: 7 * time.Second}).FrameTimeout(job))
	assert.Equal(t, 30*time.Second, New(Config{}).FrameTimeout(job))

	tr := perf.New(0)
	tr.Record(types.ModelPose, 800*time.Millisecond, 1)
	assert.Equal(t, 1600*time.Millisecond, New(Config{Tracker: tr}).FrameTimeout(job))

	job.Options.MaxProcessingTimeMsPerFrame = 50
	assert.Equal(t, time.Second, New(Config{Tracker: tr}).FrameTimeout(job))
	job.Options.MaxProcessingTimeMsPerFrame = 2000
	assert.Equal(t, 4*time.Second, New(Config{}).FrameTimeout(job))
}
