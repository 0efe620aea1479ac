package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"faceattend/internal/camera"
	"faceattend/internal/faceclient"
	"faceattend/internal/gallery"
	"faceattend/internal/logging"
	"faceattend/internal/match"
	"faceattend/internal/notify"
)

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 10), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

type fakeCam struct {
	frames  chan camera.Frame
	openErr error
	closed  atomic.Bool
}

func newFakeCam(buf int) *fakeCam {
	return &fakeCam{frames: make(chan camera.Frame, buf)}
}

func (f *fakeCam) Open(_ context.Context) error { return f.openErr }

func (f *fakeCam) Read(ctx context.Context) (camera.Frame, error) {
	if f.closed.Load() {
		return camera.Frame{}, camera.ErrClosed
	}
	select {
	case fr, ok := <-f.frames:
		if !ok {
			return camera.Frame{}, camera.ErrClosed
		}
		return fr, nil
	case <-ctx.Done():
		return camera.Frame{}, ctx.Err()
	}
}

func (f *fakeCam) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeProvider struct {
	dets  []faceclient.Detection
	calls atomic.Int64
}

func (p *fakeProvider) DetectAndEncode(_ context.Context, _ []byte) ([]faceclient.Detection, error) {
	p.calls.Add(1)
	return p.dets, nil
}

type staticGallery struct {
	snap *gallery.Snapshot
}

func (g *staticGallery) Snapshot() *gallery.Snapshot { return g.snap }

// fakeRecorder dedups per student, like the real attendance service does per day.
type fakeRecorder struct {
	mu      sync.Mutex
	calls   int
	created map[string]bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{created: make(map[string]bool)}
}

func (r *fakeRecorder) MarkPresent(_ context.Context, studentID string, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.created[studentID] {
		return false, nil
	}
	r.created[studentID] = true
	return true, nil
}

func (r *fakeRecorder) stats() (calls, created int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, len(r.created)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func testDeps(cam camera.Source, prov faceclient.Provider, snap *gallery.Snapshot, rec Recorder) Deps {
	return Deps{
		Source:   cam,
		Provider: prov,
		Gallery:  &staticGallery{snap: snap},
		Engine:   match.Engine{Tolerance: 0.6},
		Recorder: rec,
		Queue:    notify.NewInMemory(4),
		Log:      logging.Nop(),
	}
}

func TestLoop_KnownFaceMarkedOncePerRun(t *testing.T) {
	jpg := testJPEG(t)
	cam := newFakeCam(16)
	prov := &fakeProvider{dets: []faceclient.Detection{{
		Box:       faceclient.Rect{Top: 2, Right: 20, Bottom: 18, Left: 4},
		Embedding: []float32{1, 0, 0, 0},
	}}}
	snap := &gallery.Snapshot{
		Vectors: [][]float32{{1, 0, 0, 0}},
		Names:   []string{"Alice"},
		IDs:     []string{"s1"},
	}
	rec := newFakeRecorder()

	ctrl := New(testDeps(cam, prov, snap, rec), Options{
		Stride:      1,
		Downscale:   1,
		ReadTimeout: 200 * time.Millisecond,
	})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 11; i++ {
		cam.frames <- camera.Frame{JPEG: jpg, Width: 32, Height: 24, Seq: uint64(i), At: time.Now()}
	}

	waitFor(t, func() bool { calls, _ := rec.stats(); return calls >= 11 }, "11 MarkPresent calls")
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, created := rec.stats(); created != 1 {
		t.Fatalf("expected exactly one attendance creation, got %d", created)
	}
	if got := ctrl.State(); got != StateStopped {
		t.Fatalf("expected Stopped after Stop, got %v", got)
	}
}

func TestLoop_UnknownFaceNeverMarked(t *testing.T) {
	jpg := testJPEG(t)
	cam := newFakeCam(8)
	// Nearest gallery entry is at distance sqrt(2): over tolerance.
	prov := &fakeProvider{dets: []faceclient.Detection{{
		Embedding: []float32{0, 0, 0, 1},
	}}}
	snap := &gallery.Snapshot{
		Vectors: [][]float32{{1, 0, 0, 0}},
		Names:   []string{"Alice"},
		IDs:     []string{"s1"},
	}
	rec := newFakeRecorder()

	ctrl := New(testDeps(cam, prov, snap, rec), Options{
		Stride:      1,
		Downscale:   1,
		ReadTimeout: 200 * time.Millisecond,
	})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 5; i++ {
		cam.frames <- camera.Frame{JPEG: jpg, Width: 32, Height: 24, Seq: uint64(i), At: time.Now()}
	}
	waitFor(t, func() bool { return prov.calls.Load() >= 5 }, "5 processed frames")
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if calls, _ := rec.stats(); calls != 0 {
		t.Fatalf("unknown faces must not reach the recorder, got %d calls", calls)
	}
}

func TestLoop_OpenFailureLeavesStopped(t *testing.T) {
	cam := newFakeCam(1)
	cam.openErr = errors.New("device busy")
	ctrl := New(testDeps(cam, &fakeProvider{}, &gallery.Snapshot{}, newFakeRecorder()), Options{})

	if err := ctrl.Start(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	if got := ctrl.State(); got != StateStopped {
		t.Fatalf("expected Stopped after failed start, got %v", got)
	}
	// The controller is reusable once the device comes back.
	cam.openErr = nil
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer ctrl.Stop()
}

func TestLoop_StartWhileRunningRejected(t *testing.T) {
	cam := newFakeCam(1)
	ctrl := New(testDeps(cam, &fakeProvider{}, &gallery.Snapshot{}, newFakeRecorder()), Options{
		ReadTimeout: 100 * time.Millisecond,
	})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestLoop_StopObservedWithinReadTimeout(t *testing.T) {
	cam := newFakeCam(1) // no frames: Read blocks on ctx
	ctrl := New(testDeps(cam, &fakeProvider{}, &gallery.Snapshot{}, newFakeRecorder()), Options{
		ReadTimeout: 5 * time.Second,
	})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- ctrl.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not complete promptly")
	}
	if !cam.closed.Load() {
		t.Fatalf("stop must release the camera")
	}
}

func TestLoop_TransientReadFailuresKeepRunning(t *testing.T) {
	cam := &errCam{err: errors.New("transient decode failure")}
	ctrl := New(testDeps(cam, &fakeProvider{}, &gallery.Snapshot{}, newFakeRecorder()), Options{
		ReadTimeout: 50 * time.Millisecond,
	})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, func() bool { return cam.reads.Load() >= 4 }, "4 failed reads")
	if got := ctrl.State(); got != StateRunning {
		t.Fatalf("loop must survive transient read failures, state %v", got)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestLoop_StreamEndStopsLoop(t *testing.T) {
	cam := newFakeCam(1)
	ctrl := New(testDeps(cam, &fakeProvider{}, &gallery.Snapshot{}, newFakeRecorder()), Options{
		ReadTimeout: 200 * time.Millisecond,
	})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	close(cam.frames)
	waitFor(t, func() bool { return ctrl.State() == StateStopped }, "loop stopped on stream end")
}

type errCam struct {
	err   error
	reads atomic.Int64
}

func (c *errCam) Open(_ context.Context) error { return nil }

func (c *errCam) Read(_ context.Context) (camera.Frame, error) {
	c.reads.Add(1)
	return camera.Frame{}, c.err
}

func (c *errCam) Close() error { return nil }
