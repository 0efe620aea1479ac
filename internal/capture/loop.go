package capture

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"faceattend/internal/camera"
	"faceattend/internal/faceclient"
	"faceattend/internal/gallery"
	"faceattend/internal/logging"
	"faceattend/internal/match"
	"faceattend/internal/metrics"
	"faceattend/internal/notify"
	"faceattend/internal/render"
)

// Recorder is the attendance write path the loop calls for each known match.
type Recorder interface {
	MarkPresent(ctx context.Context, studentID string, at time.Time) (bool, error)
}

// SnapshotProvider supplies the current gallery snapshot for matching.
type SnapshotProvider interface {
	Snapshot() *gallery.Snapshot
}

// Auditor records pipeline decisions. Optional.
type Auditor interface {
	InsertLog(ctx context.Context, studentID, action string, distance float64, cameraID int) error
}

// Options tune the loop.
type Options struct {
	Stride      int
	Downscale   float64
	ReadTimeout time.Duration
	Yield       time.Duration
	CameraID    int
	MaxFaces    int
}

// Deps are the loop's collaborators.
type Deps struct {
	Source   camera.Source
	Provider faceclient.Provider
	Gallery  SnapshotProvider
	Engine   match.Engine
	Recorder Recorder
	Queue    notify.Queue
	Audit    Auditor
	Log      *logging.Logger
}

// Controller runs the recognition pipeline on a background goroutine:
// camera read, sampling, detection, matching, attendance, UI notification.
// Lifecycle: Stopped -> Starting -> Running -> Stopping -> Stopped.
type Controller struct {
	deps Deps
	opts Options

	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// ErrAlreadyRunning is returned by Start when the loop is not stopped.
var ErrAlreadyRunning = errors.New("capture: already running")

// New creates a controller in the Stopped state.
func New(deps Deps, opts Options) *Controller {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 2 * time.Second
	}
	if opts.Downscale <= 0 || opts.Downscale > 1 {
		opts.Downscale = 0.25
	}
	if opts.Stride <= 0 {
		opts.Stride = 3
	}
	return &Controller{deps: deps, opts: opts}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Start acquires the camera and launches the loop. Failure to acquire the
// device returns the error and leaves the controller Stopped; it is reported
// to the user and never retried automatically.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateStopped {
		return ErrAlreadyRunning
	}
	c.setState(StateStarting)

	if err := c.deps.Source.Open(ctx); err != nil {
		c.setState(StateStopped)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.setState(StateRunning)
	c.wg.Add(1)
	go c.run(loopCtx)

	c.deps.Log.Infow("capture started", "camera_id", c.opts.CameraID)
	return nil
}

// Stop cancels the loop, waits for it to exit, and releases the camera.
// The loop observes the stop within one frame-read timeout. Idempotent.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateStopped, StateStopping:
		return nil
	}
	c.setState(StateStopping)
	c.cancel()
	c.wg.Wait()
	err := c.deps.Source.Close()
	c.setState(StateStopped)
	c.deps.Log.Infow("capture stopped")
	return err
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	metrics.CaptureState.Set(float64(s))
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	sampler := Sampler{Stride: c.opts.Stride}
	var frameCount uint64
	var consecFails int
	var cached []render.Label

	for {
		if ctx.Err() != nil {
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
		frame, err := c.deps.Source.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, camera.ErrClosed) {
				// Device gone: fatal to this run, not retried.
				c.deps.Log.Errorw("camera stream ended", "camera_id", c.opts.CameraID)
				_ = c.deps.Source.Close()
				c.setState(StateStopped)
				return
			}
			metrics.FrameReadFailures.Inc()
			consecFails++
			if consecFails >= 3 {
				c.deps.Log.Warnw("repeated camera read failures", "consecutive", consecFails, "err", err)
			} else {
				c.deps.Log.Debugw("frame read failed", "err", err)
			}
			if !c.sleep(ctx, 50*time.Millisecond) {
				return
			}
			continue
		}
		consecFails = 0
		metrics.FramesRead.Inc()

		n := frameCount
		frameCount++

		if sampler.Eligible(n) {
			labels, err := c.processFrame(ctx, frame)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.deps.Log.Warnw("frame processing failed", "err", err)
			} else {
				cached = labels
			}
		}

		rendered, err := render.Overlay(frame.JPEG, cached)
		if err != nil {
			rendered = frame.JPEG
		}
		c.publish(ctx, notify.Message{Type: notify.TypeFrame, Body: rendered})

		if !c.sleep(ctx, c.opts.Yield) {
			return
		}
	}
}

// processFrame runs detection and matching on one eligible frame and returns
// the labels to cache for the following ineligible frames.
func (c *Controller) processFrame(ctx context.Context, frame camera.Frame) ([]render.Label, error) {
	small, err := render.Downscale(frame.JPEG, c.opts.Downscale)
	if err != nil {
		return nil, err
	}
	dets, err := c.deps.Provider.DetectAndEncode(ctx, small)
	if err != nil {
		return nil, err
	}
	metrics.FramesProcessed.Inc()
	if c.opts.MaxFaces > 0 && len(dets) > c.opts.MaxFaces {
		dets = dets[:c.opts.MaxFaces]
	}
	metrics.FacesDetected.Add(float64(len(dets)))

	snap := c.deps.Gallery.Snapshot()
	upscale := 1 / c.opts.Downscale
	labels := make([]render.Label, 0, len(dets))

	for _, d := range dets {
		res := c.deps.Engine.Match(d.Embedding, snap)
		if res.Known() {
			metrics.MatchesKnown.Inc()
			created, err := c.deps.Recorder.MarkPresent(ctx, res.StudentID, frame.At)
			switch {
			case err != nil:
				c.deps.Log.Errorw("mark attendance failed", "student_id", res.StudentID, "err", err)
			case created:
				metrics.AttendanceCreated.Inc()
				c.audit(ctx, res.StudentID, "marked", res.Distance)
				body, _ := json.Marshal(map[string]any{
					"student_id": res.StudentID,
					"name":       res.Name,
					"at":         frame.At,
				})
				c.publish(ctx, notify.Message{Type: notify.TypeAttendance, Body: body})
			default:
				c.audit(ctx, res.StudentID, "seen", res.Distance)
			}
		} else {
			metrics.MatchesUnknown.Inc()
			c.audit(ctx, "", "unknown", res.Distance)
		}
		labels = append(labels, render.Label{Box: d.Box.Scale(upscale), Name: res.Name})
	}
	return labels, nil
}

func (c *Controller) publish(ctx context.Context, msg notify.Message) {
	pubCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := c.deps.Queue.Publish(pubCtx, msg); err != nil && ctx.Err() == nil {
		c.deps.Log.Debugw("notify publish failed", "type", msg.Type, "err", err)
	}
}

func (c *Controller) audit(ctx context.Context, studentID, action string, distance float64) {
	if c.deps.Audit == nil {
		return
	}
	if err := c.deps.Audit.InsertLog(ctx, studentID, action, distance, c.opts.CameraID); err != nil {
		c.deps.Log.Debugw("audit log failed", "action", action, "err", err)
	}
}

// sleep waits d or until ctx is done; false means the loop should exit.
func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
