package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MJPEG reads frames from an MJPEG-over-HTTP camera stream
// (multipart/x-mixed-replace), the usual surface of IP cameras and local
// webcam streamers. Frames are delivered latest-wins: a slow consumer sees
// the newest frame, older unconsumed ones are dropped and counted.
type MJPEG struct {
	URL  string
	HTTP *http.Client

	cancel context.CancelFunc
	frames chan Frame
	wg     sync.WaitGroup

	seq    atomic.Uint64
	drops  atomic.Uint64
	opened bool
	mu     sync.Mutex
}

// NewMJPEG creates a source for the given stream URL.
func NewMJPEG(url string) *MJPEG {
	return &MJPEG{
		URL:  url,
		HTTP: &http.Client{}, // no overall timeout: the stream is long-lived
	}
}

// Open connects to the stream and starts the background reader. The passed
// ctx bounds connection setup only; the stream itself lives until Close.
func (m *MJPEG) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		return fmt.Errorf("camera: already open")
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, m.URL, nil)
	if err != nil {
		cancel()
		return err
	}
	resp, err := m.HTTP.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("camera: connect %s: %w", m.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("camera: stream returned %s", resp.Status)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("camera: unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	m.cancel = cancel
	m.frames = make(chan Frame, 1)
	m.opened = true

	m.wg.Add(1)
	go m.readLoop(resp, params["boundary"])
	return nil
}

// Read returns the next frame, blocking until one arrives, ctx expires, or
// the stream ends.
func (m *MJPEG) Read(ctx context.Context) (Frame, error) {
	m.mu.Lock()
	frames := m.frames
	m.mu.Unlock()
	if frames == nil {
		return Frame{}, ErrClosed
	}
	select {
	case f, ok := <-frames:
		if !ok {
			return Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close stops the reader and releases the connection. Idempotent.
func (m *MJPEG) Close() error {
	m.mu.Lock()
	if !m.opened {
		m.mu.Unlock()
		return nil
	}
	m.opened = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	return nil
}

// Drops reports how many frames were overwritten before being consumed.
func (m *MJPEG) Drops() uint64 { return m.drops.Load() }

func (m *MJPEG) readLoop(resp *http.Response, boundary string) {
	defer m.wg.Done()
	defer resp.Body.Close()
	defer close(m.frames)

	mr := multipart.NewReader(resp.Body, boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			return // stream ended or Close cancelled the request
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			continue // skip undecodable part, keep streaming
		}
		f := Frame{
			JPEG:   data,
			Width:  cfg.Width,
			Height: cfg.Height,
			Seq:    m.seq.Add(1) - 1,
			At:     time.Now(),
		}
		m.push(f)
	}
}

// push delivers latest-wins: an unconsumed older frame is discarded.
func (m *MJPEG) push(f Frame) {
	select {
	case m.frames <- f:
		return
	default:
	}
	select {
	case <-m.frames:
		m.drops.Add(1)
	default:
	}
	select {
	case m.frames <- f:
	default:
	}
}
