package camera

import (
	"context"
	"errors"
	"time"
)

// Frame is one captured image, JPEG-encoded, with its stream position.
type Frame struct {
	JPEG   []byte
	Width  int
	Height int
	Seq    uint64
	At     time.Time
}

// ErrClosed is returned by Read after the stream has ended or Close was called.
var ErrClosed = errors.New("camera: stream closed")

// Source is a camera device. Open acquires it, Read blocks for the next frame
// until ctx expires, Close releases it deterministically.
type Source interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (Frame, error)
	Close() error
}
