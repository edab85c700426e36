package core

import (
	"context"

	"github.com/dkeye/Broadcast/internal/domain"
)

// MediaSource is the upstream producer of encoded frames.
// It is owned by the relay and read from a single goroutine.
type MediaSource interface {
	MimeType() string
	NextFrame() (*domain.MediaFrame, error)
	Close() error
}

// SourceOpener acquires the upstream source. Opening has observable cost
// (device or network stream), so callers must do it once.
type SourceOpener interface {
	Open(ctx context.Context) (MediaSource, error)
}

// SourceOpenerFunc adapts a function to SourceOpener.
type SourceOpenerFunc func(ctx context.Context) (MediaSource, error)

func (f SourceOpenerFunc) Open(ctx context.Context) (MediaSource, error) { return f(ctx) }
