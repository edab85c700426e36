package sfu

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Broadcast/internal/domain"
)

var ErrTrackClosed = errors.New("out track closed")

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// OutTrack is a single subscriber's view of the relay.
// Frames go through a small mailbox; when it is full the oldest frame is
// dropped so the relay loop never waits on a slow reader.
type OutTrack struct {
	mime   string
	frames chan *domain.MediaFrame
	done   chan struct{}
	once   sync.Once
	state  atomic.Int32 // Zero by default (TrackStateOk)

	dropped atomic.Uint64
}

func NewOutTrack(mime string, mailbox int) *OutTrack {
	if mailbox < 1 {
		mailbox = 1
	}
	return &OutTrack{
		mime:   mime,
		frames: make(chan *domain.MediaFrame, mailbox),
		done:   make(chan struct{}),
	}
}

func (ot *OutTrack) MimeType() string { return ot.mime }

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

// Dropped returns how many frames were overwritten before being read.
func (ot *OutTrack) Dropped() uint64 { return ot.dropped.Load() }

// Close detaches the handle. The relay forgets it on the next frame.
func (ot *OutTrack) Close() {
	ot.MarkDelete()
	ot.once.Do(func() { close(ot.done) })
}

// Next returns the next frame, waiting for one if the mailbox is empty.
func (ot *OutTrack) Next(ctx context.Context) (*domain.MediaFrame, error) {
	select {
	case <-ot.done:
		return nil, ErrTrackClosed
	default:
	}
	select {
	case f := <-ot.frames:
		return f, nil
	case <-ot.done:
		return nil, ErrTrackClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// push is only called by the relay loop, which is the single writer.
func (ot *OutTrack) push(f *domain.MediaFrame) {
	for {
		select {
		case ot.frames <- f:
			return
		default:
		}
		select {
		case <-ot.frames:
			ot.dropped.Add(1)
		default:
		}
	}
}
