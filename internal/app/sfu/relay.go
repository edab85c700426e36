package sfu

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Broadcast/internal/core"
	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const closeWait = 2 * time.Second

// Relay owns the single upstream source and fans its frames out to any
// number of OutTracks. The source is acquired at most once; a failed
// acquisition is permanent for the relay's lifetime.
type Relay struct {
	opener  core.SourceOpener
	mailbox int
	logger  zerolog.Logger

	once    sync.Once
	src     core.MediaSource
	openErr error
	live    atomic.Bool

	mu        sync.RWMutex
	outTracks map[*OutTrack]struct{}
	stopped   bool

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Relay)

// WithMailbox sets how many frames each OutTrack buffers. 1 keeps only the
// most recent frame.
func WithMailbox(n int) Option {
	return func(r *Relay) { r.mailbox = n }
}

func NewRelay(opener core.SourceOpener, opts ...Option) *Relay {
	r := &Relay{
		opener:    opener,
		mailbox:   1,
		logger:    log.With().Str("module", "sfu.relay").Logger(),
		outTracks: make(map[*OutTrack]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start acquires the source and starts the forward loop. Only the first
// call does any work; later calls return the recorded result.
func (r *Relay) Start(ctx context.Context) error {
	r.once.Do(func() { r.acquire(ctx) })
	return r.openErr
}

func (r *Relay) acquire(ctx context.Context) {
	r.mu.RLock()
	stopped := r.stopped
	r.mu.RUnlock()
	if stopped {
		r.openErr = domain.ErrSourceUnavailable
		return
	}
	if r.opener == nil {
		r.openErr = fmt.Errorf("%w: no source configured", domain.ErrSourceUnavailable)
		r.logger.Warn().Msg("no media source configured, sessions will carry no media")
		return
	}

	src, err := r.opener.Open(ctx)
	if err != nil {
		r.openErr = err
		r.logger.Error().Err(err).Msg("source acquisition failed, relay unavailable")
		return
	}
	r.src = src

	// The loop must outlive whichever request happened to trigger acquisition.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})
	r.live.Store(true)
	r.logger.Info().Str("mime", src.MimeType()).Msg("source acquired, starting relay loop")

	go r.loop(loopCtx)
}

// Subscribe returns a fresh handle backed by the shared source.
func (r *Relay) Subscribe() (*OutTrack, error) {
	if err := r.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || !r.live.Load() {
		return nil, domain.ErrSourceUnavailable
	}
	ot := NewOutTrack(r.src.MimeType(), r.mailbox)
	r.outTracks[ot] = struct{}{}
	r.logger.Debug().Int("subscribers", len(r.outTracks)).Msg("subscriber added")
	return ot, nil
}

// Available reports whether the source is acquired and still producing.
// It never triggers acquisition.
func (r *Relay) Available() bool { return r.live.Load() }

func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}

// loop reads frames from the source and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		f, err := r.src.NextFrame()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("relay read frame error, stopping")
			}
			r.live.Store(false)
			r.markAllDelete()
			return
		}
		r.forward(f)
	}
}

func (r *Relay) forward(f *domain.MediaFrame) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []*OutTrack
	for ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, ot)
		case TrackStateMuted:
		case TrackStateOk:
			ot.push(f)
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []*OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range dirty {
		delete(r.outTracks, ot)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ot := range r.outTracks {
		ot.Close()
	}
	clear(r.outTracks)
}

// Close stops the loop, releases the source and closes every handle.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		// Blocks a concurrent first Start until it finished, or makes a
		// later one a no-op.
		r.once.Do(func() { r.openErr = domain.ErrSourceUnavailable })

		if r.cancel != nil {
			r.cancel()
		}
		r.live.Store(false)
		if r.src != nil {
			if err := r.src.Close(); err != nil {
				r.logger.Error().Err(err).Msg("source close error")
			}
		}
		if r.done != nil {
			select {
			case <-r.done:
			case <-time.After(closeWait):
				r.logger.Warn().Msg("relay loop did not stop in time")
			}
		}
		r.markAllDelete()
		r.logger.Info().Msg("relay closed")
	})
}
