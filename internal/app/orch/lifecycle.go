package orch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Broadcast/internal/app"
	"github.com/dkeye/Broadcast/internal/app/sfu"
	"github.com/dkeye/Broadcast/internal/core"
	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const DefaultShutdownTimeout = 5 * time.Second

// StateChange is an engine notification for one session.
type StateChange struct {
	ID    domain.SessionID
	State core.ConnState
}

// Lifecycle consumes engine notifications and removes sessions that reached
// a terminal state. It also owns process shutdown of all sessions.
type Lifecycle struct {
	registry        *app.Registry
	relay           *sfu.Relay
	shutdownTimeout time.Duration
	logger          zerolog.Logger

	events   chan StateChange
	done     chan struct{}
	stopOnce sync.Once
}

func NewLifecycle(reg *app.Registry, relay *sfu.Relay, shutdownTimeout time.Duration) *Lifecycle {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Lifecycle{
		registry:        reg,
		relay:           relay,
		shutdownTimeout: shutdownTimeout,
		logger:          log.With().Str("module", "orch.lifecycle").Logger(),
		events:          make(chan StateChange, 256),
		done:            make(chan struct{}),
	}
}

// Notify queues a state change. Notifications after shutdown are dropped.
func (l *Lifecycle) Notify(id domain.SessionID, s core.ConnState) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.events <- StateChange{ID: id, State: s}:
	case <-l.done:
	}
}

// Run handles notifications until ctx is done or Shutdown is called.
func (l *Lifecycle) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case ev := <-l.events:
			l.handle(ev)
		}
	}
}

func (l *Lifecycle) handle(ev StateChange) {
	logger := l.logger.With().Str("sid", string(ev.ID)).Str("peer_connection_state", ev.State.String()).Logger()
	logger.Info().Msg("Peer state")

	switch ev.State {
	case core.ConnStateConnected:
		sess, ok := l.registry.Get(ev.ID)
		if !ok {
			return
		}
		if _, err := sess.Advance(domain.EventConnected); err != nil {
			logger.Warn().Err(err).Msg("ignoring connected notification")
		}
	case core.ConnStateFailed:
		l.Terminate(ev.ID, domain.EventFailed)
	case core.ConnStateClosed:
		l.Terminate(ev.ID, domain.EventClosed)
	}
}

// Terminate removes id from the registry and releases its resources.
// It reports false when the session was already gone.
func (l *Lifecycle) Terminate(id domain.SessionID, ev domain.Event) bool {
	sess, ok := l.registry.Remove(id)
	if !ok {
		return false
	}
	if _, err := sess.Advance(ev); err != nil {
		l.logger.Debug().Err(err).Str("sid", string(id)).Msg("terminal transition")
	}
	_ = sess.Release()
	_, _ = sess.Advance(domain.EventClosed)
	return true
}

// Shutdown closes every session concurrently and waits up to the shutdown
// timeout. Whatever is still closing after that is dropped from the
// registry. The relay is closed last.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.done) })
	l.registry.Close()

	ids := l.registry.IDs()
	l.logger.Info().Int("sessions", len(ids)).Msg("shutting down sessions")

	var wg conc.WaitGroup
	released := make(map[*app.Session]struct{}, len(ids))
	for _, id := range ids {
		sess, ok := l.registry.Get(id)
		if !ok {
			continue
		}
		released[sess] = struct{}{}
		wg.Go(func() {
			_, _ = sess.Advance(domain.EventClosed)
			_ = sess.Release()
		})
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		if r := wg.WaitAndRecover(); r != nil {
			l.logger.Error().Err(r.AsError()).Msg("panic while closing session")
		}
	}()

	timer := time.NewTimer(l.shutdownTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-finished:
	case <-timer.C:
		err = fmt.Errorf("shutdown timed out after %s", l.shutdownTimeout)
	case <-ctx.Done():
		err = fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	}
	if err != nil {
		l.logger.Warn().Err(err).Msg("force-clearing registry")
	}

	// Anything still registered that the fan-out above did not see gets
	// released in the background; a hung close must not hold up exit.
	for _, sess := range l.registry.Clear() {
		if _, ok := released[sess]; ok {
			continue
		}
		go func() {
			_, _ = sess.Advance(domain.EventClosed)
			_ = sess.Release()
		}()
	}
	if l.relay != nil {
		l.relay.Close()
	}
	l.logger.Info().Msg("shutdown complete")
	return err
}
