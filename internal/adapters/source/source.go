package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dkeye/Broadcast/internal/core"
	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	KindIVF    = "ivf"
	KindH264   = "h264"
	KindFFmpeg = "ffmpeg"
	KindNone   = "none"

	DefaultFPS        = 25
	DefaultRetries    = 5
	DefaultRetryDelay = 2 * time.Second
)

var errClosed = errors.New("source closed")

type Config struct {
	Kind string `mapstructure:"kind"`
	// URL is a file path for ivf/h264 and any ffmpeg input otherwise
	// (rtsp://, rtmp://, a capture device or a file).
	URL string `mapstructure:"url"`
	// Format forces the ffmpeg input format, e.g. v4l2, avfoundation or lavfi.
	Format string `mapstructure:"format"`
	// Options are passed to ffmpeg as input options, "-key value".
	Options    map[string]string `mapstructure:"options"`
	FPS        int               `mapstructure:"fps"`
	Retries    int               `mapstructure:"retries"`
	RetryDelay time.Duration     `mapstructure:"retry_delay"`
	// Mailbox is the per-subscriber frame buffer of the relay.
	Mailbox int `mapstructure:"mailbox"`
}

func (c Config) frameDuration() time.Duration {
	fps := c.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	return time.Second / time.Duration(fps)
}

// NewOpener returns the opener selected by cfg.Kind. Every open attempt
// except "none" is retried cfg.Retries times, cfg.RetryDelay apart.
func NewOpener(cfg Config) (core.SourceOpener, error) {
	var open core.SourceOpenerFunc
	switch cfg.Kind {
	case KindIVF:
		open = func(context.Context) (core.MediaSource, error) { return OpenIVF(cfg.URL) }
	case KindH264:
		open = func(context.Context) (core.MediaSource, error) { return OpenH264(cfg.URL, cfg.frameDuration()) }
	case KindFFmpeg:
		open = func(ctx context.Context) (core.MediaSource, error) { return OpenFFmpeg(ctx, cfg) }
	case "", KindNone:
		return core.SourceOpenerFunc(func(context.Context) (core.MediaSource, error) {
			return nil, fmt.Errorf("%w: no source configured", domain.ErrSourceUnavailable)
		}), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
	return &retryOpener{open: open, retries: cfg.Retries, delay: cfg.RetryDelay, kind: cfg.Kind}, nil
}

type retryOpener struct {
	open    core.SourceOpenerFunc
	retries int
	delay   time.Duration
	kind    string
}

func (r *retryOpener) Open(ctx context.Context) (core.MediaSource, error) {
	attempts := r.retries
	if attempts <= 0 {
		attempts = 1
	}
	logger := log.With().Str("module", "source").Str("kind", r.kind).Logger()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		src, err := r.open(ctx)
		if err == nil {
			logger.Info().Int("attempt", attempt).Str("mime", src.MimeType()).Msg("source opened")
			return src, nil
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Int("of", attempts).Msg("source open failed")
		if attempt == attempts {
			break
		}
		t := time.NewTimer(r.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("%w: %d attempts: %v", domain.ErrSourceUnavailable, attempts, lastErr)
}

// pacer spaces frames out in wall-clock time. A reader that falls behind
// by more than a second is resynced instead of bursting.
type pacer struct {
	next   time.Time
	closed chan struct{}
	once   sync.Once
}

func newPacer() *pacer {
	return &pacer{closed: make(chan struct{})}
}

func (p *pacer) wait(d time.Duration) error {
	now := time.Now()
	if p.next.IsZero() || now.Sub(p.next) > time.Second {
		p.next = now
	}
	p.next = p.next.Add(d)
	delay := time.Until(p.next)
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-p.closed:
		return errClosed
	}
}

func (p *pacer) close() {
	p.once.Do(func() { close(p.closed) })
}

// rewind seeks s back to the start.
func rewind(s io.Seeker) error {
	_, err := s.Seek(0, io.SeekStart)
	return err
}
