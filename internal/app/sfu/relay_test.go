package sfu

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Broadcast/internal/adapters/source"
	"github.com/dkeye/Broadcast/internal/core"
	"github.com/dkeye/Broadcast/internal/domain"
)

type chanSource struct {
	frames    chan *domain.MediaFrame
	closeOnce sync.Once
	closed    chan struct{}
}

func newChanSource() *chanSource {
	return &chanSource{
		frames: make(chan *domain.MediaFrame),
		closed: make(chan struct{}),
	}
}

func (s *chanSource) MimeType() string { return "video/VP8" }

func (s *chanSource) NextFrame() (*domain.MediaFrame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *chanSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type countingOpener struct {
	calls atomic.Int32
	src   core.MediaSource
	err   error
}

func (o *countingOpener) Open(context.Context) (core.MediaSource, error) {
	o.calls.Add(1)
	if o.err != nil {
		return nil, o.err
	}
	return o.src, nil
}

func frame(b byte) *domain.MediaFrame {
	return &domain.MediaFrame{Data: []byte{b}, Duration: 40 * time.Millisecond}
}

func TestRelay_AcquiresSourceOnce(t *testing.T) {
	src := newChanSource()
	opener := &countingOpener{src: src}
	r := NewRelay(opener)
	t.Cleanup(r.Close)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Subscribe(); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Subscribe: %v", err)
	}

	if got := opener.calls.Load(); got != 1 {
		t.Fatalf("Open calls=%d, want 1", got)
	}
	if got := r.Subscribers(); got != n {
		t.Fatalf("Subscribers=%d, want %d", got, n)
	}
}

func TestRelay_FailedAcquisitionIsPermanent(t *testing.T) {
	opener := &countingOpener{err: errors.New("no such device")}
	r := NewRelay(opener)
	t.Cleanup(r.Close)

	if err := r.Start(context.Background()); err == nil {
		t.Fatalf("Start err=nil, want error")
	}
	for i := 0; i < 10; i++ {
		ot, err := r.Subscribe()
		if !errors.Is(err, domain.ErrSourceUnavailable) {
			t.Fatalf("Subscribe err=%v, want %v", err, domain.ErrSourceUnavailable)
		}
		if ot != nil {
			t.Fatalf("Subscribe returned a handle on failure")
		}
	}
	if got := opener.calls.Load(); got != 1 {
		t.Fatalf("Open calls=%d, want 1", got)
	}
	if r.Available() {
		t.Fatalf("Available=true after failed acquisition")
	}
}

func TestRelay_NilOpenerUnavailable(t *testing.T) {
	r := NewRelay(nil)
	if _, err := r.Subscribe(); !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("Subscribe err=%v, want %v", err, domain.ErrSourceUnavailable)
	}
}

func TestRelay_FansOutToEverySubscriber(t *testing.T) {
	src := newChanSource()
	r := NewRelay(&countingOpener{src: src})
	t.Cleanup(r.Close)

	a, err := r.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b, err := r.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	src.frames <- frame(7)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for name, ot := range map[string]*OutTrack{"a": a, "b": b} {
		f, err := ot.Next(ctx)
		if err != nil {
			t.Fatalf("%s.Next: %v", name, err)
		}
		if f.Data[0] != 7 {
			t.Fatalf("%s got frame %d, want 7", name, f.Data[0])
		}
	}
}

func TestRelay_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	src := newChanSource()
	r := NewRelay(&countingOpener{src: src})
	t.Cleanup(r.Close)

	slow, err := r.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	fast, err := r.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := byte(1); i <= 5; i++ {
		select {
		case src.frames <- frame(i):
		case <-ctx.Done():
			t.Fatalf("source blocked on frame %d", i)
		}
		f, err := fast.Next(ctx)
		if err != nil {
			t.Fatalf("fast.Next: %v", err)
		}
		if f.Data[0] != i {
			t.Fatalf("fast got %d, want %d", f.Data[0], i)
		}
	}

	// Handing over one more frame waits until frame 5 was fully forwarded.
	src.frames <- frame(6)
	if slow.Dropped() == 0 {
		t.Fatalf("expected dropped frames on slow subscriber")
	}

	// The slow reader only ever sees the latest frame.
	f, err := slow.Next(ctx)
	if err != nil {
		t.Fatalf("slow.Next: %v", err)
	}
	if f.Data[0] < 5 {
		t.Fatalf("slow got %d, want a recent frame", f.Data[0])
	}
}

func TestRelay_ClosedHandleIsForgotten(t *testing.T) {
	src := newChanSource()
	r := NewRelay(&countingOpener{src: src})
	t.Cleanup(r.Close)

	ot, err := r.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	keep, err := r.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ot.Close()
	ot.Close()

	src.frames <- frame(1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := keep.Next(ctx); err != nil {
		t.Fatalf("keep.Next: %v", err)
	}
	// Waits until the first forward, including its cleanup, finished.
	src.frames <- frame(2)
	if got := r.Subscribers(); got != 1 {
		t.Fatalf("Subscribers=%d, want 1", got)
	}
	if _, err := ot.Next(ctx); !errors.Is(err, ErrTrackClosed) {
		t.Fatalf("closed Next err=%v, want %v", err, ErrTrackClosed)
	}
}

func TestRelay_CloseReleasesSourceAndHandles(t *testing.T) {
	src := newChanSource()
	r := NewRelay(&countingOpener{src: src})

	ot, err := r.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	r.Close()
	r.Close()

	select {
	case <-src.closed:
	default:
		t.Fatalf("source was not closed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ot.Next(ctx); !errors.Is(err, ErrTrackClosed) {
		t.Fatalf("Next after Close err=%v, want %v", err, ErrTrackClosed)
	}
	if _, err := r.Subscribe(); !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("Subscribe after Close err=%v, want %v", err, domain.ErrSourceUnavailable)
	}
}

func TestRelay_SourceEOFMakesRelayUnavailable(t *testing.T) {
	src := newChanSource()
	r := NewRelay(&countingOpener{src: src})
	t.Cleanup(r.Close)

	ot, err := r.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	close(src.frames)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := ot.Next(ctx); !errors.Is(err, ErrTrackClosed) {
		t.Fatalf("Next err=%v, want %v", err, ErrTrackClosed)
	}
	if r.Available() {
		t.Fatalf("Available=true after source EOF")
	}
	if _, err := r.Subscribe(); !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("Subscribe err=%v, want %v", err, domain.ErrSourceUnavailable)
	}
}

func TestRelay_SlowSubscriberKeepsParameterSets(t *testing.T) {
	gop := []byte{
		0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1f, // SPS
		0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80, // PPS
		0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, // IDR
		0, 0, 0, 1, 0x41, 0x9a, 0x02, 0x00, // non-IDR
	}
	path := filepath.Join(t.TempDir(), "gop.h264")
	if err := os.WriteFile(path, gop, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	src, err := source.OpenH264(path, time.Millisecond)
	if err != nil {
		t.Fatalf("OpenH264: %v", err)
	}
	r := NewRelay(&countingOpener{src: src}, WithMailbox(1))
	t.Cleanup(r.Close)

	ot, err := r.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var keys int
	for i := 0; i < 40; i++ {
		f, err := ot.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if f.IsKey {
			keys++
			if !bytesContain(f.Data, 0x67) || !bytesContain(f.Data, 0x68) {
				t.Fatalf("key frame %d without parameter sets: %x", i, f.Data)
			}
		}
		// Slower than the source so the mailbox overflows.
		time.Sleep(2 * time.Millisecond)
	}
	if keys == 0 {
		t.Fatalf("no key frames received")
	}
	if ot.Dropped() == 0 {
		t.Fatalf("expected dropped frames on slow subscriber")
	}
}

// bytesContain reports whether a NAL with the given header byte follows a
// four byte start code.
func bytesContain(data []byte, header byte) bool {
	for i := 0; i+4 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 && data[i+4] == header {
			return true
		}
	}
	return false
}
