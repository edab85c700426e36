package source

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Broadcast/internal/core"
	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/pion/webrtc/v4"
)

func writeIVF(t *testing.T, frames [][]byte) string {
	t.Helper()
	hdr := make([]byte, 32)
	copy(hdr[0:4], "DKIF")
	binary.LittleEndian.PutUint16(hdr[4:], 0)
	binary.LittleEndian.PutUint16(hdr[6:], 32)
	copy(hdr[8:12], "VP80")
	binary.LittleEndian.PutUint16(hdr[12:], 64)
	binary.LittleEndian.PutUint16(hdr[14:], 48)
	binary.LittleEndian.PutUint32(hdr[16:], 1000) // timebase denominator
	binary.LittleEndian.PutUint32(hdr[20:], 1)    // timebase numerator
	binary.LittleEndian.PutUint32(hdr[24:], uint32(len(frames)))

	buf := slices.Clone(hdr)
	for i, f := range frames {
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], uint32(len(f)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		buf = append(buf, fh...)
		buf = append(buf, f...)
	}

	path := filepath.Join(t.TempDir(), "clip.ivf")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write ivf: %v", err)
	}
	return path
}

func TestIVFSource_LoopsAndDetectsKeyFrames(t *testing.T) {
	path := writeIVF(t, [][]byte{{0x10, 0xaa}, {0x11, 0xbb}})
	src, err := OpenIVF(path)
	if err != nil {
		t.Fatalf("OpenIVF: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	if got := src.MimeType(); got != webrtc.MimeTypeVP8 {
		t.Fatalf("MimeType=%s, want %s", got, webrtc.MimeTypeVP8)
	}

	want := []struct {
		first byte
		key   bool
	}{{0x10, true}, {0x11, false}, {0x10, true}, {0x11, false}}
	for i, w := range want {
		f, err := src.NextFrame()
		if err != nil {
			t.Fatalf("NextFrame %d: %v", i, err)
		}
		if f.Data[0] != w.first || f.IsKey != w.key {
			t.Fatalf("frame %d: first=%#x key=%v, want %#x key=%v", i, f.Data[0], f.IsKey, w.first, w.key)
		}
		if f.Duration != time.Millisecond {
			t.Fatalf("frame %d: Duration=%v, want 1ms", i, f.Duration)
		}
	}
}

func TestIVFSource_CloseUnblocksAndFails(t *testing.T) {
	src, err := OpenIVF(writeIVF(t, [][]byte{{0x10}}))
	if err != nil {
		t.Fatalf("OpenIVF: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := src.NextFrame(); err == nil {
		t.Fatalf("NextFrame after Close succeeded")
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenIVF_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ivf")
	if err := os.WriteFile(path, []byte("not an ivf file at all, definitely not"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := OpenIVF(path); err == nil {
		t.Fatalf("OpenIVF accepted garbage")
	}
}

func countNALs(data []byte) map[byte]int {
	counts := map[byte]int{}
	for i := 0; i+4 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			counts[data[i+4]&0x1f]++
		}
	}
	return counts
}

func TestH264Source_GroupsAccessUnits(t *testing.T) {
	stream := []byte{
		0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1f, // SPS
		0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80, // PPS
		0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, // IDR slice, first_mb 0
		0, 0, 0, 1, 0x65, 0x40, 0x84, 0x00, // IDR slice, same picture
		0, 0, 0, 1, 0x41, 0x9a, 0x02, 0x00, // non-IDR slice
	}
	path := filepath.Join(t.TempDir(), "clip.h264")
	if err := os.WriteFile(path, stream, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	src, err := OpenH264(path, time.Millisecond)
	if err != nil {
		t.Fatalf("OpenH264: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	// Two pictures per loop: [SPS PPS IDR IDR] and [non-IDR].
	for i := 0; i < 4; i++ {
		f, err := src.NextFrame()
		if err != nil {
			t.Fatalf("NextFrame %d: %v", i, err)
		}
		if f.Duration != time.Millisecond {
			t.Fatalf("frame %d duration=%v, want 1ms", i, f.Duration)
		}
		nals := countNALs(f.Data)
		if i%2 == 0 {
			if !f.IsKey {
				t.Fatalf("frame %d IsKey=false, want true", i)
			}
			if nals[7] != 1 || nals[8] != 1 || nals[5] != 2 {
				t.Fatalf("frame %d nals=%v, want SPS, PPS and two IDR slices", i, nals)
			}
			continue
		}
		if f.IsKey {
			t.Fatalf("frame %d IsKey=true, want false", i)
		}
		if nals[1] != 1 || len(nals) != 1 {
			t.Fatalf("frame %d nals=%v, want one non-IDR slice", i, nals)
		}
	}
}

func TestRetryOpener(t *testing.T) {
	var calls atomic.Int32
	ok := &IVFSource{mime: webrtc.MimeTypeVP8, pace: newPacer()}
	r := &retryOpener{
		retries: 3,
		delay:   time.Millisecond,
		open: func(context.Context) (core.MediaSource, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("not yet")
			}
			return ok, nil
		},
	}
	src, err := r.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if src != ok || calls.Load() != 3 {
		t.Fatalf("src=%v calls=%d, want third attempt", src, calls.Load())
	}

	calls.Store(-10)
	_, err = r.Open(context.Background())
	if !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("err=%v, want %v", err, domain.ErrSourceUnavailable)
	}
}

func TestRetryOpener_StopsOnContext(t *testing.T) {
	r := &retryOpener{
		retries: 10,
		delay:   time.Hour,
		open: func(context.Context) (core.MediaSource, error) {
			return nil, errors.New("down")
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Open(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want %v", err, context.DeadlineExceeded)
	}
}

func TestNewOpener(t *testing.T) {
	none, err := NewOpener(Config{Kind: KindNone})
	if err != nil {
		t.Fatalf("NewOpener(none): %v", err)
	}
	if _, err := none.Open(context.Background()); !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("none Open err=%v, want %v", err, domain.ErrSourceUnavailable)
	}
	if _, err := NewOpener(Config{Kind: "webcam"}); err == nil {
		t.Fatalf("unknown kind accepted")
	}

	ivf, err := NewOpener(Config{Kind: KindIVF, URL: writeIVF(t, [][]byte{{0x10}}), Retries: 1})
	if err != nil {
		t.Fatalf("NewOpener(ivf): %v", err)
	}
	src, err := ivf.Open(context.Background())
	if err != nil {
		t.Fatalf("ivf Open: %v", err)
	}
	_ = src.Close()
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs(Config{
		URL:     "rtsp://camera:8554/video360",
		Options: map[string]string{"rtsp_transport": "tcp", "analyzeduration": "0"},
		FPS:     30,
	})
	idx := slices.Index(args, "-i")
	if idx < 0 || args[idx+1] != "rtsp://camera:8554/video360" {
		t.Fatalf("input missing: %v", args)
	}
	if i := slices.Index(args, "-rtsp_transport"); i < 0 || i > idx || args[i+1] != "tcp" {
		t.Fatalf("input option not before -i: %v", args)
	}
	if i := slices.Index(args, "-analyzeduration"); i < 0 || i > slices.Index(args, "-rtsp_transport") {
		t.Fatalf("options not sorted: %v", args)
	}
	if i := slices.Index(args, "-r"); i < 0 || args[i+1] != "30" {
		t.Fatalf("frame rate missing: %v", args)
	}
	if args[len(args)-1] != "pipe:1" {
		t.Fatalf("output is %q, want pipe:1", args[len(args)-1])
	}
}

func TestOpenFFmpeg_MissingBinary(t *testing.T) {
	orig := FFmpegBinary
	t.Cleanup(func() { FFmpegBinary = orig })
	FFmpegBinary = filepath.Join(t.TempDir(), "no-such-ffmpeg")

	if _, err := OpenFFmpeg(context.Background(), Config{URL: "rtsp://camera/video"}); err == nil {
		t.Fatalf("OpenFFmpeg succeeded without a binary")
	}
}
