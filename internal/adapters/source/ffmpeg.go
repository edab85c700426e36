package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"sync"

	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FFmpegBinary is the executable used by OpenFFmpeg.
var FFmpegBinary = "ffmpeg"

// FFmpegSource reads H.264 Annex B from an ffmpeg child process that pulls
// from any input ffmpeg understands: rtsp, rtmp, a capture device or a file.
type FFmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	au     *auReader
	pace   *pacer
	logger zerolog.Logger

	mu      sync.Mutex
	pending *domain.MediaFrame

	closeOnce sync.Once
	closeErr  error
}

// ffmpegArgs builds the command line. Input options go before -i, and the
// output is always baseline H.264 on stdout so browsers can decode it.
func ffmpegArgs(cfg Config) []string {
	fps := cfg.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	args := []string{"-hide_banner", "-loglevel", "warning"}

	keys := make([]string, 0, len(cfg.Options))
	for k := range cfg.Options {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		args = append(args, "-"+k, cfg.Options[k])
	}
	if cfg.Format != "" {
		args = append(args, "-f", cfg.Format)
	}
	args = append(args, "-i", cfg.URL,
		"-an",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-pix_fmt", "yuv420p",
		"-r", fmt.Sprint(fps),
		"-g", fmt.Sprint(fps*2),
		"-bsf:v", "h264_mp4toannexb",
		"-f", "h264",
		"pipe:1",
	)
	return args
}

// OpenFFmpeg starts ffmpeg and waits for the first access unit, so an
// unreachable input fails here and can be retried.
func OpenFFmpeg(ctx context.Context, cfg Config) (*FFmpegSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ffmpeg source: empty url")
	}
	logger := log.With().Str("module", "source.ffmpeg").Str("url", cfg.URL).Logger()

	// Not CommandContext: ctx belongs to whoever triggered acquisition and
	// the process must outlive it.
	cmd := exec.Command(FFmpegBinary, ffmpegArgs(cfg)...)
	cmd.Stderr = logger
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	logger.Info().Int("pid", cmd.Process.Pid).Msg("ffmpeg started")

	r, err := h264reader.NewReader(bufio.NewReader(stdout))
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	s := &FFmpegSource{
		cmd:    cmd,
		stdout: stdout,
		au:     &auReader{next: r.NextNAL, frameDur: cfg.frameDuration()},
		pace:   newPacer(),
		logger: logger,
	}

	first := make(chan error, 1)
	go func() {
		f, err := s.au.read()
		if err == nil {
			s.mu.Lock()
			s.pending = f
			s.mu.Unlock()
		}
		first <- err
	}()
	select {
	case err = <-first:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ffmpeg produced no video: %w", err)
	}
	return s, nil
}

func (s *FFmpegSource) MimeType() string { return webrtc.MimeTypeH264 }

func (s *FFmpegSource) NextFrame() (*domain.MediaFrame, error) {
	s.mu.Lock()
	f := s.pending
	s.pending = nil
	s.mu.Unlock()

	if f == nil {
		var err error
		if f, err = s.au.read(); err != nil {
			return nil, err
		}
	}
	if f.Duration > 0 {
		if err := s.pace.wait(f.Duration); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Close kills ffmpeg and reaps it.
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.pace.close()
		if s.cmd.Process != nil {
			s.closeErr = s.cmd.Process.Kill()
		}
		_ = s.stdout.Close()
		_ = s.cmd.Wait()
		s.logger.Info().Msg("ffmpeg stopped")
	})
	return s.closeErr
}
