package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

// IVFSource loops over a VP8/VP9/AV1 IVF file, paced by the file timebase.
type IVFSource struct {
	mu       sync.Mutex
	file     *os.File
	ivf      *ivfreader.IVFReader
	mime     string
	tick     time.Duration
	lastTS   uint64
	haveLast bool
	pace     *pacer
}

func OpenIVF(path string) (*IVFSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ivf header: %w", err)
	}
	mime, err := mimeForFourCC(header.FourCC)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	tick := time.Second / DefaultFPS
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		tick = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}

	return &IVFSource{
		file: f,
		ivf:  reader,
		mime: mime,
		tick: tick,
		pace: newPacer(),
	}, nil
}

func mimeForFourCC(fourcc string) (string, error) {
	switch fourcc {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("unsupported ivf codec %q", fourcc)
	}
}

func (s *IVFSource) MimeType() string { return s.mime }

func (s *IVFSource) NextFrame() (*domain.MediaFrame, error) {
	f, err := s.read()
	if err != nil {
		return nil, err
	}
	if err := s.pace.wait(f.Duration); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *IVFSource) read() (*domain.MediaFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ivf == nil {
		return nil, errClosed
	}

	payload, hdr, err := s.ivf.ParseNextFrame()
	if errors.Is(err, io.EOF) {
		if err := rewind(s.file); err != nil {
			return nil, err
		}
		reader, _, err := ivfreader.NewWith(s.file)
		if err != nil {
			return nil, err
		}
		s.ivf = reader
		s.haveLast = false
		payload, hdr, err = s.ivf.ParseNextFrame()
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty ivf frame")
	}

	d := s.tick
	if s.haveLast && hdr.Timestamp > s.lastTS {
		d = s.tick * time.Duration(hdr.Timestamp-s.lastTS)
	}
	s.lastTS = hdr.Timestamp
	s.haveLast = true

	return &domain.MediaFrame{
		Data:     payload,
		Duration: d,
		// VP8 key frames have the low bit of the first byte cleared.
		IsKey: s.mime == webrtc.MimeTypeVP8 && payload[0]&0x01 == 0,
	}, nil
}

func (s *IVFSource) Close() error {
	s.pace.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.ivf = nil
	return err
}
