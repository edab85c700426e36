package source

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
)

var annexBStartCode = []byte{0, 0, 0, 1}

// nalPayload strips an Annex B start code if the reader left one in place.
func nalPayload(nal *h264reader.NAL) []byte {
	data := nal.Data
	switch {
	case bytes.HasPrefix(data, annexBStartCode):
		return data[4:]
	case bytes.HasPrefix(data, annexBStartCode[1:]):
		return data[3:]
	}
	return data
}

func isSlice(nal *h264reader.NAL) bool {
	return nal.UnitType == h264reader.NalUnitTypeCodedSliceIdr ||
		nal.UnitType == h264reader.NalUnitTypeCodedSliceNonIdr
}

// startsPicture reports whether nal opens a new access unit once a slice
// has been seen. Slices do so when first_mb_in_slice is zero, which is a
// single set bit right after the NAL header.
func startsPicture(nal *h264reader.NAL) bool {
	switch nal.UnitType {
	case h264reader.NalUnitTypeAUD, h264reader.NalUnitTypeSPS,
		h264reader.NalUnitTypePPS, h264reader.NalUnitTypeSEI:
		return true
	case h264reader.NalUnitTypeCodedSliceIdr, h264reader.NalUnitTypeCodedSliceNonIdr:
		p := nalPayload(nal)
		return len(p) > 1 && p[1]&0x80 != 0
	}
	return false
}

// accessUnit joins the NAL units of one picture into a single frame so the
// relay can only ever drop whole pictures, never a lone parameter set.
func accessUnit(nals []*h264reader.NAL, frameDur time.Duration) *domain.MediaFrame {
	size := 0
	for _, nal := range nals {
		size += len(annexBStartCode) + len(nal.Data)
	}
	f := &domain.MediaFrame{Data: make([]byte, 0, size), Duration: frameDur}
	for _, nal := range nals {
		f.Data = append(f.Data, annexBStartCode...)
		f.Data = append(f.Data, nalPayload(nal)...)
		if nal.UnitType == h264reader.NalUnitTypeCodedSliceIdr {
			f.IsKey = true
		}
	}
	return f
}

// auReader groups NAL units into access units. The NAL that opens the next
// picture is held back until the following call.
type auReader struct {
	next     func() (*h264reader.NAL, error)
	held     *h264reader.NAL
	frameDur time.Duration
}

func (a *auReader) read() (*domain.MediaFrame, error) {
	var nals []*h264reader.NAL
	sawSlice := false
	for {
		nal := a.held
		a.held = nil
		if nal == nil {
			var err error
			nal, err = a.next()
			if err != nil {
				if sawSlice && errors.Is(err, io.EOF) {
					return accessUnit(nals, a.frameDur), nil
				}
				return nil, err
			}
		}
		if sawSlice && startsPicture(nal) {
			a.held = nal
			return accessUnit(nals, a.frameDur), nil
		}
		nals = append(nals, nal)
		if isSlice(nal) {
			sawSlice = true
		}
	}
}

// H264Source loops over an Annex B file at a fixed frame rate, one access
// unit per frame.
type H264Source struct {
	mu     sync.Mutex
	file   *os.File
	reader *h264reader.H264Reader
	au     *auReader
	pace   *pacer
	// sawNAL guards against spinning on a file with no NAL units.
	sawNAL bool
}

func OpenH264(path string, frameDur time.Duration) (*H264Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := h264reader.NewReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s := &H264Source{file: f, reader: r, pace: newPacer()}
	s.au = &auReader{next: s.nextNAL, frameDur: frameDur}
	return s, nil
}

func (s *H264Source) MimeType() string { return webrtc.MimeTypeH264 }

func (s *H264Source) NextFrame() (*domain.MediaFrame, error) {
	f, err := s.read()
	if err != nil {
		return nil, err
	}
	if f.Duration > 0 {
		if err := s.pace.wait(f.Duration); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (s *H264Source) read() (*domain.MediaFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil, errClosed
	}
	return s.au.read()
}

// nextNAL is called with mu held and wraps around at the end of the file.
func (s *H264Source) nextNAL() (*h264reader.NAL, error) {
	nal, err := s.reader.NextNAL()
	if errors.Is(err, io.EOF) && s.sawNAL {
		if err := rewind(s.file); err != nil {
			return nil, err
		}
		s.reader, err = h264reader.NewReader(bufio.NewReader(s.file))
		if err != nil {
			return nil, err
		}
		nal, err = s.reader.NextNAL()
	}
	if err != nil {
		return nil, err
	}
	s.sawNAL = true
	return nal, nil
}

func (s *H264Source) Close() error {
	s.pace.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.reader = nil
	return err
}
