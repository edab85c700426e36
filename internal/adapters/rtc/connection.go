package rtc

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/dkeye/Broadcast/internal/core"
	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const streamID = "broadcast"

// Connection wraps a pion PeerConnection. Outbound tracks are fed from
// relay handles by one pump goroutine each.
type Connection struct {
	pc     *webrtc.PeerConnection
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	onState func(core.ConnState)
	onICE   func(domain.Candidate)
	tracks  int

	closeOnce sync.Once
	closeErr  error
}

var _ core.Connection = (*Connection)(nil)

func newConnection(pc *webrtc.PeerConnection) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{pc: pc, ctx: ctx, cancel: cancel}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(mapState(s))
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			ci := cand.ToJSON()
			fn(domain.Candidate{Candidate: ci.Candidate, SDPMid: ci.SDPMid, SDPMLineIndex: ci.SDPMLineIndex})
		}
	})

	return c
}

func mapState(s webrtc.PeerConnectionState) core.ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.ConnStateFailed
	case webrtc.PeerConnectionStateClosed:
		return core.ConnStateClosed
	default:
		return core.ConnStateNew
	}
}

func toPion(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromPion(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func (c *Connection) SetRemoteDescription(d domain.SessionDescription) error {
	return c.pc.SetRemoteDescription(toPion(d))
}

func (c *Connection) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (c *Connection) SetLocalDescription(d domain.SessionDescription) error {
	return c.pc.SetLocalDescription(toPion(d))
}

func (c *Connection) LocalDescription() *domain.SessionDescription {
	ld := c.pc.LocalDescription()
	if ld == nil {
		return nil
	}
	d := fromPion(*ld)
	return &d
}

func (c *Connection) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(c.pc)
}

func (c *Connection) AddICECandidate(cand domain.Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

// AddTrack creates a sample track for h and starts pumping its frames.
// The pump stops when the handle or the connection is closed.
func (c *Connection) AddTrack(h core.FrameHandle) error {
	if c.ctx.Err() != nil {
		return errors.New("connection closed")
	}
	mime := h.MimeType()
	kind := "video"
	if strings.HasPrefix(strings.ToLower(mime), "audio/") {
		kind = "audio"
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		kind+"-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return err
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tracks++
	c.mu.Unlock()

	// Read incoming RTCP packets so interceptors like NACK can work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	go c.pump(track, h)
	return nil
}

func (c *Connection) pump(track *webrtc.TrackLocalStaticSample, h core.FrameHandle) {
	logger := log.With().Str("module", "rtc").Str("track_id", track.ID()).Logger()
	logger.Debug().Str("mime", h.MimeType()).Msg("pump started")
	for {
		f, err := h.Next(c.ctx)
		if err != nil {
			logger.Debug().Err(err).Msg("pump stopped")
			return
		}
		if err := track.WriteSample(media.Sample{Data: f.Data, Duration: f.Duration}); err != nil {
			logger.Warn().Err(err).Msg("write sample")
		}
	}
}

func (c *Connection) TrackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracks
}

// Close stops the pumps and closes the peer connection. Later calls return
// the first result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.pc.Close()
	})
	return c.closeErr
}

func (c *Connection) OnStateChange(fn func(core.ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Connection) OnICECandidate(fn func(domain.Candidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}
