package orch

import (
	"strings"

	"github.com/dkeye/Broadcast/internal/app"
	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"
)

// DeclaresMedia reports whether an offer asks for audio or video.
// The SDP is otherwise passed through untouched; when it does not parse,
// a plain scan for media lines is used instead.
func DeclaresMedia(raw string) bool {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err == nil {
		for _, md := range desc.MediaDescriptions {
			switch md.MediaName.Media {
			case "video", "audio":
				return true
			}
		}
		return false
	}
	return strings.Contains(raw, "m=video") || strings.Contains(raw, "m=audio")
}

// attachMedia subscribes the session to the relay. An unavailable relay
// leaves the session without media instead of failing it.
func (o *Orchestrator) attachMedia(sess *app.Session) {
	logger := log.With().Str("module", "orch").Str("sid", string(sess.ID())).Logger()
	if o.Relay == nil {
		logger.Warn().Msg("no relay configured, continuing without media")
		return
	}
	ot, err := o.Relay.Subscribe()
	if err != nil {
		logger.Warn().Err(err).Msg("media unavailable, continuing without media")
		return
	}
	if err := sess.Conn().AddTrack(ot); err != nil {
		ot.Close()
		logger.Error().Err(err).Msg("add track, continuing without media")
		return
	}
	sess.AttachTrack(ot)
	logger.Info().Str("mime", ot.MimeType()).Msg("subscribed to relay")
}
