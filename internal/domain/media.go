package domain

import "time"

const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// SessionDescription is an opaque offer or answer payload.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a trickled network candidate as sent by browsers.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// MediaFrame is one encoded frame produced by the upstream source.
type MediaFrame struct {
	Data     []byte
	Duration time.Duration
	IsKey    bool
}
