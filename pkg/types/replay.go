package types

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Replay schema versions and encodings.
const (
	ReplayVersionLite  = "lite-1"
	ReplayVersionRrweb = "rrweb-1"
	EncodingGzipBase64 = "gzip+base64"
)

// ReplayEvent is one interaction event in the lite recording schema.
type ReplayEvent struct {
	T       int64    `json:"t"` // epoch ms
	Type    string   `json:"type"`
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
	Target  string   `json:"target,omitempty"`
	Value   string   `json:"value,omitempty"`
	ScrollX *float64 `json:"scrollX,omitempty"`
	ScrollY *float64 `json:"scrollY,omitempty"`
}

// ReplaySnapshot is a size-bounded serialization of the replay buffer at a
// point in time. Exactly one of Payload (compressed) and Events (inline)
// carries the events.
type ReplaySnapshot struct {
	SessionID   string          `json:"sessionId,omitempty"`
	StartedAt   int64           `json:"startedAt"`
	EndedAt     int64           `json:"endedAt"`
	EventsCount int             `json:"eventsCount"`
	Bytes       int             `json:"bytes"`
	Version     string          `json:"version"`
	Rrweb       bool            `json:"rrweb,omitempty"`
	Encoding    string          `json:"encoding,omitempty"`
	Payload     string          `json:"payload,omitempty"`
	Events      json.RawMessage `json:"events,omitempty"`
}

// EventsJSON returns the JSON array of events, decoding the compressed
// payload when present.
func (s *ReplaySnapshot) EventsJSON() (json.RawMessage, error) {
	switch s.Encoding {
	case "":
		if len(s.Events) == 0 {
			return json.RawMessage("[]"), nil
		}
		return s.Events, nil
	case EncodingGzipBase64:
		raw, err := base64.StdEncoding.DecodeString(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("replay: decode base64: %w", err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("replay: open gzip: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("replay: read gzip: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("replay: unsupported encoding %q", s.Encoding)
	}
}
