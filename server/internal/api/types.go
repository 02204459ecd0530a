package api

import (
	"encoding/json"

	"github.com/obsidianstack/obsidianrum/pkg/types"
)

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Records     int    `json:"records"`
	Occurrences int    `json:"occurrences"`
	GeneratedAt string `json:"generatedAt"`
}

// RecordResponse is one stored record.
type RecordResponse struct {
	ID          string          `json:"id"`
	ReceivedAt  string          `json:"receivedAt"`
	Occurrences int             `json:"occurrences"`
	Record      types.Payload   `json:"record"`
	Replay      json.RawMessage `json:"replayEvents,omitempty"`
}

// TypeSummary aggregates records of one wire type.
type TypeSummary struct {
	Type        string `json:"type"`
	Records     int    `json:"records"`
	Occurrences int    `json:"occurrences"`
	LastSeen    int64  `json:"lastSeen"` // epoch ms of the newest occurrence
}

type errorResponse struct {
	Error string `json:"error"`
}
