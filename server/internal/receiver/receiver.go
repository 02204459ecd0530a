package receiver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/obsidianstack/obsidianrum/pkg/types"
	"github.com/obsidianstack/obsidianrum/server/internal/store"
)

// Route paths.
const (
	ReportPath = "/api/v1/errors/report"
	BatchPath  = "/api/v1/errors/report/batch"
)

var (
	errMissingType    = errors.New("type is required")
	errMissingMessage = errors.New("message is required")
)

// AcceptedResponse is returned for every accepted request.
type AcceptedResponse struct {
	Accepted int      `json:"accepted"`
	IDs      []string `json:"ids"`
}

// ErrorResponse is returned for rejected requests.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Receiver validates incoming payloads and writes them to the record store.
type Receiver struct {
	store *store.Store
}

// New creates a Receiver that writes accepted records to st.
func New(st *store.Store) *Receiver {
	return &Receiver{store: st}
}

// Register mounts the ingestion routes on r.
func (h *Receiver) Register(r fiber.Router) {
	r.Post(ReportPath, h.Report)
	r.Post(BatchPath, h.ReportBatch)
}

// Report handles a single wire payload.
func (h *Receiver) Report(c *fiber.Ctx) error {
	var p types.Payload
	if err := c.BodyParser(&p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid_json", Message: err.Error()})
	}

	replay, err := check(p)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid_record", Message: err.Error()})
	}

	id := h.store.Put(p, replay)
	slog.Debug("receiver: record stored", "id", id, "type", p.Type, "count", aggregateCount(p))
	return c.Status(fiber.StatusAccepted).JSON(AcceptedResponse{Accepted: 1, IDs: []string{id}})
}

// ReportBatch handles a batch body. The batch is validated as a whole
// before anything is stored.
func (h *Receiver) ReportBatch(c *fiber.Ctx) error {
	var b types.BatchPayload
	if err := c.BodyParser(&b); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid_json", Message: err.Error()})
	}
	if len(b.Errors) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "errors_list_required"})
	}
	if b.Count != 0 && b.Count != len(b.Errors) {
		slog.Warn("receiver: batch count mismatch", "count", b.Count, "errors", len(b.Errors))
	}

	replays := make([]json.RawMessage, len(b.Errors))
	for i, p := range b.Errors {
		replay, err := check(p)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "invalid_record",
				Message: fmt.Sprintf("errors[%d]: %v", i, err),
			})
		}
		replays[i] = replay
	}

	ids := make([]string, 0, len(b.Errors))
	for i, p := range b.Errors {
		ids = append(ids, h.store.Put(p, replays[i]))
	}
	slog.Debug("receiver: batch stored", "records", len(ids))
	return c.Status(fiber.StatusAccepted).JSON(AcceptedResponse{Accepted: len(ids), IDs: ids})
}

// check validates p and decodes its replay attachment, if any.
func check(p types.Payload) (json.RawMessage, error) {
	if p.Type == "" {
		return nil, errMissingType
	}
	if p.Message == "" {
		return nil, errMissingMessage
	}

	raw, ok := p.Metadata[types.MetadataReplay]
	if !ok {
		return nil, nil
	}
	// Metadata is decoded generically; round-trip the replay entry into
	// its typed form.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("metadata.replay: %w", err)
	}
	var snap types.ReplaySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("metadata.replay: %w", err)
	}
	events, err := snap.EventsJSON()
	if err != nil {
		return nil, fmt.Errorf("metadata.replay: %w", err)
	}
	if !json.Valid(events) {
		return nil, errors.New("metadata.replay: events are not valid JSON")
	}
	return events, nil
}

func aggregateCount(p types.Payload) int {
	if p.Aggregate == nil {
		return 1
	}
	return p.Aggregate.Count
}
