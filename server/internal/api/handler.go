package api

import (
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/obsidianstack/obsidianrum/server/internal/store"
)

// Handler serves the /api/v1 read endpoints from the record store.
type Handler struct {
	store *store.Store
	now   func() time.Time
}

// Register creates a Handler wired to st and mounts its routes on r.
func Register(r fiber.Router, st *store.Store) *Handler {
	h := &Handler{store: st, now: time.Now}
	r.Get("/api/v1/health", h.health)
	r.Get("/api/v1/errors", h.listErrors)
	r.Get("/api/v1/errors/:id", h.getError)
	r.Get("/api/v1/summary", h.summary)
	return h
}

// health returns GET /api/v1/health.
func (h *Handler) health(c *fiber.Ctx) error {
	entries := h.store.List("")
	resp := HealthResponse{
		Status:      "ok",
		Records:     len(entries),
		GeneratedAt: h.now().UTC().Format(time.RFC3339),
	}
	for _, e := range entries {
		resp.Occurrences += occurrences(e)
	}
	return c.JSON(resp)
}

// listErrors returns GET /api/v1/errors.
func (h *Handler) listErrors(c *fiber.Ctx) error {
	kind := strings.ToUpper(c.Query("type"))
	entries := h.store.List(kind)
	out := make([]RecordResponse, 0, len(entries))
	for _, e := range entries {
		r := toRecordResponse(e)
		r.Replay = nil // listing omits replay bodies
		out = append(out, r)
	}
	return c.JSON(out)
}

// getError returns GET /api/v1/errors/:id.
func (h *Handler) getError(c *fiber.Ctx) error {
	e, ok := h.store.Get(c.Params("id"))
	// Stale entries are treated as not found.
	if !ok || h.now().Sub(e.ReceivedAt) > h.store.TTL() {
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "record not found"})
	}
	return c.JSON(toRecordResponse(e))
}

// summary returns GET /api/v1/summary, ordered by type.
func (h *Handler) summary(c *fiber.Ctx) error {
	byType := make(map[string]*TypeSummary)
	for _, e := range h.store.List("") {
		s, ok := byType[e.Record.Type]
		if !ok {
			s = &TypeSummary{Type: e.Record.Type}
			byType[e.Record.Type] = s
		}
		s.Records++
		s.Occurrences += occurrences(e)
		if last := lastSeen(e); last > s.LastSeen {
			s.LastSeen = last
		}
	}

	out := make([]TypeSummary, 0, len(byType))
	for _, s := range byType {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b TypeSummary) int { return strings.Compare(a.Type, b.Type) })
	return c.JSON(out)
}

// --- helpers ----------------------------------------------------------------

func occurrences(e *store.Entry) int {
	if a := e.Record.Aggregate; a != nil && a.Count > 0 {
		return a.Count
	}
	return 1
}

func lastSeen(e *store.Entry) int64 {
	if a := e.Record.Aggregate; a != nil && a.LastSeenAt > 0 {
		return a.LastSeenAt
	}
	return e.Record.Timestamp
}

func toRecordResponse(e *store.Entry) RecordResponse {
	return RecordResponse{
		ID:          e.ID,
		ReceivedAt:  e.ReceivedAt.UTC().Format(time.RFC3339),
		Occurrences: occurrences(e),
		Record:      e.Record,
		Replay:      e.Replay,
	}
}
