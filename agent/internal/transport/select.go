package transport

import (
	"fmt"
	"log/slog"

	"github.com/obsidianstack/obsidianrum/agent/internal/config"
	"github.com/obsidianstack/obsidianrum/agent/internal/stats"
)

// Capabilities lists the senders available to the host process. A plain Go
// process has all of them; embedders and tests switch them off.
type Capabilities struct {
	Fetch  bool
	XHR    bool
	Beacon bool
}

// AllCapabilities returns Capabilities with every sender available.
func AllCapabilities() Capabilities {
	return Capabilities{Fetch: true, XHR: true, Beacon: true}
}

func (c Capabilities) has(name string) bool {
	switch name {
	case NameFetch:
		return c.Fetch
	case NameXHR:
		return c.XHR
	case NameBeacon:
		return c.Beacon
	}
	return false
}

// Select evaluates the fallback chain once and builds the first available
// sender. With type auto the chain is fallback.priority; an explicit type is
// tried first and falls back down the priority list when not available.
func Select(cfg config.ReportConfig, caps Capabilities) (*HTTP, error) {
	for _, name := range chain(cfg.Transport) {
		if !caps.has(name) {
			slog.Debug("transport: not available, falling back", "transport", name)
			continue
		}
		switch name {
		case NameFetch:
			return NewFetch(cfg)
		case NameXHR:
			return NewXHR(cfg)
		}
	}
	return nil, ErrNoTransport
}

// SelectBeacon builds the unload sender, or ErrNoTransport when beacons are
// not available.
func SelectBeacon(cfg config.ReportConfig, caps Capabilities, st *stats.Stats) (*Beacon, error) {
	if !caps.Beacon {
		return nil, fmt.Errorf("%w: beacon", ErrNoTransport)
	}
	return NewBeacon(cfg, st)
}

func chain(cfg config.TransportConfig) []string {
	priority := cfg.Fallback.Priority
	if len(priority) == 0 {
		priority = []string{NameFetch, NameXHR}
	}
	if cfg.Type == "" || cfg.Type == config.TransportAuto {
		return priority
	}
	out := []string{cfg.Type}
	for _, name := range priority {
		if name != cfg.Type {
			out = append(out, name)
		}
	}
	return out
}
