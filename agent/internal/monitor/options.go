package monitor

import (
	"net/http"

	"github.com/obsidianstack/obsidianrum/agent/internal/clock"
	"github.com/obsidianstack/obsidianrum/agent/internal/state"
	"github.com/obsidianstack/obsidianrum/agent/internal/stats"
	"github.com/obsidianstack/obsidianrum/agent/internal/transport"
)

type options struct {
	clock   clock.Clock
	store   state.Store
	stats   *stats.Stats
	caps    transport.Capabilities
	clients []*http.Client
	pageURL string
}

// Option customizes a Monitor.
type Option func(*options)

// WithClock injects the time source (tests use clock.Fake).
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStore injects the state store for the session ID and markers.
// Defaults to an in-memory store.
func WithStore(s state.Store) Option {
	return func(o *options) { o.store = s }
}

// WithStats shares a counter set, e.g. the one served on /metrics.
func WithStats(s *stats.Stats) Option {
	return func(o *options) { o.stats = s }
}

// WithCapabilities restricts the transports the fallback chain may pick.
func WithCapabilities(c transport.Capabilities) Option {
	return func(o *options) { o.caps = c }
}

// WithHTTPClients lists the clients network capture is installed on.
func WithHTTPClients(clients ...*http.Client) Option {
	return func(o *options) { o.clients = clients }
}

// WithPageURL sets the URL stamped on captured network records.
func WithPageURL(url string) Option {
	return func(o *options) { o.pageURL = url }
}
