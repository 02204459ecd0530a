package types

import (
	"maps"
	"strings"
	"time"
)

// Kind is the internal (lowercase) classification of a captured fault.
type Kind string

const (
	KindJS          Kind = "js"
	KindResource    Kind = "resource"
	KindNetwork     Kind = "network"
	KindPerformance Kind = "performance"
)

// Wire returns the uppercase enum value the ingestion endpoint expects.
// Unknown kinds are passed through unchanged.
func (k Kind) Wire() string {
	switch k {
	case KindJS:
		return "JS"
	case KindResource:
		return "RESOURCE"
	case KindNetwork:
		return "NETWORK"
	case KindPerformance:
		return "PERFORMANCE"
	default:
		return string(k)
	}
}

// KindFromWire maps an uppercase wire enum back to a Kind. Unknown values
// are lowercased and passed through.
func KindFromWire(s string) Kind {
	return Kind(strings.ToLower(s))
}

// MetadataReplay and MetadataSession are the metadata keys the pipeline
// annotates. Producers should not set them.
const (
	MetadataReplay  = "replay"
	MetadataSession = "sessionId"
)

// ErrorRecord is one captured fault. Producers create it; the pipeline only
// reads it and returns annotated copies (WithAggregate, WithMetadata).
// Callers must not modify a record after handing it to the pipeline.
type ErrorRecord struct {
	ID         string
	Kind       Kind
	Message    string
	Stack      string
	Filename   string
	Line       int
	Column     int
	URL        string // page URL the fault occurred on
	UserAgent  string
	OccurredAt time.Time

	// At most one of Network and Resource is set.
	Network  *NetworkContext
	Resource *ResourceContext

	Metadata  map[string]any
	Aggregate *Aggregate
}

// NetworkContext describes the failed request behind a network record.
type NetworkContext struct {
	Method          string
	URL             string
	Status          int
	StatusText      string
	Duration        time.Duration
	RequestType     string // fetch | xhr | http
	Query           string
	RequestBody     any
	RequestHeaders  map[string]string
	ResponseBody    any
	ResponseHeaders map[string]string
}

// ResourceContext describes the element whose load failed.
type ResourceContext struct {
	TagName string
	Source  string
}

// Aggregate summarises all occurrences of one fingerprint within a window.
type Aggregate struct {
	Count       int
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// WithAggregate returns a copy of r carrying agg.
func (r ErrorRecord) WithAggregate(agg Aggregate) ErrorRecord {
	r.Aggregate = &agg
	return r
}

// WithMetadata returns a copy of r with key set to value. The metadata map
// is cloned so the producer's map is never mutated.
func (r ErrorRecord) WithMetadata(key string, value any) ErrorRecord {
	md := make(map[string]any, len(r.Metadata)+1)
	maps.Copy(md, r.Metadata)
	md[key] = value
	r.Metadata = md
	return r
}

// Count returns the number of occurrences r stands for (1 when unaggregated).
func (r ErrorRecord) Count() int {
	if r.Aggregate == nil || r.Aggregate.Count < 1 {
		return 1
	}
	return r.Aggregate.Count
}
