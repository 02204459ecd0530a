package types

import "time"

// Payload is the JSON body of a single report as accepted by the ingestion
// endpoint. Network fields are only populated for network records.
type Payload struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Line      int    `json:"line,omitempty"`
	Column    int    `json:"column,omitempty"`
	Timestamp int64  `json:"timestamp"` // epoch ms
	URL       string `json:"url"`
	UserAgent string `json:"userAgent"`

	RequestMethod      string            `json:"requestMethod,omitempty"`
	RequestURL         string            `json:"requestUrl,omitempty"`
	ResponseStatus     int               `json:"responseStatus,omitempty"`
	ResponseStatusText string            `json:"responseStatusText,omitempty"`
	RequestDuration    int64             `json:"requestDuration,omitempty"` // ms
	RequestType        string            `json:"requestType,omitempty"`
	RequestQuery       string            `json:"requestQuery,omitempty"`
	RequestBody        any               `json:"requestBody,omitempty"`
	RequestHeaders     map[string]string `json:"requestHeaders,omitempty"`
	ResponseBody       any               `json:"responseBody,omitempty"`
	ResponseHeaders    map[string]string `json:"responseHeaders,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	Aggregate *WireAggregate `json:"_aggregate,omitempty"`
}

// WireAggregate is the `_aggregate` annotation of a flushed bucket.
type WireAggregate struct {
	Count       int   `json:"count"`
	FirstSeenAt int64 `json:"firstSeenAt"`
	LastSeenAt  int64 `json:"lastSeenAt"`
}

// BatchPayload is the JSON body posted to the batch endpoint.
type BatchPayload struct {
	Timestamp int64     `json:"timestamp"`
	Count     int       `json:"count"`
	Errors    []Payload `json:"errors"`
}

// ToPayload maps a record onto the wire format.
func ToPayload(r ErrorRecord) Payload {
	p := Payload{
		ID:        r.ID,
		Type:      r.Kind.Wire(),
		Message:   r.Message,
		Stack:     r.Stack,
		Filename:  r.Filename,
		Line:      r.Line,
		Column:    r.Column,
		Timestamp: EpochMillis(r.OccurredAt),
		URL:       r.URL,
		UserAgent: r.UserAgent,
		Metadata:  r.Metadata,
	}
	if p.Filename == "" && r.Resource != nil {
		p.Filename = r.Resource.Source
	}
	if r.Kind == KindNetwork && r.Network != nil {
		n := r.Network
		p.RequestMethod = n.Method
		p.RequestURL = n.URL
		p.ResponseStatus = n.Status
		p.ResponseStatusText = n.StatusText
		p.RequestDuration = n.Duration.Milliseconds()
		p.RequestType = n.RequestType
		p.RequestQuery = n.Query
		p.RequestBody = n.RequestBody
		p.RequestHeaders = n.RequestHeaders
		p.ResponseBody = n.ResponseBody
		p.ResponseHeaders = n.ResponseHeaders
	}
	if r.Aggregate != nil {
		p.Aggregate = &WireAggregate{
			Count:       r.Aggregate.Count,
			FirstSeenAt: EpochMillis(r.Aggregate.FirstSeenAt),
			LastSeenAt:  EpochMillis(r.Aggregate.LastSeenAt),
		}
	}
	return p
}

// FromPayload maps a wire payload back onto a record. Metadata is kept as
// decoded; the aggregate annotation is restored when present.
func FromPayload(p Payload) ErrorRecord {
	r := ErrorRecord{
		ID:        p.ID,
		Kind:      KindFromWire(p.Type),
		Message:   p.Message,
		Stack:     p.Stack,
		Filename:  p.Filename,
		Line:      p.Line,
		Column:    p.Column,
		URL:       p.URL,
		UserAgent: p.UserAgent,
		Metadata:  p.Metadata,
	}
	if p.Timestamp != 0 {
		r.OccurredAt = time.UnixMilli(p.Timestamp).UTC()
	}
	switch r.Kind {
	case KindNetwork:
		r.Network = &NetworkContext{
			Method:          p.RequestMethod,
			URL:             p.RequestURL,
			Status:          p.ResponseStatus,
			StatusText:      p.ResponseStatusText,
			Duration:        time.Duration(p.RequestDuration) * time.Millisecond,
			RequestType:     p.RequestType,
			Query:           p.RequestQuery,
			RequestBody:     p.RequestBody,
			RequestHeaders:  p.RequestHeaders,
			ResponseBody:    p.ResponseBody,
			ResponseHeaders: p.ResponseHeaders,
		}
	case KindResource:
		r.Resource = &ResourceContext{Source: p.Filename}
	}
	if a := p.Aggregate; a != nil {
		r.Aggregate = &Aggregate{
			Count:       a.Count,
			FirstSeenAt: time.UnixMilli(a.FirstSeenAt).UTC(),
			LastSeenAt:  time.UnixMilli(a.LastSeenAt).UTC(),
		}
	}
	return r
}

// NewBatchPayload maps records onto the batch wire format.
func NewBatchPayload(records []ErrorRecord, now time.Time) BatchPayload {
	b := BatchPayload{
		Timestamp: EpochMillis(now),
		Count:     len(records),
		Errors:    make([]Payload, 0, len(records)),
	}
	for _, r := range records {
		b.Errors = append(b.Errors, ToPayload(r))
	}
	return b
}

// EpochMillis returns t as milliseconds since the Unix epoch, 0 for the zero time.
func EpochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
