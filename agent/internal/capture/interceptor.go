package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/obsidianstack/obsidianrum/pkg/types"
)

const (
	// maxBodyBytes bounds how much of a request or response body is kept.
	maxBodyBytes = 1000
	requestType  = "http"
)

// redactedHeaders are never copied into records.
var redactedHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
}

// EmitFunc receives captured records.
type EmitFunc func(types.ErrorRecord)

// Options configures an Interceptor.
type Options struct {
	// ReportURLs are always excluded by prefix.
	ReportURLs []string

	// ExcludePatterns are regular expressions matched against request URLs.
	ExcludePatterns []string

	// SlowRequest reports successful requests at least this slow as
	// performance records. Zero disables it.
	SlowRequest time.Duration

	// PageURL and UserAgent are stamped on every record.
	PageURL   string
	UserAgent string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Interceptor observes requests made through the transports it wraps.
type Interceptor struct {
	opts    Options
	exclude []*regexp.Regexp
	emit    EmitFunc

	mu        sync.Mutex
	installed map[*http.Client]http.RoundTripper
}

// New compiles opts and returns an Interceptor that hands records to emit.
func New(opts Options, emit EmitFunc) (*Interceptor, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	i := &Interceptor{opts: opts, emit: emit, installed: make(map[*http.Client]http.RoundTripper)}
	for _, p := range opts.ExcludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("capture: exclude pattern %q: %w", p, err)
		}
		i.exclude = append(i.exclude, re)
	}
	return i, nil
}

// Wrap returns a RoundTripper that observes requests sent through base.
// A nil base means http.DefaultTransport.
func (i *Interceptor) Wrap(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripper{base: base, i: i}
}

// Install wraps c's transport. Installing twice on the same client is a
// no-op.
func (i *Interceptor) Install(c *http.Client) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.installed[c]; ok {
		return
	}
	i.installed[c] = c.Transport
	c.Transport = i.Wrap(c.Transport)
}

// Uninstall restores the original transport of every client Install
// wrapped, unless the client's transport was replaced since.
func (i *Interceptor) Uninstall() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for c, orig := range i.installed {
		if rt, ok := c.Transport.(*roundTripper); ok && rt.i == i {
			c.Transport = orig
		}
		delete(i.installed, c)
	}
}

func (i *Interceptor) excluded(req *http.Request) bool {
	if Suppressed(req.Context()) {
		return true
	}
	url := req.URL.String()
	for _, prefix := range i.opts.ReportURLs {
		if prefix != "" && strings.HasPrefix(url, prefix) {
			return true
		}
	}
	for _, re := range i.exclude {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

type roundTripper struct {
	base http.RoundTripper
	i    *Interceptor
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	i := rt.i
	if i.excluded(req) {
		return rt.base.RoundTrip(req)
	}

	reqBody := peekRequestBody(req)
	start := i.opts.Now()
	resp, err := rt.base.RoundTrip(req)
	elapsed := i.opts.Now().Sub(start)

	switch {
	case err != nil:
		i.emit(i.networkRecord(req, reqBody, elapsed, 0, "Network Error", err.Error(), nil, nil))
	case resp.StatusCode >= 400:
		respBody := peekResponseBody(resp)
		statusText := http.StatusText(resp.StatusCode)
		msg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, statusText)
		i.emit(i.networkRecord(req, reqBody, elapsed, resp.StatusCode, statusText, msg, respBody, flatten(resp.Header)))
	case i.opts.SlowRequest > 0 && elapsed >= i.opts.SlowRequest:
		i.emit(types.ErrorRecord{
			Kind:       types.KindPerformance,
			Message:    fmt.Sprintf("Slow request: %s %s took %dms", req.Method, req.URL.Redacted(), elapsed.Milliseconds()),
			Filename:   req.URL.Redacted(),
			URL:        i.opts.PageURL,
			UserAgent:  i.opts.UserAgent,
			OccurredAt: start,
			Metadata: map[string]any{
				"duration":  elapsed.Milliseconds(),
				"threshold": i.opts.SlowRequest.Milliseconds(),
			},
		})
	}
	return resp, err
}

func (i *Interceptor) networkRecord(req *http.Request, reqBody any, elapsed time.Duration,
	status int, statusText, detail string, respBody any, respHeaders map[string]string) types.ErrorRecord {
	url := req.URL.Redacted()
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	query := ""
	if req.URL.RawQuery != "" {
		query = "?" + req.URL.RawQuery
	}
	return types.ErrorRecord{
		Kind:       types.KindNetwork,
		Message:    fmt.Sprintf("HTTP %s %s - %s", method, url, detail),
		Filename:   url,
		URL:        i.opts.PageURL,
		UserAgent:  i.opts.UserAgent,
		OccurredAt: i.opts.Now(),
		Network: &types.NetworkContext{
			Method:          method,
			URL:             url,
			Status:          status,
			StatusText:      statusText,
			Duration:        elapsed,
			RequestType:     requestType,
			Query:           query,
			RequestBody:     reqBody,
			RequestHeaders:  flatten(req.Header),
			ResponseBody:    respBody,
			ResponseHeaders: respHeaders,
		},
	}
}

// peekRequestBody reads up to maxBodyBytes of a replayable request body.
// Bodies without GetBody are not read so the request is left intact.
func peekRequestBody(req *http.Request) any {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody == nil {
		return nil
	}
	rc, err := req.GetBody()
	if err != nil {
		return nil
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxBodyBytes+1))
	if err != nil || len(data) == 0 {
		return nil
	}
	return truncate(string(data))
}

// peekResponseBody reads the head of the response body and puts it back in
// front of the remainder.
func peekResponseBody(resp *http.Response) any {
	if resp.Body == nil {
		return nil
	}
	head, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	resp.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(head), resp.Body), Closer: resp.Body}
	if err != nil {
		return "[Unable to read response]"
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/json"):
		var v any
		if len(head) <= maxBodyBytes && json.Unmarshal(head, &v) == nil {
			return v
		}
		return truncate(string(head))
	case strings.HasPrefix(contentType, "text/"):
		return truncate(string(head))
	default:
		if contentType == "" {
			contentType = "Unknown content type"
		}
		size := "unknown"
		if resp.ContentLength >= 0 {
			size = fmt.Sprint(resp.ContentLength)
		}
		return fmt.Sprintf("[%s: %s bytes]", contentType, size)
	}
}

type replayBody struct {
	io.Reader
	io.Closer
}

func truncate(s string) string {
	if len(s) > maxBodyBytes {
		return s[:maxBodyBytes] + "..."
	}
	return s
}

// flatten copies single-valued headers, lowercasing names and dropping
// credentials.
func flatten(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		name := strings.ToLower(k)
		if redactedHeaders[name] || len(v) == 0 {
			continue
		}
		out[name] = strings.Join(v, ", ")
	}
	return out
}
