package replay

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// identity names the events a serialized view covers.
type identity struct {
	startedAt int64
	endedAt   int64
	count     int
}

type compressJob struct {
	json []byte
	meta identity
}

type compressResult struct {
	payload string
	bytes   int
	meta    identity
}

// compressor encodes buffer views on its own goroutine. Jobs are
// latest-wins: a job still queued when a newer one arrives is discarded.
type compressor struct {
	in   chan compressJob
	done chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	latest *compressResult
}

func newCompressor() *compressor {
	c := &compressor{
		in:   make(chan compressJob, 1),
		done: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *compressor) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case job := <-c.in:
			payload, err := encodeGzipBase64(job.json)
			if err != nil {
				slog.Warn("replay: background compression failed", "events", job.meta.count, "err", err)
				continue
			}
			c.mu.Lock()
			c.latest = &compressResult{payload: payload, bytes: len(payload), meta: job.meta}
			c.mu.Unlock()
		}
	}
}

// submit queues job without blocking, replacing any job not yet started.
func (c *compressor) submit(job compressJob) {
	select {
	case c.in <- job:
		return
	default:
	}
	select {
	case <-c.in:
	default:
	}
	select {
	case c.in <- job:
	default:
		// Lost the race to another submit; that job is at least as new.
	}
}

// cached returns the latest result if it covers meta.
func (c *compressor) cached(meta identity) (compressResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil || c.latest.meta != meta {
		return compressResult{}, false
	}
	return *c.latest, true
}

func (c *compressor) stop() {
	close(c.done)
	c.wg.Wait()
}

// encodeGzipBase64 gzips data and returns it base64 (std) encoded.
func encodeGzipBase64(data []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("replay: gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("replay: gzip close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
