package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/obsidianstack/obsidianrum/agent/internal/replay"
	"github.com/obsidianstack/obsidianrum/pkg/types"
)

// maxLine bounds a single NDJSON input line.
const maxLine = 1 << 20

// envelope is one line of agent input. Exactly one field is expected.
type envelope struct {
	Error  *types.Payload     `json:"error,omitempty"`
	Replay *types.ReplayEvent `json:"replay,omitempty"`

	// Rrweb carries an opaque recorder event; At defaults to now.
	Rrweb json.RawMessage `json:"rrweb,omitempty"`
	At    int64           `json:"t,omitempty"`
}

// producer is the part of the monitor the input loop feeds.
type producer interface {
	TriggerError(rec types.ErrorRecord) types.Result
	Replay() *replay.Buffer
}

// openInput resolves "-" to stdin.
func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	return f, nil
}

// consume reads NDJSON envelopes from r until EOF or ctx is cancelled and
// returns the number of error records handed to p. Malformed lines are
// logged and skipped.
func consume(ctx context.Context, r io.Reader, p producer) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	errorsIn := 0
	line := 0
	for sc.Scan() {
		if ctx.Err() != nil {
			return errorsIn, ctx.Err()
		}
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Warn("input: skipping malformed line", "line", line, "err", err)
			continue
		}

		switch {
		case env.Error != nil:
			res := p.TriggerError(types.FromPayload(*env.Error))
			slog.Debug("input: error record", "line", line, "result", res.String())
			errorsIn++
		case env.Replay != nil:
			if buf := p.Replay(); buf != nil {
				buf.Record(*env.Replay)
			}
		case len(env.Rrweb) > 0:
			if buf := p.Replay(); buf != nil {
				at := time.Now()
				if env.At != 0 {
					at = time.UnixMilli(env.At)
				}
				buf.RecordRaw(env.Rrweb, at)
			}
		default:
			slog.Warn("input: line carries no error, replay or rrweb field", "line", line)
		}
	}
	if err := sc.Err(); err != nil {
		return errorsIn, fmt.Errorf("input: read: %w", err)
	}
	return errorsIn, nil
}
