package fingerprint

import (
	"encoding/hex"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/obsidianstack/obsidianrum/pkg/types"
)

const (
	maxMessageRunes = 200
	stackHeadFrames = 3
)

// lineColSuffix matches ":12:34" position suffixes in stack frames.
var lineColSuffix = regexp.MustCompile(`:\d+:\d+`)

// Of returns the deduplication key for rec.
func Of(rec types.ErrorRecord) string {
	kind := string(rec.Kind)
	if kind == "" {
		kind = "unknown"
	}

	switch {
	case rec.Network != nil:
		method := rec.Network.Method
		if method == "" {
			method = "GET"
		}
		path := NormalizePath(rec.Network.URL, rec.URL)
		return kind + "|" + strings.ToUpper(method) + "|" + path + "|" + strconv.Itoa(rec.Network.Status)

	case rec.Resource != nil:
		src := rec.Resource.Source
		if src == "" {
			src = rec.Filename
		}
		return kind + "|" + strings.ToLower(rec.Resource.TagName) + "|" + NormalizePath(src, rec.URL)

	default:
		return kind + "|" + truncateRunes(rec.Message, maxMessageRunes) + "|" +
			NormalizePath(rec.Filename, rec.URL) + "|" + StackHead(rec.Stack)
	}
}

// NormalizePath resolves raw against base and returns only its path
// component. Input that cannot be parsed falls back to everything before
// the first '?' or '#'.
func NormalizePath(raw, base string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return naivePath(raw)
	}
	if !u.IsAbs() && base != "" {
		if b, err := url.Parse(base); err == nil {
			u = b.ResolveReference(u)
		}
	}
	if u.Opaque != "" {
		return naivePath(u.Opaque)
	}
	return u.Path
}

func naivePath(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}

// StackHead returns the first three stack lines with :line:col suffixes
// removed, joined by ';'.
func StackHead(stack string) string {
	if stack == "" {
		return ""
	}
	lines := strings.Split(stack, "\n")
	if len(lines) > stackHeadFrames {
		lines = lines[:stackHeadFrames]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSpace(lineColSuffix.ReplaceAllString(l, ""))
	}
	return strings.Join(lines, ";")
}

// RetryKey identifies a record in the retry queue by
// (kind, message, filename, line, column). The tuple is hashed so keys stay
// small regardless of message length.
func RetryKey(rec types.ErrorRecord) string {
	h := blake3.New()
	for _, part := range []string{
		string(rec.Kind),
		rec.Message,
		rec.Filename,
		strconv.Itoa(rec.Line),
		strconv.Itoa(rec.Column),
	} {
		// Length-prefix each field so ("a|", "b") and ("a", "|b") differ.
		_, _ = h.Write([]byte(strconv.Itoa(len(part)) + ":" + part))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
