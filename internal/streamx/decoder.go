package streamx

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DecodeResult is everything a client recovers from one response stream.
type DecodeResult struct {
	VisibleText string
	SessionInfo *SessionInfo
	MemoryToken string
}

// Decoder incrementally strips control frames from a response stream. It is
// chunk-fed: call Feed for each received chunk, then Finish once the stream
// ends. Frames may straddle chunk boundaries; visible text is recovered in
// original order.
type Decoder struct {
	buf     []byte
	visible strings.Builder

	session  *SessionInfo
	token    string
	hasToken bool
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one received chunk.
func (d *Decoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)
	d.drain(false)
}

// Finish flushes any buffered tail and returns the decoded result. The
// memory-token frame carries no trailing newline, so it is only complete here.
func (d *Decoder) Finish() DecodeResult {
	d.drain(true)
	return DecodeResult{
		VisibleText: d.visible.String(),
		SessionInfo: d.session,
		MemoryToken: d.token,
	}
}

var markers = [][]byte{
	[]byte(SessionInfoMarker),
	[]byte(MemoryTokenMarker),
}

func (d *Decoder) drain(final bool) {
	for {
		idx, marker := nextMarker(d.buf)
		if idx < 0 {
			break
		}

		rest := d.buf[idx+len(marker):]
		// Frame payload runs from the ':' after the marker to the next
		// newline, or to end of stream for the final token frame.
		if len(rest) == 0 {
			if !final {
				d.emit(d.buf[:idx])
				d.buf = d.buf[idx:]
				return
			}
			// Bare marker at end of stream: ordinary visible text.
			d.emit(d.buf)
			d.buf = nil
			return
		}
		if rest[0] != ':' {
			// Marker text without a frame separator is ordinary visible text.
			d.emit(d.buf[:idx+len(marker)])
			d.buf = d.buf[idx+len(marker):]
			continue
		}

		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 && !final {
			d.emit(d.buf[:idx])
			d.buf = d.buf[idx:]
			return
		}

		d.emit(d.buf[:idx])
		var payload []byte
		if nl >= 0 {
			payload = rest[1:nl]
			d.buf = rest[nl+1:]
		} else {
			payload = rest[1:]
			d.buf = nil
		}
		d.record(string(marker), payload)
	}

	if final {
		d.emit(d.buf)
		d.buf = nil
		return
	}

	// Hold back a tail that could be the beginning of a marker split across
	// chunks; everything before it is safe to emit.
	keep := partialMarkerSuffix(d.buf)
	d.emit(d.buf[:len(d.buf)-keep])
	d.buf = d.buf[len(d.buf)-keep:]
}

func (d *Decoder) emit(b []byte) {
	if len(b) > 0 {
		d.visible.Write(b)
	}
}

func (d *Decoder) record(marker string, payload []byte) {
	switch marker {
	case SessionInfoMarker:
		if d.session != nil {
			return
		}
		var info SessionInfo
		if err := json.Unmarshal(payload, &info); err == nil {
			d.session = &info
		}
	case MemoryTokenMarker:
		if d.hasToken {
			return
		}
		d.hasToken = true
		d.token = string(payload)
	}
}

// nextMarker returns the earliest complete marker occurrence in buf.
func nextMarker(buf []byte) (int, []byte) {
	best := -1
	var found []byte
	for _, m := range markers {
		if i := bytes.Index(buf, m); i >= 0 && (best < 0 || i < best) {
			best = i
			found = m
		}
	}
	return best, found
}

// partialMarkerSuffix returns the length of the longest buf suffix that is a
// proper prefix of some marker.
func partialMarkerSuffix(buf []byte) int {
	maxLen := len(SessionInfoMarker) - 1
	if len(buf) < maxLen {
		maxLen = len(buf)
	}
	for k := maxLen; k > 0; k-- {
		tail := buf[len(buf)-k:]
		for _, m := range markers {
			if bytes.HasPrefix(m, tail) {
				return k
			}
		}
	}
	return 0
}
