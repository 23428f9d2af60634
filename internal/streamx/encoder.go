package streamx

import (
	"fmt"
	"io"
	"net/http"
)

// Encoder writes visible text and control frames to the outbound stream,
// enforcing the protocol's ordering guarantees. When the underlying writer is
// an http.Flusher, every write is flushed so tokens reach the client as they
// are generated.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher

	wroteText    bool
	wroteSession bool
	wroteToken   bool
}

// NewEncoder wraps w. Flushing is enabled when w implements http.Flusher.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// WriteSessionInfo emits the session metadata frame. Valid only once, and
// only before any visible text.
func (e *Encoder) WriteSessionInfo(info SessionInfo) error {
	if e.wroteToken {
		return fmt.Errorf("stream already finalized")
	}
	if e.wroteSession {
		return fmt.Errorf("session info frame already written")
	}
	if e.wroteText {
		return fmt.Errorf("session info frame must precede visible text")
	}
	e.wroteSession = true
	return e.write(SessionInfoMarker + ":" + string(info.marshal()) + "\n")
}

// WriteText emits visible model text.
func (e *Encoder) WriteText(s string) error {
	if e.wroteToken {
		return fmt.Errorf("stream already finalized")
	}
	if s == "" {
		return nil
	}
	e.wroteText = true
	return e.write(s)
}

// WriteMemoryToken emits the refreshed memory token frame and finalizes the
// stream; nothing may follow it.
func (e *Encoder) WriteMemoryToken(token string) error {
	if e.wroteToken {
		return fmt.Errorf("memory token frame already written")
	}
	e.wroteToken = true
	return e.write(MemoryTokenMarker + ":" + token)
}

func (e *Encoder) write(s string) error {
	if _, err := io.WriteString(e.w, s); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
