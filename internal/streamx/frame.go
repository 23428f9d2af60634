// Package streamx implements the plain-text stream protocol between the
// gateway and its clients.
//
// DESIGN: Model output is delivered as ordinary bytes. Two auxiliary signals
// ride inside the same stream as reserved single-line control frames:
//
//	__SESSION_INFO__:<one-line json>\n   at most once, before any model text
//	__MEMORY_TOKEN__:<opaque token>      at most once, at the very end
//
// Clients strip both frames by pattern match before displaying accumulated
// text. The decoder buffers at chunk granularity: a frame may share a chunk
// with adjacent visible text or straddle a chunk boundary.
package streamx

import "github.com/courseloop/tutor-gateway/internal/utils"

// Reserved frame markers. A frame is marker + ":" + payload, terminated by a
// newline (the memory-token frame, always last, needs no trailing newline).
const (
	SessionInfoMarker = "__SESSION_INFO__"
	MemoryTokenMarker = "__MEMORY_TOKEN__"
)

// SessionInfo is the payload of the session metadata frame.
type SessionInfo struct {
	RequestID  string `json:"requestId"`
	TopicID    string `json:"topicId"`
	HasMemory  bool   `json:"hasMemory"`
	Mode       string `json:"mode"`
	FromCache  bool   `json:"fromCache,omitempty"`
	SummaryLen int    `json:"summaryLen,omitempty"`
}

func (s SessionInfo) marshal() []byte {
	b, err := utils.MarshalNoEscape(s)
	if err != nil {
		// All fields are plain scalars; Marshal cannot fail in practice.
		return []byte("{}")
	}
	return b
}
