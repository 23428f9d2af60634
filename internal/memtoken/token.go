// Package memtoken seals and unseals the signed conversation-memory token.
//
// DESIGN: The serving tier is stateless and horizontally replicated, so
// per-conversation memory cannot live in process memory. Instead the compacted
// conversation summary travels inside a self-contained, HMAC-signed token that
// the client round-trips on every request. Any replica can validate and use it
// without a shared session store.
//
// Wire format (5 dot-joined parts):
//
//	b64url(subject) . b64url(topic) . b64url(summary) . issuedAtUnix . hex(hmac)
//
// The signature covers a canonical newline-joined serialization of the payload
// fields in fixed order, never a generic serializer's field order.
package memtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SentinelTopicID is the catch-all topic for conversations that are not bound
// to a specific term/assignment pair.
const SentinelTopicID = "general-support"

// topicPairPattern matches "<termID>-<assignmentID>" topic ids.
var topicPairPattern = regexp.MustCompile(`^\d+-\d+$`)

// Claims is the payload carried by a memory token.
type Claims struct {
	SubjectID string
	TopicID   string
	Summary   string
	IssuedAt  time.Time
}

// IsValidTopicID reports whether id has an allow-listed shape: the literal
// sentinel topic or an "<integer>-<integer>" pair. This gate runs before any
// upstream or store access so malformed ids fail fast with a client error.
func IsValidTopicID(id string) bool {
	return id == SentinelTopicID || topicPairPattern.MatchString(id)
}

// Seal produces a new signed token for the claims. IssuedAt is stamped here,
// so sealing identical claims twice yields different tokens.
func Seal(secret []byte, c Claims) string {
	issuedAt := time.Now().Unix()
	enc := base64.RawURLEncoding
	parts := []string{
		enc.EncodeToString([]byte(c.SubjectID)),
		enc.EncodeToString([]byte(c.TopicID)),
		enc.EncodeToString([]byte(c.Summary)),
		strconv.FormatInt(issuedAt, 10),
	}
	sig := sign(secret, c.SubjectID, c.TopicID, c.Summary, issuedAt)
	return strings.Join(append(parts, sig), ".")
}

// Unseal validates and decodes a token. The second return value is false for
// any malformed or tampered token; callers treat that identically to "no token
// present". Unseal never panics.
func Unseal(secret []byte, token string) (*Claims, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 5 {
		return nil, false
	}

	enc := base64.RawURLEncoding
	subject, err := enc.DecodeString(parts[0])
	if err != nil {
		return nil, false
	}
	topic, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}
	summary, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, false
	}
	issuedAt, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, false
	}

	want := sign(secret, string(subject), string(topic), string(summary), issuedAt)
	if !hmac.Equal([]byte(want), []byte(parts[4])) {
		return nil, false
	}

	return &Claims{
		SubjectID: string(subject),
		TopicID:   string(topic),
		Summary:   string(summary),
		IssuedAt:  time.Unix(issuedAt, 0),
	}, true
}

// sign computes the hex HMAC-SHA256 over the canonical field serialization.
func sign(secret []byte, subject, topic, summary string, issuedAt int64) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d", subject, topic, summary, issuedAt)
	return hex.EncodeToString(mac.Sum(nil))
}
