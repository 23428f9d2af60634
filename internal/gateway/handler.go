// Chat request handling for the tutoring gateway.
//
// DESIGN: One request is one turn:
//   - validate caller and topic, unseal the memory token (invalid == absent)
//   - assemble bounded history, dispatch by requested model
//   - stream the reply with session-info and memory-token frames
//   - merge the summary and reissue the token before the stream closes
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/courseloop/tutor-gateway/internal/compactor"
	"github.com/courseloop/tutor-gateway/internal/config"
	"github.com/courseloop/tutor-gateway/internal/memtoken"
	"github.com/courseloop/tutor-gateway/internal/monitoring"
	"github.com/courseloop/tutor-gateway/internal/research"
	"github.com/courseloop/tutor-gateway/internal/streamx"
	"github.com/courseloop/tutor-gateway/internal/upstream"
)

// tutorSystemPrompt frames the assistant for course support conversations.
const tutorSystemPrompt = `You are a patient, encouraging course tutor. Answer the student's question directly and concretely. When the conversation summary mentions earlier topics, build on them instead of repeating explanations. Keep answers focused; prefer short worked examples over long theory.`

// Dispatch modes reported in the session-info frame.
const (
	modeDirect   = "direct"
	modeResearch = "research"
	modeFallback = "fallback"
)

// turnInput is the parsed, validated chat request.
type turnInput struct {
	RequestID string
	Subject   string
	TopicID   string
	Message   string
	Model     string
	Summary   string
	HasMemory bool
	History   []compactor.Turn
	ImageURL  string
}

func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	w.Header().Set("X-Request-ID", requestID)

	subject := r.Header.Get(SubjectHeader)
	if subject == "" {
		g.writeError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	if err := r.ParseMultipartForm(config.MaxRequestBodySize); err != nil {
		g.writeError(w, "invalid multipart request", http.StatusBadRequest)
		return
	}

	topicID := r.FormValue("topicId")
	if !memtoken.IsValidTopicID(topicID) {
		g.writeError(w, "invalid topic id", http.StatusBadRequest)
		return
	}

	in := turnInput{
		RequestID: requestID,
		Subject:   subject,
		TopicID:   topicID,
		Message:   strings.TrimSpace(r.FormValue("message")),
		Model:     r.FormValue("model"),
	}
	if in.Model == "" {
		in.Model = g.cfg.Models.Chat
	}

	in.Message, in.ImageURL = g.applyAttachment(r, in.Message)
	if in.Message == "" {
		g.writeError(w, "message is required", http.StatusBadRequest)
		return
	}

	in.Summary, in.HasMemory = g.resolveMemory(r, subject, topicID)
	in.History = parseHistory(r.FormValue("history"))

	log.Info().
		Str("request_id", requestID).
		Str("topic_id", topicID).
		Str("model", in.Model).
		Bool("has_memory", in.HasMemory).
		Int("history_turns", len(in.History)).
		Msg("chat turn")

	g.streamTurn(w, r, in)
}

// resolveMemory extracts and verifies the memory token. Any verification
// failure is treated as "no memory", never as an error.
func (g *Gateway) resolveMemory(r *http.Request, subject, topicID string) (string, bool) {
	token := r.Header.Get(MemoryTokenHeader)
	if token == "" {
		token = r.FormValue("memoryToken")
	}
	if token == "" {
		return "", false
	}

	claims, ok := memtoken.Unseal(g.secret, token)
	if !ok || claims.SubjectID != subject || claims.TopicID != topicID {
		g.metrics.RecordTokenRejected()
		log.Debug().Str("topic_id", topicID).Msg("memory token rejected, starting fresh")
		return "", false
	}
	g.metrics.RecordTokenAccepted()
	return claims.Summary, true
}

// parseHistory decodes the history form field. A parse failure degrades to
// empty history rather than failing the request.
func parseHistory(raw string) []compactor.Turn {
	if raw == "" {
		return nil
	}
	parsed := gjson.Parse(raw)
	if !gjson.Valid(raw) || !parsed.IsArray() {
		log.Debug().Msg("unparseable history, proceeding without it")
		return nil
	}
	var turns []compactor.Turn
	parsed.ForEach(func(_, item gjson.Result) bool {
		turns = append(turns, compactor.Turn{
			Role:    item.Get("role").String(),
			Content: item.Get("content").String(),
		})
		return true
	})
	return turns
}

// streamTurn runs the dispatched turn and guarantees the stream is finished
// exactly once on every path.
func (g *Gateway) streamTurn(w http.ResponseWriter, r *http.Request, in turnInput) {
	ctx := r.Context()
	start := time.Now()

	mode := modeDirect
	var cached cacheProbe // resolved before headers go out so the frame can flag it
	if in.Model == ResearchModelSentinel {
		mode = modeResearch
		cached.result, cached.hit = g.researchr.Lookup(in.Message, researchInstructions)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := streamx.NewEncoder(w)
	if err := enc.WriteSessionInfo(streamx.SessionInfo{
		RequestID:  in.RequestID,
		TopicID:    in.TopicID,
		HasMemory:  in.HasMemory,
		Mode:       mode,
		FromCache:  cached.hit,
		SummaryLen: len(in.Summary),
	}); err != nil {
		log.Debug().Err(err).Msg("client gone before session frame")
		return
	}

	var assistant string
	var turnErr error
	if mode == modeResearch {
		assistant, mode, turnErr = g.streamResearch(ctx, enc, in, cached)
	} else {
		assistant, turnErr = g.streamDirect(ctx, enc, in.Model, in)
	}

	if turnErr != nil {
		g.finishFailedTurn(ctx, enc, in, mode, turnErr, start)
		return
	}

	g.metrics.RecordRequest(true)
	g.refreshToken(ctx, enc, in, assistant)
	g.recordEvent(monitoring.RequestEvent{
		RequestID:   in.RequestID,
		SubjectID:   in.Subject,
		TopicID:     in.TopicID,
		Mode:        mode,
		Model:       in.Model,
		HadMemory:   in.HasMemory,
		FromCache:   cached.hit,
		Success:     true,
		LatencyMs:   time.Since(start).Milliseconds(),
		ResponseLen: len(assistant),
	})
}

// cacheProbe is the pre-stream research cache lookup.
type cacheProbe struct {
	result research.Result
	hit    bool
}

// finishFailedTurn maps the error taxonomy onto a single user-visible line.
// Cancellation is a soft finish: no message, no error-level log.
func (g *Gateway) finishFailedTurn(ctx context.Context, enc *streamx.Encoder, in turnInput, mode string, turnErr error, start time.Time) {
	if errors.Is(turnErr, upstream.ErrAborted) || ctx.Err() != nil {
		g.metrics.RecordAborted()
		log.Debug().Str("request_id", in.RequestID).Msg("turn aborted by client")
		g.recordEvent(monitoring.RequestEvent{
			RequestID: in.RequestID, SubjectID: in.Subject, TopicID: in.TopicID,
			Mode: mode, Model: in.Model, HadMemory: in.HasMemory,
			Error: "cancelled", LatencyMs: time.Since(start).Milliseconds(),
		})
		return
	}

	g.metrics.RecordRequest(false)
	log.Error().Err(turnErr).Str("request_id", in.RequestID).Msg("turn failed")
	_ = enc.WriteText("\n" + userFacingMessage(turnErr))
	g.recordEvent(monitoring.RequestEvent{
		RequestID: in.RequestID, SubjectID: in.Subject, TopicID: in.TopicID,
		Mode: mode, Model: in.Model, HadMemory: in.HasMemory,
		Error: turnErr.Error(), LatencyMs: time.Since(start).Milliseconds(),
	})
}

// userFacingMessage keeps upstream detail server-side.
func userFacingMessage(err error) string {
	switch {
	case errors.Is(err, upstream.ErrRateLimited):
		return "The tutor is handling a lot of questions right now. Please try again in a few seconds."
	case errors.Is(err, upstream.ErrRegionRestricted):
		return "The model provider rejected this server region. Please retry; the request will be routed through a supported region."
	default:
		return "Something went wrong while answering. Please try again."
	}
}

// streamDirect runs a plain completion, streaming deltas as they arrive.
// Returns the full assistant text for the post-turn summary merge.
func (g *Gateway) streamDirect(ctx context.Context, enc *streamx.Encoder, model string, in turnInput) (string, error) {
	message := in.Message
	if g.compact.OverBudget(serializeCandidate(in)) {
		message = g.compact.CondenseUserMessage(ctx, in.Message)
		g.metrics.RecordCompaction()
		log.Debug().
			Str("request_id", in.RequestID).
			Int("original_len", len(in.Message)).
			Int("condensed_len", len(message)).
			Msg("user message condensed")
	}

	messages := g.compact.BuildHistory(in.History, in.Summary)
	messages = append(messages, upstream.Message{
		Role:         "user",
		Content:      message,
		ImageDataURL: in.ImageURL,
	})

	var out strings.Builder
	err := g.chat.CompleteStream(ctx, upstream.Request{
		Model:        model,
		SystemPrompt: tutorSystemPrompt,
		Messages:     messages,
	}, func(delta string) error {
		out.WriteString(delta)
		return enc.WriteText(delta)
	})
	return out.String(), err
}

// serializeCandidate approximates the outbound request for the budget check.
func serializeCandidate(in turnInput) string {
	var b strings.Builder
	b.WriteString(in.Summary)
	for _, t := range in.History {
		b.WriteString(t.Content)
	}
	b.WriteString(in.Message)
	return b.String()
}

// refreshToken merges the summary and appends the memory-token frame.
// Best-effort: a merge failure leaves the old token in play.
func (g *Gateway) refreshToken(ctx context.Context, enc *streamx.Encoder, in turnInput, assistant string) {
	newSummary, err := g.compact.MergeSummary(ctx, in.Summary, in.History, in.Message, assistant)
	if err != nil {
		if errors.Is(err, upstream.ErrAborted) || ctx.Err() != nil {
			log.Debug().Str("request_id", in.RequestID).Msg("summary merge skipped, client gone")
			return
		}
		log.Warn().Err(err).Str("request_id", in.RequestID).Msg("summary merge failed, token not refreshed")
		return
	}
	g.metrics.RecordSummaryMerge()

	token := memtoken.Seal(g.secret, memtoken.Claims{
		SubjectID: in.Subject,
		TopicID:   in.TopicID,
		Summary:   newSummary,
	})
	if err := enc.WriteMemoryToken(token); err != nil {
		log.Debug().Err(err).Str("request_id", in.RequestID).Msg("client gone before token frame")
		return
	}
	g.metrics.RecordTokenIssued()
}

// recordEvent persists the turn to the stats store when one is configured.
func (g *Gateway) recordEvent(ev monitoring.RequestEvent) {
	if g.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.events.Record(ctx, ev); err != nil {
		log.Warn().Err(err).Str("request_id", ev.RequestID).Msg("event store write failed")
	}
}
