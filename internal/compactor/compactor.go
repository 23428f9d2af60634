// Package compactor keeps per-turn model requests small and bounded
// regardless of conversation length.
//
// DESIGN: Two jobs, both best-effort:
//   - Pre-call: if the serialized candidate request exceeds the token budget,
//     condense the CURRENT user message only via a fast auxiliary model call.
//   - Post-turn: merge the previous summary and the latest exchange into a new
//     summary for the refreshed memory token, re-compressing once more if the
//     merge exceeds the hard ceiling.
//
// A compaction failure never fails the user-visible turn; the old token is
// simply not refreshed.
package compactor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/courseloop/tutor-gateway/internal/upstream"
)

// Turn is one transient, in-memory conversation entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SummaryTurnPrefix marks the assistant pseudo-turn that injects the prior
// summary into a request. Turns carrying it are filtered out of inbound
// history so summaries never pile up across round trips.
const SummaryTurnPrefix = "[Conversation so far] "

// Completer is the auxiliary model dependency. *upstream.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req upstream.Request) (string, error)
}

// Config tunes the compactor. Zero values fall back to the defaults below.
type Config struct {
	AuxModel           string
	BudgetTokens       int // request size threshold triggering condensation
	CondenseMaxChars   int
	SummaryHardCeiling int
	SummaryTargetChars int
	MaxHistoryTurns    int
}

const (
	defaultBudgetTokens       = 3000
	defaultCondenseMaxChars   = 500
	defaultSummaryHardCeiling = 10000
	defaultSummaryTargetChars = 3000
	defaultMaxHistoryTurns    = 4
)

// Compactor implements the pre-call and post-turn compaction policies.
type Compactor struct {
	aux Completer
	cfg Config

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// New creates a compactor backed by the given auxiliary completer.
func New(aux Completer, cfg Config) *Compactor {
	if cfg.BudgetTokens <= 0 {
		cfg.BudgetTokens = defaultBudgetTokens
	}
	if cfg.CondenseMaxChars <= 0 {
		cfg.CondenseMaxChars = defaultCondenseMaxChars
	}
	if cfg.SummaryHardCeiling <= 0 {
		cfg.SummaryHardCeiling = defaultSummaryHardCeiling
	}
	if cfg.SummaryTargetChars <= 0 {
		cfg.SummaryTargetChars = defaultSummaryTargetChars
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = defaultMaxHistoryTurns
	}
	return &Compactor{aux: aux, cfg: cfg}
}

// EstimateTokens approximates the token count of text. It uses the cl100k
// encoding when it loads; otherwise the deliberately crude chars/3 heuristic.
// The exact constant is a tunable threshold, not a contract.
func (c *Compactor) EstimateTokens(text string) int {
	c.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			log.Debug().Err(err).Msg("compactor: tiktoken unavailable, using char ratio")
			return
		}
		c.enc = enc
	})
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return len(text) / 3
}

// OverBudget reports whether a serialized candidate request exceeds the
// token budget.
func (c *Compactor) OverBudget(serialized string) bool {
	return c.EstimateTokens(serialized) > c.cfg.BudgetTokens
}

// BuildHistory assembles the bounded message list for a model call: the prior
// summary as one assistant pseudo-turn (when present), then the last
// MaxHistoryTurns raw turns. Summary-injection turns from earlier round trips
// are dropped first so they never duplicate.
func (c *Compactor) BuildHistory(turns []Turn, summary string) []upstream.Message {
	kept := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == "assistant" && strings.HasPrefix(t.Content, SummaryTurnPrefix) {
			continue
		}
		if t.Role != "user" && t.Role != "assistant" {
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) > c.cfg.MaxHistoryTurns {
		kept = kept[len(kept)-c.cfg.MaxHistoryTurns:]
	}

	msgs := make([]upstream.Message, 0, len(kept)+1)
	if summary != "" {
		msgs = append(msgs, upstream.Message{
			Role:    "assistant",
			Content: SummaryTurnPrefix + summary,
		})
	}
	for _, t := range kept {
		msgs = append(msgs, upstream.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}

// CondenseUserMessage rewrites an oversized user message through the
// auxiliary model, preserving entities, counts, currency amounts, and dates.
// On any failure the original message is returned untouched.
func (c *Compactor) CondenseUserMessage(ctx context.Context, message string) string {
	condensed, err := c.aux.Complete(ctx, upstream.Request{
		Model:        c.cfg.AuxModel,
		SystemPrompt: SystemPromptCondense,
		Messages:     []upstream.Message{{Role: "user", Content: UserPromptCondense(message)}},
		MaxTokens:    int64(c.cfg.CondenseMaxChars),
	})
	if err != nil || strings.TrimSpace(condensed) == "" {
		log.Warn().Err(err).Msg("compactor: condense failed, keeping original message")
		return message
	}
	if len(condensed) > c.cfg.CondenseMaxChars {
		condensed = condensed[:c.cfg.CondenseMaxChars]
	}
	return condensed
}

// MergeSummary folds the latest exchange into the running summary. When the
// merged text exceeds the hard ceiling a second pass compresses it to the
// target size; if even that pass misbehaves the text is clamped so the sealed
// summary never exceeds the target.
func (c *Compactor) MergeSummary(ctx context.Context, prevSummary string, turns []Turn, userMsg, assistantMsg string) (string, error) {
	merged, err := c.aux.Complete(ctx, upstream.Request{
		Model:        c.cfg.AuxModel,
		SystemPrompt: SystemPromptMerge,
		Messages: []upstream.Message{
			{Role: "user", Content: UserPromptMerge(prevSummary, turns, userMsg, assistantMsg)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("merge summary: %w", err)
	}
	merged = strings.TrimSpace(merged)
	if merged == "" {
		return "", fmt.Errorf("merge summary: empty result")
	}

	if len(merged) > c.cfg.SummaryHardCeiling {
		merged = c.shrink(ctx, merged)
	}
	return merged, nil
}

func (c *Compactor) shrink(ctx context.Context, summary string) string {
	shrunk, err := c.aux.Complete(ctx, upstream.Request{
		Model:        c.cfg.AuxModel,
		SystemPrompt: SystemPromptShrink,
		Messages:     []upstream.Message{{Role: "user", Content: UserPromptShrink(summary)}},
	})
	if err != nil || strings.TrimSpace(shrunk) == "" {
		log.Warn().Err(err).Msg("compactor: shrink pass failed, clamping summary")
		return summary[:c.cfg.SummaryTargetChars]
	}
	shrunk = strings.TrimSpace(shrunk)
	if len(shrunk) > c.cfg.SummaryTargetChars {
		shrunk = shrunk[:c.cfg.SummaryTargetChars]
	}
	return shrunk
}
