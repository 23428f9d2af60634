// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: Defaults that appear in more than one place live here so they stay
// auditable. Anything tagged "tunable" is a heuristic threshold, not a
// protocol constant.
package config

import "time"

// =============================================================================
// SERVER
// =============================================================================

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8085"

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 1 * time.Minute

// DefaultServerWriteTimeout for the HTTP server (generous for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// MaxRequestBodySize is the maximum allowed multipart request body (25MB,
// sized for a PDF or image attachment plus form fields).
const MaxRequestBodySize = 25 * 1024 * 1024

// =============================================================================
// MODELS
// =============================================================================

// DefaultChatModel answers ordinary conversational turns.
const DefaultChatModel = "gpt-4o-mini"

// DefaultAuxModel runs fast auxiliary work: compaction and query rewriting.
const DefaultAuxModel = "gpt-4o-mini"

// DefaultResearchModel runs background deep-research jobs.
const DefaultResearchModel = "o4-mini-deep-research"

// DefaultSearchModel is the search-augmented fallback when the research
// pipeline fails.
const DefaultSearchModel = "gpt-4o-search-preview"

// =============================================================================
// CONVERSATION MEMORY
// =============================================================================

// DefaultMaxHistoryTurns caps raw turns forwarded to the model per request.
const DefaultMaxHistoryTurns = 4

// DefaultBudgetTokens is the approximate request size above which the current
// user message is condensed. Tunable.
const DefaultBudgetTokens = 3000

// DefaultCondenseMaxChars bounds the condensed user message.
const DefaultCondenseMaxChars = 500

// DefaultSummaryHardCeiling is the summary length that forces a second
// compression pass.
const DefaultSummaryHardCeiling = 10000

// DefaultSummaryTargetChars is the size the second pass compresses to.
const DefaultSummaryTargetChars = 3000

// =============================================================================
// RESEARCH
// =============================================================================

// DefaultPollInterval between background-job polls while relaying a research
// turn.
const DefaultPollInterval = 1800 * time.Millisecond

// DefaultPollBudget bounds how long one chat request waits on a background
// job before giving up and falling back.
const DefaultPollBudget = 5 * time.Minute

// DefaultParagraphPacing is the artificial delay between paragraphs when
// relaying a finished research result as a stream. UX smoothing only.
const DefaultParagraphPacing = 60 * time.Millisecond

// DefaultResearchCacheTTL for cached research results.
const DefaultResearchCacheTTL = 5 * time.Minute

// DefaultResearchCacheCap bounds the research cache entry count.
const DefaultResearchCacheCap = 100

// =============================================================================
// RETRY
// =============================================================================

// DefaultMaxRetries bounds rate-limit retries per upstream call.
const DefaultMaxRetries = 3
