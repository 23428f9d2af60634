package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/courseloop/tutor-gateway/internal/upstream"
)

// JobStatus is the research job state machine: queued is the only
// non-terminal state; completed, failed, and cancelled are terminal and a
// terminal job is never retried automatically.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Job is the polled view of one background research task.
type Job struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
	Result *Result   `json:"result,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Result is a finished research answer.
type Result struct {
	Text           string     `json:"text"`
	Citations      []Citation `json:"citations"`
	Steps          int        `json:"steps"`
	RewrittenQuery string     `json:"rewrittenQuery,omitempty"`
	FromCache      bool       `json:"fromCache,omitempty"`
}

// SystemPromptRewrite turns a conversational student message into a
// standalone research query.
const SystemPromptRewrite = `You rewrite a student's message into a precise, standalone web research query.

Guidelines:
1. KEEP every named entity, number, and date from the message
2. REMOVE conversational filler and references to the chat itself
3. OUTPUT only the rewritten query - a single line, no quotes`

// Completer is the auxiliary model dependency used for query rewriting.
type Completer interface {
	Complete(ctx context.Context, req upstream.Request) (string, error)
}

// Orchestrator drives the research pipeline. Polling cadence is the caller's
// responsibility; this component never self-schedules.
type Orchestrator struct {
	client     *Client
	aux        Completer
	cache      *Cache
	policy     TrustPolicy
	model      string
	auxModel   string
	maxRetries int
	backoff    func(int) time.Duration
}

// Config tunes the orchestrator.
type Config struct {
	Model      string // background research model
	AuxModel   string // fast model for query rewriting
	MaxRetries int
	Backoff    func(int) time.Duration
	Policy     TrustPolicy
	CacheTTL   time.Duration
	CacheCap   int
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(client *Client, aux Completer, cfg Config) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = upstream.DefaultMaxRetries
	}
	if cfg.Backoff == nil {
		cfg.Backoff = upstream.Backoff
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultTrustPolicy
	}
	return &Orchestrator{
		client:     client,
		aux:        aux,
		cache:      NewCache(cfg.CacheTTL, cfg.CacheCap),
		policy:     cfg.Policy,
		model:      cfg.Model,
		auxModel:   cfg.AuxModel,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
	}
}

// Cache exposes the result cache (the gateway records hit/miss metrics).
func (o *Orchestrator) Cache() *Cache { return o.cache }

// Rewrite reformulates the query for research. Best-effort: any failure
// falls back to the original query unchanged and never blocks the pipeline.
func (o *Orchestrator) Rewrite(ctx context.Context, query string) string {
	rewritten, err := o.aux.Complete(ctx, upstream.Request{
		Model:        o.auxModel,
		SystemPrompt: SystemPromptRewrite,
		Messages:     []upstream.Message{{Role: "user", Content: query}},
	})
	if err != nil || strings.TrimSpace(rewritten) == "" {
		log.Debug().Err(err).Msg("research: rewrite failed, using original query")
		return query
	}
	return strings.TrimSpace(rewritten)
}

// Kickoff starts a background job, retrying rate limits with the shared
// backoff policy, and returns the job id.
func (o *Orchestrator) Kickoff(ctx context.Context, query, systemPrompt string) (string, error) {
	var raw []byte
	err := upstream.RetryOnRateLimit(ctx, o.maxRetries, o.backoff, func() error {
		var kickErr error
		raw, kickErr = o.client.CreateBackground(ctx, o.model, query, systemPrompt)
		return kickErr
	})
	if err != nil {
		return "", err
	}

	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		return "", fmt.Errorf("%w: kickoff response missing job id", upstream.ErrUpstream)
	}
	log.Info().Str("job_id", id).Str("status", gjson.GetBytes(raw, "status").String()).
		Msg("research: background job started")
	return id, nil
}

// Poll fetches the current job state. Terminal statuses are mapped onto the
// state machine; the upstream's in-progress variants all read as queued.
func (o *Orchestrator) Poll(ctx context.Context, jobID string) (Job, error) {
	raw, err := o.client.GetResponse(ctx, jobID)
	if err != nil {
		return Job{}, err
	}

	job := Job{ID: jobID, Status: mapStatus(gjson.GetBytes(raw, "status").String())}
	switch job.Status {
	case StatusCompleted:
		result := o.ExtractResult(raw)
		job.Result = &result
	case StatusFailed:
		job.Error = gjson.GetBytes(raw, "error.message").String()
	}
	return job, nil
}

func mapStatus(s string) JobStatus {
	switch s {
	case "completed":
		return StatusCompleted
	case "failed", "incomplete":
		return StatusFailed
	case "cancelled":
		return StatusCancelled
	default:
		// queued, in_progress, and anything the API grows later.
		return StatusQueued
	}
}

// ExtractResult pulls the answer text, ranked citations, and step count out
// of a completed job's raw response.
func (o *Orchestrator) ExtractResult(raw []byte) Result {
	var res Result
	var citations []Citation

	gjson.GetBytes(raw, "output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() != "output_text" {
					return true
				}
				res.Text += part.Get("text").String()
				part.Get("annotations").ForEach(func(_, ann gjson.Result) bool {
					if ann.Get("type").String() == "url_citation" {
						citations = append(citations, Citation{
							Title: ann.Get("title").String(),
							URL:   ann.Get("url").String(),
						})
					}
					return true
				})
				return true
			})
		case "web_search_call", "reasoning":
			res.Steps++
		}
		return true
	})

	res.Citations = RankCitations(citations, o.policy)
	return res
}

// Lookup consults the result cache; hits are flagged so the stream metadata
// can say so.
func (o *Orchestrator) Lookup(query, systemPrompt string) (Result, bool) {
	res, ok := o.cache.Get(query, systemPrompt)
	if ok {
		res.FromCache = true
	}
	return res, ok
}

// Store caches a successful foreground result.
func (o *Orchestrator) Store(query, systemPrompt string, res Result) {
	o.cache.Put(query, systemPrompt, res)
}
