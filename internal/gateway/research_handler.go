// Deep-research turn handling.
//
// DESIGN: The gateway owns the polling loop and the pacing of the relayed
// answer; the orchestrator owns rewrite/kickoff/poll/extract. Any pipeline
// failure falls back to the search-augmented completion model with a visible
// notice, so a research request never dead-ends for the student.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courseloop/tutor-gateway/internal/research"
	"github.com/courseloop/tutor-gateway/internal/streamx"
	"github.com/courseloop/tutor-gateway/internal/upstream"
)

// researchInstructions steer the background research job. Also part of the
// cache key, so changing it invalidates cached answers.
const researchInstructions = `Research the question using current web sources. Cite every claim. Prefer primary sources: official documentation, government and university pages, peer-reviewed work. Structure the answer for a student: a short direct answer first, then supporting detail.`

// fallbackNotice is prepended when the research pipeline fails and the turn
// is served by the search model instead.
const fallbackNotice = "Deep research is unavailable right now, so here is a quicker answer based on a web search:\n\n"

// streamResearch serves a research-mode turn. Returns the assistant text,
// the effective mode (research or fallback) and the terminal error, if any.
func (g *Gateway) streamResearch(ctx context.Context, enc *streamx.Encoder, in turnInput, cached cacheProbe) (string, string, error) {
	res := cached.result
	if cached.hit {
		g.metrics.RecordCacheHit()
	} else {
		g.metrics.RecordCacheMiss()

		var err error
		res, err = g.runResearch(ctx, in)
		if err != nil {
			if errors.Is(err, upstream.ErrAborted) || ctx.Err() != nil {
				return "", modeResearch, upstream.ErrAborted
			}

			log.Warn().Err(err).Str("request_id", in.RequestID).Msg("research pipeline failed, falling back to search model")
			g.metrics.RecordResearchFallback()
			if werr := enc.WriteText(fallbackNotice); werr != nil {
				return "", modeFallback, upstream.ErrAborted
			}
			text, derr := g.streamDirect(ctx, enc, g.cfg.Models.Search, in)
			return text, modeFallback, derr
		}
		g.metrics.RecordResearchCompleted()
		g.researchr.Store(in.Message, researchInstructions, res)
	}

	if err := g.relayResult(ctx, enc, res); err != nil {
		return "", modeResearch, err
	}
	return res.Text, modeResearch, nil
}

// runResearch drives rewrite -> kickoff -> poll until the job is terminal
// or the poll budget runs out.
func (g *Gateway) runResearch(ctx context.Context, in turnInput) (research.Result, error) {
	rewritten := g.researchr.Rewrite(ctx, in.Message)

	jobID, err := g.researchr.Kickoff(ctx, rewritten, researchInstructions)
	if err != nil {
		return research.Result{}, err
	}
	g.metrics.RecordResearchJob()
	log.Info().Str("request_id", in.RequestID).Str("job_id", jobID).Msg("research job started")

	budget := time.NewTimer(g.cfg.Research.PollBudget.Std())
	defer budget.Stop()
	ticker := time.NewTicker(g.cfg.Research.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return research.Result{}, upstream.ErrAborted
		case <-budget.C:
			return research.Result{}, fmt.Errorf("%w: research job %s did not finish in time", upstream.ErrUpstream, jobID)
		case <-ticker.C:
			job, err := g.researchr.Poll(ctx, jobID)
			if err != nil {
				return research.Result{}, err
			}
			switch job.Status {
			case research.StatusCompleted:
				res := *job.Result
				res.RewrittenQuery = rewritten
				return res, nil
			case research.StatusFailed, research.StatusCancelled:
				return research.Result{}, fmt.Errorf("%w: research job %s %s: %s", upstream.ErrUpstream, jobID, job.Status, job.Error)
			}
		}
	}
}

// relayResult writes a finished research answer paragraph by paragraph with
// a small pacing delay, then appends the ranked sources.
func (g *Gateway) relayResult(ctx context.Context, enc *streamx.Encoder, res research.Result) error {
	pacing := g.cfg.Research.ParagraphPacing.Std()
	for i, paragraph := range strings.Split(res.Text, "\n\n") {
		if i > 0 {
			if err := pace(ctx, pacing); err != nil {
				return err
			}
			if err := enc.WriteText("\n\n"); err != nil {
				return err
			}
		}
		if err := enc.WriteText(paragraph); err != nil {
			return err
		}
	}

	if len(res.Citations) == 0 {
		return nil
	}
	if err := enc.WriteText("\n\nSources:\n"); err != nil {
		return err
	}
	for i, c := range res.Citations {
		line := fmt.Sprintf("%d. %s (%s)\n", i+1, c.Title, c.URL)
		if err := enc.WriteText(line); err != nil {
			return err
		}
	}
	return nil
}

// pace sleeps for the pacing interval unless the client goes away first.
func pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return upstream.ErrAborted
	case <-time.After(d):
		return nil
	}
}

// handleResearchStatus exposes caller-driven polling of a background job.
func (g *Gateway) handleResearchStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		g.writeError(w, "job id is required", http.StatusBadRequest)
		return
	}

	job, err := g.researchr.Poll(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, upstream.ErrAborted) || r.Context().Err() != nil {
			return
		}
		log.Warn().Err(err).Str("job_id", jobID).Msg("research status poll failed")
		g.writeError(w, "could not fetch job status", http.StatusBadGateway)
		return
	}

	resp := researchStatusResponse{Status: job.Status, Error: job.Error}
	if job.Result != nil {
		resp.Text = job.Result.Text
		resp.Citations = job.Result.Citations
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// researchStatusResponse is the JSON body for GET /api/research/{jobId}.
type researchStatusResponse struct {
	Status    research.JobStatus  `json:"status"`
	Text      string              `json:"text,omitempty"`
	Citations []research.Citation `json:"citations,omitempty"`
	Error     string              `json:"error,omitempty"`
}
