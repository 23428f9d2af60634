package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courseloop/tutor-gateway/internal/compactor"
	"github.com/courseloop/tutor-gateway/internal/config"
	"github.com/courseloop/tutor-gateway/internal/memtoken"
	"github.com/courseloop/tutor-gateway/internal/monitoring"
	"github.com/courseloop/tutor-gateway/internal/research"
	"github.com/courseloop/tutor-gateway/internal/streamx"
	"github.com/courseloop/tutor-gateway/internal/upstream"
)

const (
	testSecret  = "unit-test-signing-secret"
	testSubject = "student-7"
)

// fakeChat is a scripted Completer.
type fakeChat struct {
	mu     sync.Mutex
	deltas []string
	err    error

	reqs []upstream.Request

	// When set, CompleteStream blocks after emitting deltas until the
	// context is cancelled, then closes cancelObserved.
	blockUntilCancel bool
	cancelObserved   chan struct{}
}

func (f *fakeChat) CompleteStream(ctx context.Context, req upstream.Request, onDelta func(string) error) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	if f.blockUntilCancel {
		<-ctx.Done()
		close(f.cancelObserved)
		return upstream.ErrAborted
	}
	return f.err
}

func (f *fakeChat) Complete(ctx context.Context, req upstream.Request) (string, error) {
	return strings.Join(f.deltas, ""), f.err
}

func (f *fakeChat) requests() []upstream.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstream.Request(nil), f.reqs...)
}

// fakeAux stands in for the auxiliary summarization model.
type fakeAux struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (f *fakeAux) Complete(ctx context.Context, req upstream.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, f.err
}

func (f *fakeAux) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeResearch is a scripted Researcher.
type fakeResearch struct {
	mu sync.Mutex

	rewritten  string
	jobID      string
	kickoffErr error
	jobStates  []research.Job // consumed one per Poll
	pollErr    error

	lookupRes research.Result
	lookupHit bool

	stored []research.Result
}

func (f *fakeResearch) Rewrite(ctx context.Context, query string) string {
	if f.rewritten != "" {
		return f.rewritten
	}
	return query
}

func (f *fakeResearch) Kickoff(ctx context.Context, query, systemPrompt string) (string, error) {
	return f.jobID, f.kickoffErr
}

func (f *fakeResearch) Poll(ctx context.Context, jobID string) (research.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return research.Job{}, f.pollErr
	}
	if len(f.jobStates) == 0 {
		return research.Job{ID: jobID, Status: research.StatusQueued}, nil
	}
	job := f.jobStates[0]
	if len(f.jobStates) > 1 {
		f.jobStates = f.jobStates[1:]
	}
	return job, nil
}

func (f *fakeResearch) Lookup(query, systemPrompt string) (research.Result, bool) {
	return f.lookupRes, f.lookupHit
}

func (f *fakeResearch) Store(query, systemPrompt string, res research.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, res)
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Addr: ":0"},
		Models: config.ModelsConfig{
			Chat:     "chat-model",
			Aux:      "aux-model",
			Research: "research-model",
			Search:   "search-model",
		},
		Memory: config.MemoryConfig{MaxHistoryTurns: 4},
		Research: config.ResearchConfig{
			PollInterval: config.Duration(time.Millisecond),
			PollBudget:   config.Duration(time.Second),
		},
		SigningSecret: testSecret,
		APIKey:        "test-key",
	}
}

func newTestGateway(chat *fakeChat, aux *fakeAux, researchr Researcher) *Gateway {
	cfg := testConfig()
	compact := compactor.New(aux, compactor.Config{AuxModel: cfg.Models.Aux})
	return New(cfg, chat, researchr, compact, monitoring.NewMetricsCollector(), nil)
}

// chatRequest builds a multipart POST /api/chat.
func chatRequest(t *testing.T, fields map[string]string, headers map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(SubjectHeader, testSubject)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func decodeStream(body []byte) streamx.DecodeResult {
	d := streamx.NewDecoder()
	d.Feed(body)
	return d.Finish()
}

func TestChatEndToEndIssuesToken(t *testing.T) {
	chat := &fakeChat{deltas: []string{"Hi", " there!"}}
	aux := &fakeAux{reply: "Student said hello."}
	g := newTestGateway(chat, aux, &fakeResearch{})

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
		"topicId": "general-support",
		"message": "hello",
	}, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	dec := decodeStream(rec.Body.Bytes())
	assert.Equal(t, "Hi there!", dec.VisibleText)
	require.NotNil(t, dec.SessionInfo)
	assert.Equal(t, "general-support", dec.SessionInfo.TopicID)
	assert.Equal(t, modeDirect, dec.SessionInfo.Mode)
	assert.False(t, dec.SessionInfo.HasMemory)

	require.NotEmpty(t, dec.MemoryToken)
	claims, ok := memtoken.Unseal([]byte(testSecret), dec.MemoryToken)
	require.True(t, ok)
	assert.Equal(t, testSubject, claims.SubjectID)
	assert.Equal(t, "general-support", claims.TopicID)
	assert.Equal(t, "Student said hello.", claims.Summary)
}

func TestChatRequiresAuth(t *testing.T) {
	g := newTestGateway(&fakeChat{}, &fakeAux{}, &fakeResearch{})

	req := chatRequest(t, map[string]string{"topicId": "general-support", "message": "hi"}, nil)
	req.Header.Del(SubjectHeader)

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatRejectsInvalidTopicBeforeUpstream(t *testing.T) {
	chat := &fakeChat{}
	g := newTestGateway(chat, &fakeAux{}, &fakeResearch{})

	for _, topic := range []string{"3-", "abc", "3-1-1", ""} {
		rec := httptest.NewRecorder()
		g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
			"topicId": topic,
			"message": "hi",
		}, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "topic %q", topic)
	}
	assert.Empty(t, chat.requests(), "upstream must not be called for invalid topics")
}

func TestChatMemoryTokenFeedsSummary(t *testing.T) {
	chat := &fakeChat{deltas: []string{"ok"}}
	aux := &fakeAux{reply: "updated summary"}
	g := newTestGateway(chat, aux, &fakeResearch{})

	token := memtoken.Seal([]byte(testSecret), memtoken.Claims{
		SubjectID: testSubject,
		TopicID:   "3-1",
		Summary:   "prior context about binary search",
	})

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
		"topicId": "3-1",
		"message": "and what about merge sort?",
	}, map[string]string{MemoryTokenHeader: token}))

	require.Equal(t, http.StatusOK, rec.Code)
	dec := decodeStream(rec.Body.Bytes())
	require.NotNil(t, dec.SessionInfo)
	assert.True(t, dec.SessionInfo.HasMemory)
	assert.Positive(t, dec.SessionInfo.SummaryLen)

	reqs := chat.requests()
	require.Len(t, reqs, 1)
	require.NotEmpty(t, reqs[0].Messages)
	first := reqs[0].Messages[0]
	assert.Equal(t, "assistant", first.Role)
	assert.Contains(t, first.Content, "prior context about binary search")
}

func TestChatMismatchedTokenTreatedAsAbsent(t *testing.T) {
	chat := &fakeChat{deltas: []string{"ok"}}
	g := newTestGateway(chat, &fakeAux{reply: "s"}, &fakeResearch{})

	// Sealed for a different subject.
	token := memtoken.Seal([]byte(testSecret), memtoken.Claims{
		SubjectID: "someone-else",
		TopicID:   "3-1",
		Summary:   "their private summary",
	})

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
		"topicId": "3-1",
		"message": "hi",
	}, map[string]string{MemoryTokenHeader: token}))

	require.Equal(t, http.StatusOK, rec.Code)
	dec := decodeStream(rec.Body.Bytes())
	require.NotNil(t, dec.SessionInfo)
	assert.False(t, dec.SessionInfo.HasMemory)

	reqs := chat.requests()
	require.Len(t, reqs, 1)
	for _, m := range reqs[0].Messages {
		assert.NotContains(t, m.Content, "their private summary")
	}
}

func TestChatHeaderTokenWinsOverFormField(t *testing.T) {
	chat := &fakeChat{deltas: []string{"ok"}}
	g := newTestGateway(chat, &fakeAux{reply: "s"}, &fakeResearch{})

	token := memtoken.Seal([]byte(testSecret), memtoken.Claims{
		SubjectID: testSubject,
		TopicID:   "general-support",
		Summary:   "header summary",
	})

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
		"topicId":     "general-support",
		"message":     "hi",
		"memoryToken": "garbled-form-token",
	}, map[string]string{MemoryTokenHeader: token}))

	require.Equal(t, http.StatusOK, rec.Code)
	dec := decodeStream(rec.Body.Bytes())
	require.NotNil(t, dec.SessionInfo)
	assert.True(t, dec.SessionInfo.HasMemory)
}

func TestChatHistoryParseFailureDegrades(t *testing.T) {
	chat := &fakeChat{deltas: []string{"ok"}}
	g := newTestGateway(chat, &fakeAux{reply: "s"}, &fakeResearch{})

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
		"topicId": "general-support",
		"message": "hi",
		"history": "{not json",
	}, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	reqs := chat.requests()
	require.Len(t, reqs, 1)
	// Only the current user message survives.
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, "hi", reqs[0].Messages[0].Content)
}

func TestChatUpstreamFailureSurfacesOneLine(t *testing.T) {
	chat := &fakeChat{
		deltas: []string{"partial "},
		err:    fmt.Errorf("%w: boom", upstream.ErrUpstream),
	}
	g := newTestGateway(chat, &fakeAux{reply: "s"}, &fakeResearch{})

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
		"topicId": "general-support",
		"message": "hi",
	}, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	dec := decodeStream(rec.Body.Bytes())
	assert.Contains(t, dec.VisibleText, "partial ")
	assert.Contains(t, dec.VisibleText, "Something went wrong")
	assert.Empty(t, dec.MemoryToken, "failed turns must not refresh the token")
}

func TestChatRateLimitedMessage(t *testing.T) {
	chat := &fakeChat{err: upstream.ErrRateLimited}
	g := newTestGateway(chat, &fakeAux{reply: "s"}, &fakeResearch{})

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
		"topicId": "general-support",
		"message": "hi",
	}, nil))

	dec := decodeStream(rec.Body.Bytes())
	assert.Contains(t, dec.VisibleText, "try again in a few seconds")
}

func TestChatRegionRestrictedMessage(t *testing.T) {
	chat := &fakeChat{err: upstream.ErrRegionRestricted}
	g := newTestGateway(chat, &fakeAux{reply: "s"}, &fakeResearch{})

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
		"topicId": "general-support",
		"message": "hi",
	}, nil))

	dec := decodeStream(rec.Body.Bytes())
	assert.Contains(t, dec.VisibleText, "server region")
}

func TestChatCancellationPropagatesAndSkipsMerge(t *testing.T) {
	chat := &fakeChat{
		deltas:           []string{"before cancel"},
		blockUntilCancel: true,
		cancelObserved:   make(chan struct{}),
	}
	aux := &fakeAux{reply: "should never be asked"}
	g := newTestGateway(chat, aux, &fakeResearch{})

	srv := httptest.NewServer(g.Routes())
	defer srv.Close()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("topicId", "general-support"))
	require.NoError(t, mw.WriteField("message", "hi"))
	require.NoError(t, mw.Close())

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/chat", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(SubjectHeader, testSubject)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Read a little so the stream is live, then drop the connection.
	buf := make([]byte, 1)
	_, err = resp.Body.Read(buf)
	require.NoError(t, err)
	cancel()

	select {
	case <-chat.cancelObserved:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream call never observed cancellation")
	}

	// Give the handler a moment to unwind, then confirm no summary merge ran.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, aux.callCount(), "post-turn summarization must be skipped on cancel")
}

func TestResearchServedFromCache(t *testing.T) {
	researchr := &fakeResearch{
		lookupHit: true,
		lookupRes: research.Result{
			Text: "Cached answer.\n\nWith two paragraphs.",
			Citations: []research.Citation{
				{Title: "NIH Overview", URL: "https://www.nih.gov/topic"},
			},
			FromCache: true,
		},
	}
	chat := &fakeChat{}
	g := newTestGateway(chat, &fakeAux{reply: "s"}, researchr)

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
		"topicId": "general-support",
		"message": "what does the research say?",
		"model":   ResearchModelSentinel,
	}, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	dec := decodeStream(rec.Body.Bytes())
	require.NotNil(t, dec.SessionInfo)
	assert.Equal(t, modeResearch, dec.SessionInfo.Mode)
	assert.True(t, dec.SessionInfo.FromCache)
	assert.Contains(t, dec.VisibleText, "Cached answer.")
	assert.Contains(t, dec.VisibleText, "With two paragraphs.")
	assert.Contains(t, dec.VisibleText, "Sources:")
	assert.Contains(t, dec.VisibleText, "https://www.nih.gov/topic")
	assert.Empty(t, chat.requests(), "cache hit must not touch the completion client")
	assert.NotEmpty(t, dec.MemoryToken)
}

func TestResearchPipelineStoresResult(t *testing.T) {
	researchr := &fakeResearch{
		rewritten: "standalone research query",
		jobID:     "job-1",
		jobStates: []research.Job{
			{ID: "job-1", Status: research.StatusQueued},
			{ID: "job-1", Status: research.StatusCompleted, Result: &research.Result{
				Text: "Fresh findings.",
			}},
		},
	}
	g := newTestGateway(&fakeChat{}, &fakeAux{reply: "s"}, researchr)

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
		"topicId": "general-support",
		"message": "deep question",
		"model":   ResearchModelSentinel,
	}, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	dec := decodeStream(rec.Body.Bytes())
	assert.Contains(t, dec.VisibleText, "Fresh findings.")

	researchr.mu.Lock()
	defer researchr.mu.Unlock()
	require.Len(t, researchr.stored, 1)
	assert.Equal(t, "standalone research query", researchr.stored[0].RewrittenQuery)
}

func TestResearchFallsBackToSearchModel(t *testing.T) {
	researchr := &fakeResearch{kickoffErr: errors.New("kickoff exploded")}
	chat := &fakeChat{deltas: []string{"search-backed answer"}}
	g := newTestGateway(chat, &fakeAux{reply: "s"}, researchr)

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
		"topicId": "general-support",
		"message": "deep question",
		"model":   ResearchModelSentinel,
	}, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	dec := decodeStream(rec.Body.Bytes())
	assert.Contains(t, dec.VisibleText, "Deep research is unavailable right now")
	assert.Contains(t, dec.VisibleText, "search-backed answer")

	reqs := chat.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "search-model", reqs[0].Model)
}

func TestResearchStatusEndpoint(t *testing.T) {
	researchr := &fakeResearch{
		jobStates: []research.Job{{
			ID:     "job-9",
			Status: research.StatusCompleted,
			Result: &research.Result{
				Text:      "done",
				Citations: []research.Citation{{Title: "Source", URL: "https://example.edu"}},
			},
		}},
	}
	g := newTestGateway(&fakeChat{}, &fakeAux{}, researchr)

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/research/job-9", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"status":"completed"`)
	assert.Contains(t, body, `"text":"done"`)
	assert.Contains(t, body, "https://example.edu")
}

func TestResearchStatusFailedJob(t *testing.T) {
	researchr := &fakeResearch{
		jobStates: []research.Job{{ID: "job-2", Status: research.StatusFailed, Error: "model refused"}},
	}
	g := newTestGateway(&fakeChat{}, &fakeAux{}, researchr)

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/research/job-2", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"failed"`)
	assert.Contains(t, rec.Body.String(), "model refused")
}

func TestHealthAndStats(t *testing.T) {
	g := newTestGateway(&fakeChat{}, &fakeAux{}, &fakeResearch{})

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"requests"`)
}

func TestSummaryMergeFailureStillCompletesTurn(t *testing.T) {
	chat := &fakeChat{deltas: []string{"the answer"}}
	aux := &fakeAux{err: errors.New("aux model down")}
	g := newTestGateway(chat, aux, &fakeResearch{})

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
		"topicId": "general-support",
		"message": "hi",
	}, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	dec := decodeStream(rec.Body.Bytes())
	assert.Equal(t, "the answer", dec.VisibleText)
	assert.Empty(t, dec.MemoryToken, "merge failure leaves the old token in play")
}

// Read the entire stream through an io.Reader to mirror real client decoding.
func TestChatStreamDecodesChunkwise(t *testing.T) {
	chat := &fakeChat{deltas: []string{"alpha ", "beta ", "gamma"}}
	g := newTestGateway(chat, &fakeAux{reply: "s"}, &fakeResearch{})

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, chatRequest(t, map[string]string{
		"topicId": "0-0",
		"message": "hi",
	}, nil))

	raw := rec.Body.Bytes()
	d := streamx.NewDecoder()
	r := bytes.NewReader(raw)
	buf := make([]byte, 7)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			d.Feed(buf[:n])
		}
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	dec := d.Finish()
	assert.Equal(t, "alpha beta gamma", dec.VisibleText)
	require.NotNil(t, dec.SessionInfo)
	assert.Equal(t, "0-0", dec.SessionInfo.TopicID)
	assert.NotEmpty(t, dec.MemoryToken)
}
