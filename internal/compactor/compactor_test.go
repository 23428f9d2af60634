package compactor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courseloop/tutor-gateway/internal/upstream"
)

// fakeAux scripts auxiliary model replies per system prompt.
type fakeAux struct {
	replies map[string]string // keyed by system prompt
	err     error
	calls   []upstream.Request
}

func (f *fakeAux) Complete(_ context.Context, req upstream.Request) (string, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", f.err
	}
	return f.replies[req.SystemPrompt], nil
}

func TestBuildHistoryCapsToLastFourTurns(t *testing.T) {
	c := New(&fakeAux{}, Config{})
	turns := []Turn{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: "three"},
		{Role: "assistant", Content: "four"},
		{Role: "user", Content: "five"},
		{Role: "assistant", Content: "six"},
	}

	msgs := c.BuildHistory(turns, "")
	require.Len(t, msgs, 4)
	assert.Equal(t, "three", msgs[0].Content)
	assert.Equal(t, "six", msgs[3].Content)
}

func TestBuildHistoryPrependsSummaryPseudoTurn(t *testing.T) {
	c := New(&fakeAux{}, Config{})
	msgs := c.BuildHistory([]Turn{{Role: "user", Content: "hi"}}, "prior context")

	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[0].Role)
	assert.Equal(t, SummaryTurnPrefix+"prior context", msgs[0].Content)
}

func TestBuildHistoryFiltersStaleSummaryInjections(t *testing.T) {
	c := New(&fakeAux{}, Config{})
	turns := []Turn{
		{Role: "assistant", Content: SummaryTurnPrefix + "old summary from last round trip"},
		{Role: "user", Content: "question"},
		{Role: "system", Content: "not a conversation role"},
	}

	msgs := c.BuildHistory(turns, "fresh summary")
	require.Len(t, msgs, 2)
	assert.Equal(t, SummaryTurnPrefix+"fresh summary", msgs[0].Content)
	assert.Equal(t, "question", msgs[1].Content)
}

func TestEstimateTokensFallbackRatio(t *testing.T) {
	c := New(&fakeAux{}, Config{})
	text := strings.Repeat("a", 300)
	got := c.EstimateTokens(text)
	// Either the real encoder or the chars/3 fallback; both land well over 50
	// for 300 chars and under 400.
	assert.Greater(t, got, 50)
	assert.Less(t, got, 400)
}

func TestOverBudget(t *testing.T) {
	c := New(&fakeAux{}, Config{BudgetTokens: 10})
	assert.False(t, c.OverBudget("short"))
	assert.True(t, c.OverBudget(strings.Repeat("word ", 200)))
}

func TestCondenseUserMessage(t *testing.T) {
	aux := &fakeAux{replies: map[string]string{
		SystemPromptCondense: "Deadline for assignment 3?",
	}}
	c := New(aux, Config{AuxModel: "aux-model"})

	got := c.CondenseUserMessage(context.Background(), strings.Repeat("long question ", 100))
	assert.Equal(t, "Deadline for assignment 3?", got)
	require.Len(t, aux.calls, 1)
	assert.Equal(t, "aux-model", aux.calls[0].Model)
}

func TestCondenseFailureKeepsOriginal(t *testing.T) {
	aux := &fakeAux{err: errors.New("aux down")}
	c := New(aux, Config{})

	original := "the original message"
	assert.Equal(t, original, c.CondenseUserMessage(context.Background(), original))
}

func TestMergeSummaryHappyPath(t *testing.T) {
	aux := &fakeAux{replies: map[string]string{
		SystemPromptMerge: "Student is working on assignment 3-1, due 2025-11-02.",
	}}
	c := New(aux, Config{})

	got, err := c.MergeSummary(context.Background(), "old", []Turn{{Role: "user", Content: "q"}}, "q", "a")
	require.NoError(t, err)
	assert.Equal(t, "Student is working on assignment 3-1, due 2025-11-02.", got)
}

func TestMergeSummaryFailureSurfaces(t *testing.T) {
	aux := &fakeAux{err: errors.New("aux down")}
	c := New(aux, Config{})

	_, err := c.MergeSummary(context.Background(), "", nil, "q", "a")
	assert.Error(t, err)
}

func TestMergeSummaryCeilingTriggersShrinkPass(t *testing.T) {
	aux := &fakeAux{replies: map[string]string{
		SystemPromptMerge:  strings.Repeat("x", 12000),
		SystemPromptShrink: strings.Repeat("y", 2500),
	}}
	c := New(aux, Config{})

	got, err := c.MergeSummary(context.Background(), "", nil, "q", "a")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("y", 2500), got)
	require.Len(t, aux.calls, 2)
	assert.Equal(t, SystemPromptShrink, aux.calls[1].SystemPrompt)
}

func TestMergeSummaryCeilingAlwaysEndsAtTarget(t *testing.T) {
	// Shrink pass misbehaves and returns something still too big: the result
	// must be clamped to the target before sealing.
	aux := &fakeAux{replies: map[string]string{
		SystemPromptMerge:  strings.Repeat("x", 20000),
		SystemPromptShrink: strings.Repeat("z", 9000),
	}}
	c := New(aux, Config{})

	got, err := c.MergeSummary(context.Background(), "", nil, "q", "a")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), 3000)
}
