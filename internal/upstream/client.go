// Package upstream wraps calls to the remote completion service.
//
// DESIGN: One client, two call shapes:
//   - CompleteStream(): token-by-token delivery for the user-facing turn
//   - Complete():       buffered call for auxiliary work (compaction, rewrite)
//
// Both thread the caller's context into the SDK so a client disconnect tears
// down the outbound HTTP request instead of leaking it, and both retry only on
// rate limiting (RetryOnRateLimit). A streaming call is never retried once the
// first delta has been forwarded.
package upstream

import (
	"context"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"
)

// Message is one conversation turn sent to the model.
type Message struct {
	Role         string // "user" or "assistant"
	Content      string
	ImageDataURL string // optional base64 data URL, inlined as an image part
}

// Request describes one completion call.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	MaxTokens    int64
}

// Client calls the completion service with bounded rate-limit retry.
type Client struct {
	api        openai.Client
	maxRetries int
	backoff    func(int) time.Duration
}

// Option configures the Client.
type Option func(*Client)

// WithMaxRetries overrides the rate-limit retry bound.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackoff overrides the retry backoff schedule. Tests use this to avoid
// real sleeps.
func WithBackoff(fn func(int) time.Duration) Option {
	return func(c *Client) { c.backoff = fn }
}

// New creates a completion client. baseURL is optional; empty means the
// service default.
func New(apiKey, baseURL string, opts ...Option) *Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	c := &Client{
		api:        openai.NewClient(reqOpts...),
		maxRetries: DefaultMaxRetries,
		backoff:    Backoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompleteStream streams the model reply, invoking onDelta for each text
// fragment in generation order. An onDelta error aborts the stream and is
// returned unchanged (the gateway uses this for client-disconnect teardown).
func (c *Client) CompleteStream(ctx context.Context, req Request, onDelta func(string) error) error {
	params := buildParams(req)
	emitted := false

	attempt := func() error {
		stream := c.api.Chat.Completions.NewStreaming(ctx, params)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			emitted = true
			if err := onDelta(delta); err != nil {
				return err
			}
		}
		if err := stream.Err(); err != nil {
			return Classify(ctx, err)
		}
		return nil
	}

	return RetryOnRateLimit(ctx, c.maxRetries, c.backoff, func() error {
		err := attempt()
		if err != nil && emitted {
			// Mid-stream failures cannot be replayed without duplicating
			// already-delivered text; surface instead of retrying.
			log.Debug().Err(err).Msg("upstream: mid-stream failure, not retrying")
			return Classify(ctx, err)
		}
		return err
	})
}

// Complete performs a buffered completion and returns the full reply text.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	params := buildParams(req)

	var text string
	err := RetryOnRateLimit(ctx, c.maxRetries, c.backoff, func() error {
		resp, err := c.api.Chat.Completions.New(ctx, params)
		if err != nil {
			return Classify(ctx, err)
		}
		if len(resp.Choices) == 0 {
			return Classify(ctx, errEmptyResponse)
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	return text, err
}

func buildParams(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch {
		case m.Role == "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		case m.ImageDataURL != "":
			parts := []openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(m.Content),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: m.ImageDataURL,
				}),
			}
			messages = append(messages, openai.UserMessage(parts))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}
	return params
}
