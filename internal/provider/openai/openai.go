// Package openai adapts OpenAI-compatible chat completion APIs. The same
// adapter serves OpenAI itself and OpenRouter, which differ only in base URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
)

const (
	DefaultBaseURL    = "https://api.openai.com/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

type Adapter struct {
	name   string
	client openaisdk.Client
}

// New builds an OpenAI adapter. An empty baseURL uses the OpenAI endpoint.
func New(apiKey, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return newAdapter(provider.OpenAI, apiKey, baseURL)
}

// NewOpenRouter builds the same adapter against OpenRouter.
func NewOpenRouter(apiKey, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = OpenRouterBaseURL
	}
	return newAdapter(provider.OpenRouter, apiKey, baseURL,
		option.WithHeader("X-Title", "StudyFlow"),
	)
}

func newAdapter(name, apiKey, baseURL string, extra ...option.RequestOption) *Adapter {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(http.DefaultClient),
		// Retrying is the caller's decision; the taxonomy tells it whether to.
		option.WithMaxRetries(0),
	}
	opts = append(opts, extra...)
	return &Adapter{
		name:   name,
		client: openaisdk.NewClient(opts...),
	}
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) Chat(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.KindBadRequest, err)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.mapError(ctx, err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &provider.Response{
		ID:      resp.ID,
		Content: content,
		Usage: provider.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		Model:    resp.Model,
		Provider: a.name,
	}, nil
}

// StreamChat requests usage reporting; the vendor then sends usage only on
// the terminal chunk. Content chunks carry no usage, so the last reported
// usage is surfaced and stays zero when the vendor never sends it. A stream
// that ends before any finish reason or usage chunk was cut short.
func (a *Adapter) StreamChat(ctx context.Context, req *provider.Request, cb provider.Callbacks) {
	g := provider.NewGuard(cb)
	defer g.Finish()

	params, err := buildParams(req)
	if err != nil {
		g.Fail(chaterr.Wrap(chaterr.KindBadRequest, err))
		return
	}
	params.StreamOptions = openaisdk.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaisdk.Bool(true),
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var usage provider.Usage
	finished := false
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			g.Delta(choice.Delta.Content)
			if choice.FinishReason != "" {
				finished = true
			}
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			finished = true
			usage = provider.Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			}
		}
	}

	if err := stream.Err(); err != nil {
		g.Fail(a.mapError(ctx, err))
		return
	}
	if ctx.Err() != nil {
		g.Fail(chaterr.Wrap(chaterr.KindCancelled, ctx.Err()))
		return
	}
	if !finished {
		g.Fail(chaterr.Wrap(chaterr.KindNetworkInterrupted,
			fmt.Errorf("%s stream ended without a finish reason", a.name)))
		return
	}
	g.Complete(usage)
}

func (a *Adapter) ValidateKey(ctx context.Context) bool {
	_, err := a.client.Models.List(ctx)
	return err == nil
}

func (a *Adapter) mapError(ctx context.Context, err error) *chaterr.Error {
	if ctx.Err() != nil {
		return chaterr.Wrap(chaterr.KindCancelled, ctx.Err())
	}
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		cause := fmt.Errorf("%s api error (status %d): %w", a.name, apiErr.StatusCode, err)
		if apiErr.StatusCode == 0 {
			return chaterr.FromMessage(apiErr.Message).WithCause(cause)
		}
		return chaterr.FromStatus(apiErr.StatusCode).WithCause(cause)
	}
	return chaterr.From(err)
}

func buildParams(req *provider.Request) (openaisdk.ChatCompletionNewParams, error) {
	if strings.TrimSpace(req.Model) == "" {
		return openaisdk.ChatCompletionNewParams{}, fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return openaisdk.ChatCompletionNewParams{}, fmt.Errorf("messages are required")
	}

	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		param, err := toMessageParam(m)
		if err != nil {
			return openaisdk.ChatCompletionNewParams{}, err
		}
		messages = append(messages, param)
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:     openaisdk.ChatModel(req.Model),
		Messages:  messages,
		MaxTokens: openaisdk.Int(int64(provider.MaxTokens(req))),
	}
	if req.Temperature > 0 {
		params.Temperature = openaisdk.Float(req.Temperature)
	}
	return params, nil
}

func toMessageParam(m provider.Message) (openaisdk.ChatCompletionMessageParamUnion, error) {
	switch strings.ToLower(strings.TrimSpace(m.Role)) {
	case "system":
		return openaisdk.SystemMessage(m.Content), nil
	case "user":
		return openaisdk.UserMessage(m.Content), nil
	case "assistant":
		return openaisdk.AssistantMessage(m.Content), nil
	default:
		return openaisdk.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported role: %s", m.Role)
	}
}
