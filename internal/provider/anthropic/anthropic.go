package anthropic

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"

	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
)

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string         `json:"id"`
	Content []contentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(apiKey, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
	}
}

func (a *Adapter) Name() string {
	return provider.Anthropic
}

func (a *Adapter) Chat(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	resp, err := a.send(ctx, mapRequest(req, false))
	if err != nil {
		return nil, provider.CanceledOr(ctx, err)
	}
	defer resp.Body.Close()

	body, err := decompress(resp)
	if err != nil {
		return nil, chaterr.From(err)
	}

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(body)
		return nil, mapError(resp.StatusCode, data)
	}

	var out messagesResponse
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return nil, chaterr.Wrap(chaterr.KindServerError, err)
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &provider.Response{
		ID:      out.ID,
		Content: sb.String(),
		Usage: provider.Usage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
		},
		Model:    out.Model,
		Provider: a.Name(),
	}, nil
}

// StreamChat consumes the messages SSE stream. Usage is assembled into the
// final message: input tokens arrive on message_start, the running output
// count on message_delta, and both are surfaced once message_stop is seen.
func (a *Adapter) StreamChat(ctx context.Context, req *provider.Request, cb provider.Callbacks) {
	g := provider.NewGuard(cb)
	defer g.Finish()

	resp, err := a.send(ctx, mapRequest(req, true))
	if err != nil {
		g.Fail(provider.CanceledOr(ctx, err))
		return
	}
	defer resp.Body.Close()

	body, err := decompress(resp)
	if err != nil {
		g.Fail(chaterr.From(err))
		return
	}

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(body)
		g.Fail(mapError(resp.StatusCode, data))
		return
	}

	reader := bufio.NewReader(body)
	var currentEvent string
	var final usage

	for {
		if ctx.Err() != nil {
			g.Fail(chaterr.Wrap(chaterr.KindCancelled, ctx.Err()))
			return
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// The stream ended without message_stop; Finish reports it.
				return
			}
			g.Fail(provider.CanceledOr(ctx, err))
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		switch currentEvent {
		case "message_start":
			u := gjson.Get(data, "message.usage")
			final.InputTokens = int(u.Get("input_tokens").Int())
			final.OutputTokens = int(u.Get("output_tokens").Int())
		case "content_block_delta":
			if gjson.Get(data, "delta.type").String() == "text_delta" {
				g.Delta(gjson.Get(data, "delta.text").String())
			}
		case "message_delta":
			u := gjson.Get(data, "usage")
			if v := u.Get("output_tokens"); v.Exists() {
				final.OutputTokens = int(v.Int())
			}
			if v := u.Get("input_tokens"); v.Exists() && v.Int() > 0 {
				final.InputTokens = int(v.Int())
			}
		case "message_stop":
			g.Complete(provider.Usage{
				InputTokens:  final.InputTokens,
				OutputTokens: final.OutputTokens,
			})
			return
		case "error":
			g.Fail(mapError(0, []byte(data)))
			return
		}
	}
}

// ValidateKey lists models with the key; any non-200 answer means the key is
// not usable.
func (a *Adapter) ValidateKey(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models?limit=1", nil)
	if err != nil {
		return false
	}
	a.setHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (a *Adapter) send(ctx context.Context, body messagesRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip, br")
	a.setHeaders(httpReq)

	return a.client.Do(httpReq)
}

func (a *Adapter) setHeaders(r *http.Request) {
	r.Header.Set("x-api-key", a.apiKey)
	r.Header.Set("anthropic-version", apiVersion)
}

// mapRequest moves system messages out of the conversation into the
// top-level system field.
func mapRequest(req *provider.Request, stream bool) messagesRequest {
	var system []string
	messages := make([]message, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, message{
			Role:    role,
			Content: m.Content,
		})
	}

	return messagesRequest{
		Model:       req.Model,
		MaxTokens:   provider.MaxTokens(req),
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

// mapError converts an Anthropic error body into the taxonomy. status is 0
// for errors delivered inside an open stream.
func mapError(status int, body []byte) *chaterr.Error {
	errType := gjson.GetBytes(body, "error.type").String()
	errMsg := gjson.GetBytes(body, "error.message").String()
	cause := fmt.Errorf("anthropic api error (status %d, type %q): %s", status, errType, errMsg)

	switch {
	case errType == "overloaded_error":
		return chaterr.FromStatus(http.StatusServiceUnavailable).WithCause(cause)
	case status != 0:
		return chaterr.FromStatus(status).WithCause(cause)
	}

	switch errType {
	case "authentication_error", "permission_error":
		return chaterr.FromStatus(http.StatusUnauthorized).WithCause(cause)
	case "rate_limit_error":
		return chaterr.FromStatus(http.StatusTooManyRequests).WithCause(cause)
	case "invalid_request_error":
		return chaterr.FromStatus(http.StatusBadRequest).WithCause(cause)
	case "api_error":
		return chaterr.FromStatus(http.StatusInternalServerError).WithCause(cause)
	}
	return chaterr.FromMessage(errMsg).WithCause(cause)
}

func decompress(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	}
	return resp.Body, nil
}
