// Package textprompt speaks to bare completion endpoints that accept a
// single prompt string. The chat transcript is collapsed into "role:
// content" lines; responses are raw text, streamed line by line.
package textprompt

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/modelrelay/modelrelay/internal/chat"
	"github.com/modelrelay/modelrelay/internal/providers"
)

// Adapter implements providers.Adapter for plain-text prompt endpoints.
type Adapter struct {
	id           string
	apiKey       string
	baseURL      string
	client       *http.Client
	streamClient *http.Client
	headers      map[string]string
}

// New creates a prompt-collapse adapter bound to the given endpoint.
func New(id, apiKey, baseURL string, opts ...providers.Option) *Adapter {
	o := providers.BuildOptions(opts)
	return &Adapter{
		id:           id,
		apiKey:       apiKey,
		baseURL:      baseURL,
		client:       o.Client,
		streamClient: &http.Client{Transport: o.Client.Transport},
		headers:      o.Headers,
	}
}

func (a *Adapter) ID() string { return a.id }

// CollapsePrompt flattens a chat transcript into "role: content" lines.
func CollapsePrompt(messages []chat.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (a *Adapter) endpoint(model string, stream bool) string {
	q := url.Values{}
	if model != "" {
		q.Set("model", model)
	}
	if stream {
		q.Set("stream", "true")
	}
	if len(q) == 0 {
		return a.baseURL + "/"
	}
	return a.baseURL + "/?" + q.Encode()
}

func (a *Adapter) newRequest(ctx context.Context, model string, req chat.Request, stream bool) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(model, stream),
		strings.NewReader(CollapsePrompt(req.Messages)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "text/plain")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// Complete performs a unary prompt call. The endpoint returns raw text and
// no usage; callers estimate cost instead.
func (a *Adapter) Complete(ctx context.Context, model string, req chat.Request) (*chat.Response, error) {
	httpReq, err := a.newRequest(ctx, model, req, false)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &providers.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, se
	}

	return &chat.Response{
		Provider:     a.id,
		Model:        model,
		Message:      chat.Message{Role: chat.RoleAssistant, Content: strings.TrimRight(string(body), "\n")},
		FinishReason: "stop",
	}, nil
}

// Stream opens a streaming prompt call. Output is line-buffered raw text;
// each line becomes one chunk with its newline restored.
func (a *Adapter) Stream(ctx context.Context, model string, req chat.Request) (*chat.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := a.newRequest(ctx, model, req, true)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := a.streamClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		cancel()
		se := &providers.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, se
	}

	stream := chat.NewStream(a.id, model, func() {
		cancel()
		_ = resp.Body.Close()
	})

	go func() {
		defer stream.End()
		defer func() { _ = resp.Body.Close() }()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		first := true
		for sc.Scan() {
			delta := sc.Text()
			if !first {
				delta = "\n" + delta
			}
			first = false
			if delta == "" {
				continue
			}
			if !stream.Send(chat.Chunk{Delta: delta}) {
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			stream.Send(chat.Chunk{Err: err})
			return
		}
		stream.Send(chat.Chunk{FinishReason: "stop"})
	}()

	return stream, nil
}
