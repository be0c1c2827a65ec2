// Package openai speaks the OpenAI chat-completions wire format. It also
// serves OpenAI-compatible endpoints (Groq, Mistral, vLLM deployments)
// configured with a different base URL.
package openai

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/chat"
	"github.com/modelrelay/modelrelay/internal/providers"
)

// Adapter implements providers.Adapter for the OpenAI API family.
type Adapter struct {
	id           string
	apiKey       string
	baseURL      string
	client       *http.Client
	streamClient *http.Client
	headers      map[string]string
}

// New creates an OpenAI-family adapter bound to the given credentials.
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

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (a *Adapter) buildPayload(model string, req chat.Request, stream bool) map[string]any {
	messages := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = wireMessage{Role: string(m.Role), Content: m.Content}
	}
	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		payload["max_tokens"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}
	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	return payload
}

func (a *Adapter) requestHeaders() map[string]string {
	h := map[string]string{"Authorization": "Bearer " + a.apiKey}
	for k, v := range a.headers {
		h[k] = v
	}
	return h
}

// Complete performs a unary chat completion.
func (a *Adapter) Complete(ctx context.Context, model string, req chat.Request) (*chat.Response, error) {
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions",
		a.buildPayload(model, req, false), a.requestHeaders())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Choices []struct {
			Message      wireMessage `json:"message"`
			FinishReason string      `json:"finish_reason"`
		} `json:"choices"`
		Usage *wireUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &providers.StatusError{StatusCode: http.StatusBadGateway, Body: "unparseable response: " + err.Error()}
	}
	if len(parsed.Choices) == 0 {
		return nil, &providers.StatusError{StatusCode: http.StatusBadGateway, Body: "response contained no choices"}
	}

	resp := &chat.Response{
		Provider:     a.id,
		Model:        model,
		Message:      chat.Message{Role: chat.RoleAssistant, Content: parsed.Choices[0].Message.Content},
		FinishReason: parsed.Choices[0].FinishReason,
	}
	if parsed.Usage != nil {
		resp.Usage = &chat.Usage{InputTokens: parsed.Usage.PromptTokens, OutputTokens: parsed.Usage.CompletionTokens}
	}
	return resp, nil
}

// Stream opens a streaming chat completion.
func (a *Adapter) Stream(ctx context.Context, model string, req chat.Request) (*chat.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	body, err := providers.DoStreamRequest(ctx, a.streamClient, a.baseURL+"/v1/chat/completions",
		a.buildPayload(model, req, true), a.requestHeaders())
	if err != nil {
		cancel()
		return nil, err
	}

	stream := chat.NewStream(a.id, model, func() {
		cancel()
		_ = body.Close()
	})

	go func() {
		defer stream.End()
		defer func() { _ = body.Close() }()

		sc := providers.NewSSEScanner(body)
		for sc.Next() {
			ev := sc.Event()
			if ev.Data == "[DONE]" {
				return
			}
			var frame struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
					FinishReason string `json:"finish_reason"`
				} `json:"choices"`
				Usage *wireUsage `json:"usage"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
				// Malformed frames are dropped, not fatal.
				continue
			}
			chunk := chat.Chunk{}
			if len(frame.Choices) > 0 {
				chunk.Delta = frame.Choices[0].Delta.Content
				chunk.FinishReason = frame.Choices[0].FinishReason
			}
			if frame.Usage != nil {
				chunk.Usage = &chat.Usage{InputTokens: frame.Usage.PromptTokens, OutputTokens: frame.Usage.CompletionTokens}
			}
			if chunk.Delta == "" && chunk.FinishReason == "" && chunk.Usage == nil {
				continue
			}
			if !stream.Send(chunk) {
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			stream.Send(chat.Chunk{Err: err})
		}
	}()

	return stream, nil
}

// ListModels fetches the upstream model catalog.
func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	body, err := providers.DoGet(ctx, a.client, a.baseURL+"/v1/models", a.requestHeaders())
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}
