// Package cloudflare speaks the Workers AI run endpoint. Model IDs contain
// raw slashes ("@cf/meta/llama-3-8b-instruct") and are spliced into the URL
// path unescaped, which is what the API expects.
package cloudflare

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/chat"
	"github.com/modelrelay/modelrelay/internal/providers"
)

// Adapter implements providers.Adapter for Cloudflare Workers AI.
type Adapter struct {
	id           string
	apiKey       string
	baseURL      string
	accountID    string
	client       *http.Client
	streamClient *http.Client
	headers      map[string]string
}

// New creates a Workers AI adapter bound to the given account.
func New(id, apiKey, baseURL, accountID string, opts ...providers.Option) *Adapter {
	o := providers.BuildOptions(opts)
	return &Adapter{
		id:           id,
		apiKey:       apiKey,
		baseURL:      baseURL,
		accountID:    accountID,
		client:       o.Client,
		streamClient: &http.Client{Transport: o.Client.Transport},
		headers:      o.Headers,
	}
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) runURL(model string) string {
	return a.baseURL + "/accounts/" + a.accountID + "/ai/run/" + model
}

func (a *Adapter) buildPayload(req chat.Request, stream bool) map[string]any {
	messages := make([]map[string]string, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = map[string]string{"role": string(m.Role), "content": m.Content}
	}
	payload := map[string]any{"messages": messages}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		payload["max_tokens"] = *req.MaxTokens
	}
	if stream {
		payload["stream"] = true
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

// Complete performs a unary run call. Workers AI reports no token usage on
// this shape; callers estimate cost instead.
func (a *Adapter) Complete(ctx context.Context, model string, req chat.Request) (*chat.Response, error) {
	body, err := providers.DoRequest(ctx, a.client, a.runURL(model),
		a.buildPayload(req, false), a.requestHeaders())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Result struct {
			Response string `json:"response"`
		} `json:"result"`
		Success bool `json:"success"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &providers.StatusError{StatusCode: http.StatusBadGateway, Body: "unparseable response: " + err.Error()}
	}
	if !parsed.Success {
		msg := "request reported failure"
		if len(parsed.Errors) > 0 {
			msg = parsed.Errors[0].Message
		}
		return nil, &providers.StatusError{StatusCode: http.StatusBadGateway, Body: msg}
	}

	return &chat.Response{
		Provider:     a.id,
		Model:        model,
		Message:      chat.Message{Role: chat.RoleAssistant, Content: parsed.Result.Response},
		FinishReason: "stop",
	}, nil
}

// Stream opens a streaming run call. Frames are {"response":"..."} data
// events ending with [DONE].
func (a *Adapter) Stream(ctx context.Context, model string, req chat.Request) (*chat.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	body, err := providers.DoStreamRequest(ctx, a.streamClient, a.runURL(model),
		a.buildPayload(req, true), a.requestHeaders())
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
				stream.Send(chat.Chunk{FinishReason: "stop"})
				return
			}
			var frame struct {
				Response string `json:"response"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
				continue
			}
			if frame.Response == "" {
				continue
			}
			if !stream.Send(chat.Chunk{Delta: frame.Response}) {
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			stream.Send(chat.Chunk{Err: err})
		}
	}()

	return stream, nil
}

// ListModels fetches the account's text-generation model search results.
func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	url := a.baseURL + "/accounts/" + a.accountID + "/ai/models/search?task=Text%20Generation"
	body, err := providers.DoGet(ctx, a.client, url, a.requestHeaders())
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Result []struct {
			Name string `json:"name"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(parsed.Result))
	for _, m := range parsed.Result {
		if m.Name != "" {
			ids = append(ids, m.Name)
		}
	}
	return ids, nil
}
