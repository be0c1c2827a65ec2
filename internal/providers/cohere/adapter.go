// Package cohere speaks the Cohere v2 chat wire format. Streams use named
// SSE events; only content-delta and message-end carry chunk data, other
// event types are ignored.
package cohere

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/modelrelay/modelrelay/internal/chat"
	"github.com/modelrelay/modelrelay/internal/providers"
)

// Adapter implements providers.Adapter for the Cohere v2 API.
type Adapter struct {
	id           string
	apiKey       string
	baseURL      string
	client       *http.Client
	streamClient *http.Client
	headers      map[string]string
}

// New creates a Cohere adapter bound to the given credentials.
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

type wireUsage struct {
	BilledUnits struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"billed_units"`
}

func (u *wireUsage) toChat() *chat.Usage {
	if u == nil {
		return nil
	}
	return &chat.Usage{InputTokens: u.BilledUnits.InputTokens, OutputTokens: u.BilledUnits.OutputTokens}
}

func (a *Adapter) buildPayload(model string, req chat.Request, stream bool) map[string]any {
	messages := make([]map[string]string, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = map[string]string{"role": string(m.Role), "content": m.Content}
	}
	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		payload["max_tokens"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		payload["stop_sequences"] = req.Stop
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

// Complete performs a unary v2/chat call.
func (a *Adapter) Complete(ctx context.Context, model string, req chat.Request) (*chat.Response, error) {
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v2/chat",
		a.buildPayload(model, req, false), a.requestHeaders())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
		FinishReason string     `json:"finish_reason"`
		Usage        *wireUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &providers.StatusError{StatusCode: http.StatusBadGateway, Body: "unparseable response: " + err.Error()}
	}

	var sb strings.Builder
	for _, block := range parsed.Message.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &chat.Response{
		Provider:     a.id,
		Model:        model,
		Message:      chat.Message{Role: chat.RoleAssistant, Content: sb.String()},
		FinishReason: strings.ToLower(parsed.FinishReason),
		Usage:        parsed.Usage.toChat(),
	}, nil
}

// Stream opens a streaming v2/chat call.
func (a *Adapter) Stream(ctx context.Context, model string, req chat.Request) (*chat.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	body, err := providers.DoStreamRequest(ctx, a.streamClient, a.baseURL+"/v2/chat",
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
			switch ev.Name {
			case "content-delta":
				var frame struct {
					Delta struct {
						Message struct {
							Content struct {
								Text string `json:"text"`
							} `json:"content"`
						} `json:"message"`
					} `json:"delta"`
				}
				if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
					continue
				}
				if frame.Delta.Message.Content.Text == "" {
					continue
				}
				if !stream.Send(chat.Chunk{Delta: frame.Delta.Message.Content.Text}) {
					return
				}
			case "message-end":
				var frame struct {
					Delta struct {
						FinishReason string     `json:"finish_reason"`
						Usage        *wireUsage `json:"usage"`
					} `json:"delta"`
				}
				if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
					continue
				}
				stream.Send(chat.Chunk{
					FinishReason: strings.ToLower(frame.Delta.FinishReason),
					Usage:        frame.Delta.Usage.toChat(),
				})
				return
			default:
				// message-start, content-start, content-end and future
				// event types carry nothing the envelope needs.
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			stream.Send(chat.Chunk{Err: err})
		}
	}()

	return stream, nil
}

// ListModels fetches the upstream model catalog, chat-capable entries only.
func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	body, err := providers.DoGet(ctx, a.client, a.baseURL+"/v1/models?endpoint=chat", a.requestHeaders())
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		if m.Name != "" {
			ids = append(ids, m.Name)
		}
	}
	return ids, nil
}
