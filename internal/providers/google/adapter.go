// Package google speaks the Gemini generateContent wire format. System
// messages are hoisted into systemInstruction and assistant turns are
// renamed to the "model" role, which is what the API expects.
package google

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/modelrelay/modelrelay/internal/chat"
	"github.com/modelrelay/modelrelay/internal/providers"
)

// Adapter implements providers.Adapter for the Gemini API.
type Adapter struct {
	id           string
	apiKey       string
	baseURL      string
	client       *http.Client
	streamClient *http.Client
	headers      map[string]string
}

// New creates a Gemini adapter bound to the given credentials.
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

type wirePart struct {
	Text string `json:"text"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireCandidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason"`
}

type wireUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type wireResponse struct {
	Candidates    []wireCandidate `json:"candidates"`
	UsageMetadata *wireUsage      `json:"usageMetadata"`
}

func (a *Adapter) buildPayload(req chat.Request) map[string]any {
	var systemParts []wirePart
	var contents []wireContent
	for _, m := range req.Messages {
		switch m.Role {
		case chat.RoleSystem:
			systemParts = append(systemParts, wirePart{Text: m.Content})
		case chat.RoleAssistant:
			contents = append(contents, wireContent{Role: "model", Parts: []wirePart{{Text: m.Content}}})
		default:
			contents = append(contents, wireContent{Role: "user", Parts: []wirePart{{Text: m.Content}}})
		}
	}

	payload := map[string]any{"contents": contents}
	if len(systemParts) > 0 {
		payload["systemInstruction"] = wireContent{Parts: systemParts}
	}

	gen := map[string]any{}
	if req.Temperature != nil {
		gen["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		gen["topP"] = *req.TopP
	}
	if req.MaxTokens != nil {
		gen["maxOutputTokens"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		gen["stopSequences"] = req.Stop
	}
	if len(gen) > 0 {
		payload["generationConfig"] = gen
	}
	return payload
}

func (a *Adapter) requestHeaders() map[string]string {
	h := map[string]string{"x-goog-api-key": a.apiKey}
	for k, v := range a.headers {
		h[k] = v
	}
	return h
}

func candidateText(c wireCandidate) string {
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Complete performs a unary generateContent call.
func (a *Adapter) Complete(ctx context.Context, model string, req chat.Request) (*chat.Response, error) {
	url := a.baseURL + "/v1beta/models/" + model + ":generateContent"
	body, err := providers.DoRequest(ctx, a.client, url, a.buildPayload(req), a.requestHeaders())
	if err != nil {
		return nil, err
	}

	var parsed wireResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &providers.StatusError{StatusCode: http.StatusBadGateway, Body: "unparseable response: " + err.Error()}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &providers.StatusError{StatusCode: http.StatusBadGateway, Body: "response contained no candidates"}
	}

	resp := &chat.Response{
		Provider:     a.id,
		Model:        model,
		Message:      chat.Message{Role: chat.RoleAssistant, Content: candidateText(parsed.Candidates[0])},
		FinishReason: strings.ToLower(parsed.Candidates[0].FinishReason),
	}
	if parsed.UsageMetadata != nil {
		resp.Usage = &chat.Usage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		}
	}
	return resp, nil
}

// Stream opens a streamGenerateContent call with SSE framing. Some proxy
// deployments wrap each frame in {"response": ...}; both shapes are accepted.
func (a *Adapter) Stream(ctx context.Context, model string, req chat.Request) (*chat.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	url := a.baseURL + "/v1beta/models/" + model + ":streamGenerateContent?alt=sse"
	body, err := providers.DoStreamRequest(ctx, a.streamClient, url, a.buildPayload(req), a.requestHeaders())
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
			frame, ok := parseFrame(sc.Event().Data)
			if !ok {
				continue
			}
			chunk := chat.Chunk{}
			if len(frame.Candidates) > 0 {
				chunk.Delta = candidateText(frame.Candidates[0])
				chunk.FinishReason = strings.ToLower(frame.Candidates[0].FinishReason)
			}
			if frame.UsageMetadata != nil {
				chunk.Usage = &chat.Usage{
					InputTokens:  frame.UsageMetadata.PromptTokenCount,
					OutputTokens: frame.UsageMetadata.CandidatesTokenCount,
				}
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

func parseFrame(data string) (wireResponse, bool) {
	var wrapped struct {
		Response *wireResponse `json:"response"`
	}
	if err := json.Unmarshal([]byte(data), &wrapped); err == nil && wrapped.Response != nil {
		return *wrapped.Response, true
	}
	var plain wireResponse
	if err := json.Unmarshal([]byte(data), &plain); err != nil {
		return wireResponse{}, false
	}
	return plain, true
}

// ListModels fetches the upstream model catalog. Gemini prefixes model names
// with "models/"; the prefix is stripped.
func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	body, err := providers.DoGet(ctx, a.client, a.baseURL+"/v1beta/models", a.requestHeaders())
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
		if m.Name == "" {
			continue
		}
		ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
	}
	return ids, nil
}
