package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/chat"
	"github.com/modelrelay/modelrelay/internal/providers"
)

// CompletionsRequest is the OpenAI-compatible request for
// /v1/chat/completions.
type CompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        any      `json:"stop,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completionsResponse struct {
	ID       string             `json:"id"`
	Object   string             `json:"object"`
	Created  int64              `json:"created"`
	Model    string             `json:"model"`
	Provider string             `json:"provider,omitempty"`
	Choices  []completionChoice `json:"choices"`
	Usage    *completionUsage   `json:"usage,omitempty"`
}

type completionChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chunkResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []chunkChoice    `json:"choices"`
	Usage   *completionUsage `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatCompletionsHandler serves the OpenAI-compatible chat endpoint, unary
// and streaming. Tenant and preferred-provider hints travel in the
// X-Tenant-ID and X-Preferred-Provider headers.
func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var body CompletionsRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeBadRequest(w, "invalid JSON: "+err.Error())
			return
		}
		req, err := canonicalRequest(body, r)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}

		ctx := providers.WithRequestID(r.Context(), req.CorrelationID)

		if req.Stream {
			streamCompletion(ctx, w, d, req, start)
			return
		}

		resp, err := d.Orchestrator.Complete(ctx, req)
		mode := "unary"
		if err != nil {
			d.observe(mode, req.Model, "", string(chat.KindOf(err)), start)
			writeError(w, err)
			return
		}
		d.observe(mode, req.Model, resp.Provider, "ok", start)

		out := completionsResponse{
			ID:       "chatcmpl-" + req.CorrelationID,
			Object:   "chat.completion",
			Created:  time.Now().Unix(),
			Model:    resp.Model,
			Provider: resp.Provider,
			Choices: []completionChoice{{
				Message:      wireMessage{Role: string(resp.Message.Role), Content: resp.Message.Content},
				FinishReason: orStop(resp.FinishReason),
			}},
		}
		if resp.Usage != nil {
			out.Usage = &completionUsage{
				PromptTokens:     resp.Usage.InputTokens,
				CompletionTokens: resp.Usage.OutputTokens,
				TotalTokens:      resp.Usage.Total(),
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Served-By", resp.Provider)
		_ = json.NewEncoder(w).Encode(out)
	}
}

func canonicalRequest(body CompletionsRequest, r *http.Request) (chat.Request, error) {
	if body.Model == "" {
		return chat.Request{}, fmt.Errorf("model is required")
	}
	if len(body.Messages) == 0 {
		return chat.Request{}, fmt.Errorf("messages is required")
	}

	messages := make([]chat.Message, len(body.Messages))
	for i, m := range body.Messages {
		switch chat.Role(m.Role) {
		case chat.RoleSystem, chat.RoleUser, chat.RoleAssistant, chat.RoleTool:
		default:
			return chat.Request{}, fmt.Errorf("unsupported message role %q", m.Role)
		}
		messages[i] = chat.Message{Role: chat.Role(m.Role), Content: m.Content}
	}

	correlationID := middleware.GetReqID(r.Context())
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	req := chat.Request{
		Model:             body.Model,
		Messages:          messages,
		Temperature:       body.Temperature,
		TopP:              body.TopP,
		MaxTokens:         body.MaxTokens,
		Stream:            body.Stream,
		TenantID:          r.Header.Get("X-Tenant-ID"),
		PreferredProvider: r.Header.Get("X-Preferred-Provider"),
		CorrelationID:     correlationID,
	}

	// OpenAI allows stop to be a string or an array of strings.
	switch v := body.Stop.(type) {
	case string:
		req.Stop = []string{v}
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				req.Stop = append(req.Stop, str)
			}
		}
	case nil:
	default:
		return chat.Request{}, fmt.Errorf("stop must be a string or array of strings")
	}
	return req, nil
}

// streamCompletion forwards the orchestrated stream as OpenAI-style SSE
// chunks. Failures after commitment surface as an explicit error event
// before the [DONE] marker, never a silent close.
func streamCompletion(ctx context.Context, w http.ResponseWriter, d Dependencies, req chat.Request, start time.Time) {
	stream, err := d.Orchestrator.Stream(ctx, req)
	if err != nil {
		d.observe("stream", req.Model, "", string(chat.KindOf(err)), start)
		writeError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Served-By", stream.Provider)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	emit := func(v any) bool {
		buf, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", buf); err != nil {
			return false
		}
		flush()
		return true
	}

	id := "chatcmpl-" + req.CorrelationID
	created := time.Now().Unix()
	newChunk := func(delta chunkDelta, finish *string) chunkResponse {
		return chunkResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   stream.Model,
			Choices: []chunkChoice{{Delta: delta, FinishReason: finish}},
		}
	}

	// Leading role chunk, as OpenAI emits.
	if !emit(newChunk(chunkDelta{Role: string(chat.RoleAssistant)}, nil)) {
		d.observe("stream", req.Model, stream.Provider, "write_error", start)
		return
	}

	outcome := "ok"
	for c := range stream.Chunks() {
		if c.Err != nil {
			// Explicit terminal error event, then the [DONE] marker.
			_, body := errorBodyFor(chat.NewError(chat.KindTransportError, c.Err, "upstream stream aborted: %v", c.Err))
			if buf, err := json.Marshal(body); err == nil {
				_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", buf)
				flush()
			}
			outcome = "stream_abort"
			break
		}

		out := newChunk(chunkDelta{Content: c.Delta}, nil)
		if c.FinishReason != "" {
			fr := c.FinishReason
			out.Choices[0].FinishReason = &fr
			out.Choices[0].Delta = chunkDelta{}
		}
		if c.Usage != nil {
			out.Usage = &completionUsage{
				PromptTokens:     c.Usage.InputTokens,
				CompletionTokens: c.Usage.OutputTokens,
				TotalTokens:      c.Usage.Total(),
			}
		}
		if !emit(out) {
			outcome = "write_error"
			break
		}
	}

	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flush()
	d.observe("stream", req.Model, stream.Provider, outcome, start)
}

func (d Dependencies) observe(mode, model, provider, outcome string, start time.Time) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.RequestsTotal.WithLabelValues(mode, model, outcome).Inc()
	if provider != "" {
		d.Metrics.RequestLatency.WithLabelValues(mode, model, provider).
			Observe(float64(time.Since(start).Milliseconds()))
	}
}

func orStop(reason string) string {
	if reason == "" {
		return "stop"
	}
	return reason
}
