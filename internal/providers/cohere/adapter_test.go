package cohere

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelrelay/modelrelay/internal/chat"
)

func TestCompleteSuccess(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer c-key" {
			t.Errorf("missing bearer auth")
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{
			"message":{"content":[{"type":"text","text":"Hi "},{"type":"text","text":"there"}]},
			"finish_reason":"COMPLETE",
			"usage":{"billed_units":{"input_tokens":9,"output_tokens":2}}
		}`))
	}))
	defer ts.Close()

	topP := 0.9
	a := New("cohere", "c-key", ts.URL)
	resp, err := a.Complete(context.Background(), "command-r", chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "hi"}},
		TopP:     &topP,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "Hi there" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.FinishReason != "complete" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 9 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	// Cohere calls top_p "p" on the wire.
	if payload["p"] != 0.9 {
		t.Errorf("p = %v", payload["p"])
	}
}

func TestStreamNamedEvents(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: message-start\ndata: {\"id\":\"x\"}\n\n"))
		_, _ = w.Write([]byte("event: content-delta\ndata: {\"delta\":{\"message\":{\"content\":{\"text\":\"Hel\"}}}}\n\n"))
		_, _ = w.Write([]byte("event: content-delta\ndata: {\"delta\":{\"message\":{\"content\":{\"text\":\"lo\"}}}}\n\n"))
		_, _ = w.Write([]byte("event: message-end\ndata: {\"delta\":{\"finish_reason\":\"COMPLETE\",\"usage\":{\"billed_units\":{\"input_tokens\":4,\"output_tokens\":2}}}}\n\n"))
	}))
	defer ts.Close()

	a := New("cohere", "k", ts.URL)
	stream, err := a.Stream(context.Background(), "command-r", chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	var text string
	var last chat.Chunk
	for c := range stream.Chunks() {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		text += c.Delta
		last = c
	}
	if text != "Hello" {
		t.Errorf("text = %q", text)
	}
	if last.FinishReason != "complete" || last.Usage == nil || last.Usage.OutputTokens != 2 {
		t.Errorf("last = %+v", last)
	}
}

func TestListModels(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" || r.URL.Query().Get("endpoint") != "chat" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"command-r"},{"name":"command-r-plus"}]}`))
	}))
	defer ts.Close()

	a := New("cohere", "k", ts.URL)
	ids, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[1] != "command-r-plus" {
		t.Errorf("ids = %v", ids)
	}
}
