package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/modelrelay/modelrelay/internal/chat"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/registry"
)

type fakeOrch struct {
	resp   *chat.Response
	err    error
	chunks []chat.Chunk
	gotReq chat.Request
}

func (f *fakeOrch) Complete(ctx context.Context, req chat.Request) (*chat.Response, error) {
	f.gotReq = req
	return f.resp, f.err
}

func (f *fakeOrch) Stream(ctx context.Context, req chat.Request) (*chat.Stream, error) {
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	s := chat.NewStream("free-a", "m-lite", func() {})
	go func() {
		defer s.End()
		for _, c := range f.chunks {
			if !s.Send(c) {
				return
			}
		}
	}()
	return s, nil
}

type fakeModels struct {
	models []registry.GlobalModel
}

func (f *fakeModels) ListGlobalModels(ctx context.Context) ([]registry.GlobalModel, error) {
	return f.models, nil
}

type fakeStatus struct {
	records map[string]health.Record
}

func (f *fakeStatus) Check(ctx context.Context, provider string) (health.Record, error) {
	if rec, ok := f.records[provider]; ok {
		return rec, nil
	}
	return health.Record{Provider: provider, Circuit: health.CircuitClosed}, nil
}

func newTestServer(t *testing.T, orch *fakeOrch) (*httptest.Server, *fakeOrch) {
	t.Helper()
	r := chi.NewRouter()
	MountRoutes(r, Dependencies{
		Orchestrator: orch,
		Models: &fakeModels{models: []registry.GlobalModel{
			{ID: "m-lite", ContextWindow: 8192, SupportsStreaming: true},
			{ID: "m-pro", ContextWindow: 131072, InputPerMTok: 2.5, OutputPerMTok: 10, SupportsTools: true, SupportsStreaming: true},
		}},
		Health:        &fakeStatus{records: map[string]health.Record{"paid-b": {Circuit: health.CircuitOpen}}},
		ProviderIDs:   func() []string { return []string{"free-a", "paid-b"} },
		FreeProviders: map[string]bool{"free-a": true},
	})
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, orch
}

func postJSON(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestChatCompletionsUnary(t *testing.T) {
	ts, orch := newTestServer(t, &fakeOrch{resp: &chat.Response{
		Provider:     "free-a",
		Model:        "m-lite",
		Message:      chat.Message{Role: chat.RoleAssistant, Content: "hello"},
		FinishReason: "stop",
		Usage:        &chat.Usage{InputTokens: 4, OutputTokens: 2},
	}})

	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		`{"model":"m-lite","messages":[{"role":"user","content":"hi"}],"temperature":0.5}`,
		map[string]string{"X-Tenant-ID": "t1", "X-Preferred-Provider": "free-a"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out completionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "chat.completion" || out.Choices[0].Message.Content != "hello" {
		t.Errorf("response = %+v", out)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if orch.gotReq.TenantID != "t1" || orch.gotReq.PreferredProvider != "free-a" {
		t.Errorf("hints not forwarded: %+v", orch.gotReq)
	}
	if orch.gotReq.Temperature == nil || *orch.gotReq.Temperature != 0.5 {
		t.Errorf("temperature not forwarded")
	}
	if orch.gotReq.CorrelationID == "" {
		t.Error("correlation id missing")
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	ts, _ := newTestServer(t, &fakeOrch{})

	cases := []string{
		`not json`,
		`{"messages":[{"role":"user","content":"hi"}]}`,
		`{"model":"m"}`,
		`{"model":"m","messages":[{"role":"alien","content":"hi"}]}`,
	}
	for _, body := range cases {
		resp := postJSON(t, ts.URL+"/v1/chat/completions", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestChatCompletionsErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   chat.Kind
	}{
		{chat.ModelNotFound("ghost"), http.StatusNotFound, chat.KindModelNotFound},
		{chat.BudgetExceeded("t1", "m"), http.StatusTooManyRequests, chat.KindBudgetExceeded},
		{chat.NoCandidates("m"), http.StatusServiceUnavailable, chat.KindNoCandidates},
		{chat.AllCandidatesFailed([]chat.AttemptError{
			{Provider: "free-a", Kind: chat.KindUpstreamServerError, Status: 500, Message: "boom"},
		}), http.StatusBadGateway, chat.KindAllCandidatesFailed},
	}
	for _, c := range cases {
		ts, _ := newTestServer(t, &fakeOrch{err: c.err})
		resp := postJSON(t, ts.URL+"/v1/chat/completions",
			`{"model":"m","messages":[{"role":"user","content":"hi"}]}`, nil)
		if resp.StatusCode != c.status {
			t.Errorf("%s: status = %d, want %d", c.kind, resp.StatusCode, c.status)
		}
		var body errorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if body.Error.Kind != c.kind {
			t.Errorf("kind = %s, want %s", body.Error.Kind, c.kind)
		}
		if c.kind == chat.KindAllCandidatesFailed && len(body.Error.Details) != 1 {
			t.Errorf("details = %+v", body.Error.Details)
		}
	}
}

func TestChatCompletionsStream(t *testing.T) {
	ts, _ := newTestServer(t, &fakeOrch{chunks: []chat.Chunk{
		{Delta: "Hel"}, {Delta: "lo"},
		{FinishReason: "stop", Usage: &chat.Usage{InputTokens: 4, OutputTokens: 2}},
	}})

	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		`{"model":"m-lite","messages":[{"role":"user","content":"hi"}],"stream":true}`, nil)
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}

	var deltas []string
	var sawDone, sawFinish bool
	sc := newSSEReader(t, resp)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk chunkResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", payload, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("object = %s", chunk.Object)
		}
		if len(chunk.Choices) > 0 {
			if chunk.Choices[0].Delta.Content != "" {
				deltas = append(deltas, chunk.Choices[0].Delta.Content)
			}
			if chunk.Choices[0].FinishReason != nil {
				sawFinish = true
			}
		}
	}
	if got := strings.Join(deltas, ""); got != "Hello" {
		t.Errorf("assembled = %q", got)
	}
	if !sawDone || !sawFinish {
		t.Errorf("sawDone=%v sawFinish=%v", sawDone, sawFinish)
	}
}

func TestChatCompletionsStreamAbort(t *testing.T) {
	ts, _ := newTestServer(t, &fakeOrch{chunks: []chat.Chunk{
		{Delta: "par"}, {Err: context.DeadlineExceeded},
	}})

	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		`{"model":"m-lite","messages":[{"role":"user","content":"hi"}],"stream":true}`, nil)
	defer resp.Body.Close()

	var sawErrorEvent, sawDone bool
	sc := newSSEReader(t, resp)
	for sc.Scan() {
		line := sc.Text()
		if line == "event: error" {
			sawErrorEvent = true
		}
		if line == "data: [DONE]" {
			sawDone = true
		}
	}
	if !sawErrorEvent {
		t.Error("stream abort must emit an explicit error event")
	}
	if !sawDone {
		t.Error("stream must still terminate with [DONE]")
	}
}

func TestModelsList(t *testing.T) {
	ts, _ := newTestServer(t, &fakeOrch{})
	resp, err := http.Get(ts.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID     string `json:"id"`
			IsFree bool   `json:"is_free"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "list" || len(out.Data) != 2 {
		t.Fatalf("out = %+v", out)
	}
	if !out.Data[0].IsFree || out.Data[1].IsFree {
		t.Errorf("free flags wrong: %+v", out.Data)
	}
}

func TestProvidersList(t *testing.T) {
	ts, _ := newTestServer(t, &fakeOrch{})
	resp, err := http.Get(ts.URL + "/v1/providers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Providers []struct {
			ID      string `json:"id"`
			Circuit string `json:"circuit"`
			Free    bool   `json:"free"`
		} `json:"providers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Providers) != 2 {
		t.Fatalf("providers = %+v", out.Providers)
	}
	if out.Providers[1].ID != "paid-b" || out.Providers[1].Circuit != "open" {
		t.Errorf("providers = %+v", out.Providers)
	}
	if !out.Providers[0].Free || out.Providers[1].Free {
		t.Errorf("free flags wrong: %+v", out.Providers)
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, &fakeOrch{})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	r := chi.NewRouter()
	MountRoutes(r, Dependencies{
		Orchestrator: &fakeOrch{},
		Models:       &fakeModels{},
		Health:       &fakeStatus{},
		ProviderIDs:  func() []string { return nil },
	})
	empty := httptest.NewServer(r)
	defer empty.Close()
	resp2, err := http.Get(empty.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("empty gateway healthz = %d, want 503", resp2.StatusCode)
	}
}
