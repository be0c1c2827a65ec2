// Package chat defines the canonical request/response envelope shared by the
// HTTP surface, the router, the orchestrator, and the provider adapters.
// Adapters translate this envelope into provider wire formats; nothing in
// this package depends on any particular upstream.
package chat

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the canonical inbound envelope. The orchestrator owns it for the
// duration of the attempt chain; adapters borrow it read-only.
type Request struct {
	// Model is the requested model identifier: a canonical id, a
	// provider-specific id, or a configured semantic alias.
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	// Sampling parameters. Nil means "provider default".
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	Stream bool `json:"stream,omitempty"`

	// TenantID gates the request against a tenant budget when set.
	TenantID string `json:"-"`
	// PreferredProvider biases candidate ordering toward one provider.
	PreferredProvider string `json:"-"`
	// CorrelationID ties logs, traces and the response id together.
	CorrelationID string `json:"-"`
}

// Usage carries upstream-reported token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Response is a complete (unary) canonical response.
type Response struct {
	// Provider and Model identify who actually answered; Model is the
	// provider-specific id, not the requested one.
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Message  Message `json:"message"`

	FinishReason string `json:"finish_reason,omitempty"`

	// Usage is nil when the upstream did not report token counts.
	Usage *Usage `json:"usage,omitempty"`
}

// Chunk is one partial update of a streaming response. The terminal chunk
// carries either a finish reason (plus usage when the upstream supplies it)
// or Err for an aborted stream; no chunk follows a terminal one.
type Chunk struct {
	Delta        string `json:"delta,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`

	// Err marks a stream abort. It is surfaced to the caller as an explicit
	// terminal event, never a silent close.
	Err error `json:"-"`
}

// Terminal reports whether no further chunks follow this one.
func (c Chunk) Terminal() bool { return c.Err != nil || c.FinishReason != "" }
