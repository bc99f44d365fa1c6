package domain

import (
	"encoding/json"
	"errors"
)

// ErrMissingCredentials is returned by model collaborators when no API key is configured.
var ErrMissingCredentials = errors.New("model credentials are missing")

// ChatMessage is the provider-agnostic chat message shape sent to model integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes one tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  any // JSON schema
}

// ToolCall is a completed tool-call request emitted by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ModelRequest is one streaming model turn.
type ModelRequest struct {
	Model    string
	System   string
	Messages []ChatMessage
	Tools    []ToolSpec
}

type ModelEventKind string

const (
	EventTextDelta ModelEventKind = "text_delta"
	EventToolCall  ModelEventKind = "tool_call"
)

// ModelEvent is either an incremental text token or a complete tool call.
type ModelEvent struct {
	Kind     ModelEventKind
	Delta    string
	ToolCall ToolCall
}

// ModelStream iterates the events of one streamed model response.
type ModelStream interface {
	Next() bool
	Event() ModelEvent
	Err() error
	Close() error
}

// CaptionRequest asks for a short caption describing a rendered widget.
type CaptionRequest struct {
	Model       string
	ToolName    string
	Symbol      string
	Comparisons []string
	History     []ChatMessage
}
