package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotOwner             = errors.New("conversation belongs to another user")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolCall   ContentKind = "tool-call"
	ContentToolResult ContentKind = "tool-result"
)

// ToolInvocation is the assistant side of a tool pair. Args holds the validated,
// canonical JSON arguments.
type ToolInvocation struct {
	CallID   string
	ToolName string
	Args     json.RawMessage
}

// ToolResult is the tool side of a tool pair.
type ToolResult struct {
	CallID   string
	ToolName string
	Result   json.RawMessage
}

// Content is a tagged union of plain text, a single tool invocation or a single
// tool result. The zero value is empty text.
type Content struct {
	kind   ContentKind
	text   string
	call   *ToolInvocation
	result *ToolResult
}

func TextContent(text string) Content {
	return Content{kind: ContentText, text: text}
}

func ToolCallContent(inv ToolInvocation) Content {
	return Content{kind: ContentToolCall, call: &inv}
}

func ToolResultContent(res ToolResult) Content {
	return Content{kind: ContentToolResult, result: &res}
}

func (c Content) Kind() ContentKind {
	if c.kind == "" {
		return ContentText
	}
	return c.kind
}

func (c Content) Text() (string, bool) {
	if c.Kind() != ContentText {
		return "", false
	}
	return c.text, true
}

func (c Content) ToolCall() (ToolInvocation, bool) {
	if c.kind != ContentToolCall || c.call == nil {
		return ToolInvocation{}, false
	}
	return *c.call, true
}

func (c Content) ToolResult() (ToolResult, bool) {
	if c.kind != ContentToolResult || c.result == nil {
		return ToolResult{}, false
	}
	return *c.result, true
}

// Entry is one unit of the conversation log.
type Entry struct {
	ID      string
	Role    Role
	Content Content
}

// Snapshot is an immutable copy of a conversation's final entries.
type Snapshot struct {
	ConversationID string
	Entries        []Entry
}

// FirstUserText returns the text of the first user entry, if any.
func (s Snapshot) FirstUserText() (string, bool) {
	for _, e := range s.Entries {
		if e.Role != RoleUser {
			continue
		}
		if text, ok := e.Content.Text(); ok {
			return text, true
		}
	}
	return "", false
}

// Record is the persisted form of a conversation. StateData is the encoded Snapshot.
type Record struct {
	ID        string
	Title     string
	OwnerID   string
	StateData string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationSummary is a listing row.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
