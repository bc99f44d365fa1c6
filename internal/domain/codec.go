package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type storedState struct {
	ChatID   string          `json:"chatId"`
	Messages []storedMessage `json:"messages"`
}

type storedMessage struct {
	ID      string      `json:"id"`
	Role    Role        `json:"role"`
	Type    ContentKind `json:"type,omitempty"`
	Content string      `json:"content"`
}

type storedPart struct {
	Type       ContentKind     `json:"type"`
	ToolName   string          `json:"toolName"`
	ToolCallID string          `json:"toolCallId"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ContentDecodeError reports a stored entry whose structured content could not
// be decoded. The entry is kept with its raw text.
type ContentDecodeError struct {
	EntryID string
	Err     error
}

func (e *ContentDecodeError) Error() string {
	return fmt.Sprintf("domain: decode content of entry %q: %v", e.EntryID, e.Err)
}

func (e *ContentDecodeError) Unwrap() error {
	return e.Err
}

// EncodeContent returns the stable textual form of c. Text is stored verbatim;
// tool content becomes a one-element JSON array.
func EncodeContent(c Content) (string, error) {
	var part storedPart
	switch c.Kind() {
	case ContentText:
		text, _ := c.Text()
		return text, nil
	case ContentToolCall:
		inv, _ := c.ToolCall()
		part = storedPart{Type: ContentToolCall, ToolName: inv.ToolName, ToolCallID: inv.CallID, Args: nonNullJSON(inv.Args)}
	case ContentToolResult:
		res, _ := c.ToolResult()
		part = storedPart{Type: ContentToolResult, ToolName: res.ToolName, ToolCallID: res.CallID, Result: nonNullJSON(res.Result)}
	default:
		return "", fmt.Errorf("domain: unknown content kind %q", c.Kind())
	}
	buf, err := json.Marshal([]storedPart{part})
	if err != nil {
		return "", fmt.Errorf("domain: encode %s content: %w", c.Kind(), err)
	}
	return string(buf), nil
}

// DecodeContent rebuilds content from its stored form. An empty kind means a
// record written without a type tag; such content is sniffed for a JSON prefix
// and kept as plain text when it does not decode. For tagged tool content a
// failure returns the raw string as text together with the error.
func DecodeContent(kind ContentKind, raw string) (Content, error) {
	switch kind {
	case ContentText:
		return TextContent(raw), nil
	case ContentToolCall, ContentToolResult:
		c, err := decodeStructured(raw, kind)
		if err != nil {
			return TextContent(raw), err
		}
		return c, nil
	case "":
		trimmed := strings.TrimSpace(raw)
		if !strings.HasPrefix(trimmed, "[{") && !strings.HasPrefix(trimmed, "{") {
			return TextContent(raw), nil
		}
		c, err := decodeStructured(trimmed, "")
		if err != nil {
			return TextContent(raw), nil
		}
		return c, nil
	default:
		return TextContent(raw), fmt.Errorf("unknown content type %q", kind)
	}
}

func decodeStructured(raw string, want ContentKind) (Content, error) {
	var parts []storedPart
	if err := json.Unmarshal([]byte(raw), &parts); err != nil {
		return Content{}, fmt.Errorf("unmarshal structured content: %w", err)
	}
	if len(parts) != 1 {
		return Content{}, fmt.Errorf("structured content must hold exactly one part, got %d", len(parts))
	}
	p := parts[0]
	if want != "" && p.Type != want {
		return Content{}, fmt.Errorf("structured content type %q does not match %q", p.Type, want)
	}
	if p.ToolCallID == "" {
		return Content{}, errors.New("structured content missing toolCallId")
	}
	switch p.Type {
	case ContentToolCall:
		if p.ToolName == "" {
			return Content{}, errors.New("tool call missing toolName")
		}
		return ToolCallContent(ToolInvocation{CallID: p.ToolCallID, ToolName: p.ToolName, Args: nonNullJSON(p.Args)}), nil
	case ContentToolResult:
		return ToolResultContent(ToolResult{CallID: p.ToolCallID, ToolName: p.ToolName, Result: nonNullJSON(p.Result)}), nil
	default:
		return Content{}, fmt.Errorf("unsupported structured content type %q", p.Type)
	}
}

// EncodeState serializes a snapshot into the opaque stateData blob.
func EncodeState(s Snapshot) (string, error) {
	state := storedState{ChatID: s.ConversationID, Messages: make([]storedMessage, 0, len(s.Entries))}
	for _, e := range s.Entries {
		content, err := EncodeContent(e.Content)
		if err != nil {
			return "", fmt.Errorf("domain: encode entry %q: %w", e.ID, err)
		}
		state.Messages = append(state.Messages, storedMessage{
			ID:      e.ID,
			Role:    e.Role,
			Type:    e.Content.Kind(),
			Content: content,
		})
	}
	buf, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("domain: encode state: %w", err)
	}
	return string(buf), nil
}

// DecodeState parses a stateData blob. A malformed blob is an error; a malformed
// entry is kept as raw text and reported in the returned slice.
func DecodeState(raw string) (Snapshot, []error, error) {
	var state storedState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return Snapshot{}, nil, fmt.Errorf("domain: decode state: %w", err)
	}
	var issues []error
	snap := Snapshot{ConversationID: state.ChatID, Entries: make([]Entry, 0, len(state.Messages))}
	for _, m := range state.Messages {
		content, err := DecodeContent(m.Type, m.Content)
		if err != nil {
			issues = append(issues, &ContentDecodeError{EntryID: m.ID, Err: err})
		}
		snap.Entries = append(snap.Entries, Entry{ID: m.ID, Role: m.Role, Content: content})
	}
	return snap, issues, nil
}

func nonNullJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`)
	}
	return raw
}
