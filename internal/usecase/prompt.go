package usecase

import (
	"fmt"
	"strings"

	"market-chat/internal/domain"
)

// ToolDescriber summarizes a stored tool call as plain text.
type ToolDescriber interface {
	Describe(call domain.ToolInvocation) string
}

func buildSystemPrompt(persona, displayName string) string {
	parts := []string{
		strings.TrimSpace(persona),
		"",
		"Role:",
		"You are a conversational assistant for the stock market. You talk about stocks, currencies and their conversions, and you can offer informed predictions based on the conversation.",
		"",
		"Behavior Rules:",
		behaviorRules(),
	}
	if name := strings.TrimSpace(displayName); name != "" {
		parts = append(parts, "", fmt.Sprintf("Address the user as: %s", name))
	}
	parts = append(parts,
		"",
		"Crypto Tickers:",
		`For any cryptocurrency append "USD" to the ticker when calling a tool. For example "DOGE" becomes "DOGEUSD".`,
		"",
		"Examples:",
		"User: What is the price of AAPL?",
		"Assistant: Let me pull up the current price of Apple for you.",
		"User: What is the price of Bitcoin?",
		"Assistant: Here is the current price of Bitcoin in USD.",
	)
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Decline questions unrelated to the stock market or the economy and tell the user they are out of scope.",
		"2) You have no direct access to external data. Show stock information such as prices and charts only through the available tools.",
		"3) Never give the user an empty result. Use the matching tool when one fits the request; otherwise answer as the market assistant.",
		"4) Never include JSON, function calls or technical syntax in visible replies. The user must see natural language only.",
	}, "\n")
}

// modelHistory converts final entries to model messages. Tool invocations are
// replaced with a short description and tool results are left out.
func modelHistory(d ToolDescriber, snap domain.Snapshot) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		switch e.Role {
		case domain.RoleUser:
			if text, ok := e.Content.Text(); ok && strings.TrimSpace(text) != "" {
				out = append(out, domain.ChatMessage{Role: "user", Content: text})
			}
		case domain.RoleAssistant:
			if text, ok := e.Content.Text(); ok {
				if strings.TrimSpace(text) != "" {
					out = append(out, domain.ChatMessage{Role: "assistant", Content: text})
				}
				continue
			}
			if call, ok := e.Content.ToolCall(); ok {
				out = append(out, domain.ChatMessage{Role: "assistant", Content: d.Describe(call)})
			}
		}
	}
	return out
}

// textHistory keeps only user and assistant text, for captioning.
func textHistory(snap domain.Snapshot) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		if e.Role != domain.RoleUser && e.Role != domain.RoleAssistant {
			continue
		}
		if text, ok := e.Content.Text(); ok && strings.TrimSpace(text) != "" {
			out = append(out, domain.ChatMessage{Role: string(e.Role), Content: text})
		}
	}
	return out
}
