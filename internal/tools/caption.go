package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"market-chat/internal/domain"
)

const (
	captionHistory   = 5
	captionSentences = 3
)

var toolCallJSON = regexp.MustCompile(`\{\s*"tool_call".*\}\s*\}`)

func (r *Registry) caption(ctx context.Context, inv Invocation, cc CaptionContext) string {
	fallback := FallbackCaption(inv)
	if r.captioner == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, r.captionTimeout)
	defer cancel()

	out, err := r.captioner.Caption(ctx, domain.CaptionRequest{
		Model:       cc.Model,
		ToolName:    inv.ToolName,
		Symbol:      inv.Symbol,
		Comparisons: inv.Comparisons,
		History:     recent(cc.History, captionHistory),
	})
	if err != nil {
		r.logger.WarnContext(ctx, "caption generation failed", "tool", inv.ToolName, "err", err)
		return fallback
	}
	cleaned := CleanCaption(out)
	if cleaned == "" {
		r.logger.WarnContext(ctx, "caption generation returned empty text", "tool", inv.ToolName)
		return fallback
	}
	return cleaned
}

// FallbackCaption is the fixed caption used when generation fails.
func FallbackCaption(inv Invocation) string {
	subject := inv.Symbol
	if subject == "" {
		subject = "the " + inv.label
		if inv.label == "" {
			subject = "your request"
		}
	} else if len(inv.Comparisons) > 0 {
		subject = strings.Join(append([]string{inv.Symbol}, inv.Comparisons...), ", ")
	}
	return fmt.Sprintf("Here is the information for %s. Need anything else?", subject)
}

// CleanCaption strips leaked tool-call JSON and keeps at most three sentences.
func CleanCaption(s string) string {
	s = strings.TrimSpace(toolCallJSON.ReplaceAllString(s, ""))
	if s == "" {
		return ""
	}
	runes := []rune(s)
	count := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		count++
		if count == captionSentences {
			return strings.TrimSpace(string(runes[:i+1]))
		}
	}
	return s
}

func recent(history []domain.ChatMessage, n int) []domain.ChatMessage {
	if len(history) <= n {
		return append([]domain.ChatMessage(nil), history...)
	}
	return append([]domain.ChatMessage(nil), history[len(history)-n:]...)
}
