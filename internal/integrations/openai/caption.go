package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"

	"market-chat/internal/domain"
)

// Caption asks for a short caption to accompany a widget that was just shown.
func (c *Client) Caption(ctx context.Context, req domain.CaptionRequest) (string, error) {
	api, err := c.resolve(ctx)
	if err != nil {
		return "", err
	}
	resp, err := api.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:    c.modelOrDefault(req.Model),
		Messages: convertMessages(captionPrompt(req), req.History),
	})
	if err != nil {
		return "", translateError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in caption response")
	}
	return resp.Choices[0].Message.Content, nil
}

func captionPrompt(req domain.CaptionRequest) string {
	subject := strings.Join(append([]string{req.Symbol}, req.Comparisons...), ", ")
	if req.Symbol == "" {
		subject = "the market"
	}
	return strings.Join([]string{
		"You are a financial assistant. You specialise in stock market information, currency prices and financial analysis.",
		"",
		"Rules:",
		"1) Answer only finance, economy and market topics.",
		"2) Predictions are informed opinions, never certainties.",
		"3) Keep it to 2-3 sentences.",
		"4) Keep a professional but approachable tone.",
		"",
		fmt.Sprintf("You just used the tool %q to show information about %s. Write a short caption to accompany the visualization.", req.ToolName, subject),
		"",
		"Never mention that you lack real-time prices, never describe the tools, and never include JSON, function calls or technical syntax.",
		"",
		"Good examples:",
		"- \"Here is the current AAPL chart. Would you like its financials or a comparison with a competitor?\"",
		"- \"Bitcoin's price is shown above. Need more analysis on its recent behaviour?\"",
	}, "\n")
}
