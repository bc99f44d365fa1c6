package openai

import (
	"encoding/json"
	"sort"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"market-chat/internal/domain"
)

type toolCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

// chatStream adapts an SSE chunk stream to domain.ModelStream. Tool call
// fragments are buffered by index and released when the choice finishes.
type chatStream struct {
	raw     *ssestream.Stream[sdk.ChatCompletionChunk]
	pending []domain.ModelEvent
	calls   map[int64]*toolCallBuffer
	current domain.ModelEvent
	err     error
	done    bool
}

func newChatStream(raw *ssestream.Stream[sdk.ChatCompletionChunk]) *chatStream {
	return &chatStream{raw: raw, calls: make(map[int64]*toolCallBuffer)}
}

func (s *chatStream) Next() bool {
	for {
		if len(s.pending) > 0 {
			s.current = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		if s.done {
			return false
		}
		if !s.raw.Next() {
			s.done = true
			if err := s.raw.Err(); err != nil {
				// Incomplete tool calls are dropped with the failed stream.
				s.calls = make(map[int64]*toolCallBuffer)
				s.err = translateError(err)
				return false
			}
			s.flush()
			continue
		}
		s.consume(s.raw.Current())
	}
}

func (s *chatStream) consume(chunk sdk.ChatCompletionChunk) {
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, domain.ModelEvent{Kind: domain.EventTextDelta, Delta: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			buf, ok := s.calls[tc.Index]
			if !ok {
				buf = &toolCallBuffer{}
				s.calls[tc.Index] = buf
			}
			if tc.ID != "" {
				buf.id = tc.ID
			}
			if tc.Function.Name != "" {
				buf.name = tc.Function.Name
			}
			buf.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			s.flush()
		}
	}
}

func (s *chatStream) flush() {
	if len(s.calls) == 0 {
		return
	}
	indexes := make([]int64, 0, len(s.calls))
	for idx := range s.calls {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for _, idx := range indexes {
		buf := s.calls[idx]
		s.pending = append(s.pending, domain.ModelEvent{
			Kind: domain.EventToolCall,
			ToolCall: domain.ToolCall{
				ID:        buf.id,
				Name:      buf.name,
				Arguments: json.RawMessage(buf.args.String()),
			},
		})
	}
	s.calls = make(map[int64]*toolCallBuffer)
}

func (s *chatStream) Event() domain.ModelEvent {
	return s.current
}

func (s *chatStream) Err() error {
	return s.err
}

func (s *chatStream) Close() error {
	return s.raw.Close()
}
