package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"market-chat/internal/conversation"
	"market-chat/internal/domain"
	"market-chat/internal/tools"
)

const defaultFinalPersistTimeout = 10 * time.Second

// State is a step of the dispatch cycle.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingModel State = "awaiting_model"
	StateStreamingText State = "streaming_text"
	StateInvokingTool  State = "invoking_tool"
	StatePersisting    State = "persisting"
)

// ModelStreamer starts one streamed model turn.
type ModelStreamer interface {
	Stream(ctx context.Context, req domain.ModelRequest) (domain.ModelStream, error)
}

// Emit receives render units in the order their entries were appended.
type Emit func(domain.RenderUnit)

// Persister writes full snapshots; see Gateway.
type Persister interface {
	Upsert(ctx context.Context, conversationID, ownerID string, snap domain.Snapshot) bool
}

// Turn is one user utterance against one conversation. An empty OwnerID runs
// the cycle without persistence.
type Turn struct {
	Store     *conversation.Store
	OwnerID   string
	Utterance string
	Model     string
	System    string
}

type Dispatcher struct {
	model        ModelStreamer
	registry     *tools.Registry
	persist      Persister
	newID        func() string
	finalTimeout time.Duration
	logger       *slog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithFinalPersistTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.finalTimeout = t
		}
	}
}

func NewDispatcher(model ModelStreamer, registry *tools.Registry, persist Persister, opts ...DispatcherOption) (*Dispatcher, error) {
	if model == nil {
		return nil, errors.New("usecase: model streamer must not be nil")
	}
	if registry == nil {
		return nil, errors.New("usecase: tool registry must not be nil")
	}
	if persist == nil {
		return nil, errors.New("usecase: persister must not be nil")
	}
	d := &Dispatcher{
		model:        model,
		registry:     registry,
		persist:      persist,
		newID:        newUUID,
		finalTimeout: defaultFinalPersistTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

type cycle struct {
	d       *Dispatcher
	turn    Turn
	emit    Emit
	state   State
	pending sync.WaitGroup

	textID string
	text   strings.Builder
}

// Dispatch runs one cycle and returns the final snapshot. Failures during the
// cycle are reported through emit as a single ErrorRender; the returned error
// is non-nil only when the utterance itself could not be recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, turn Turn, emit Emit) (domain.Snapshot, error) {
	if turn.Store == nil {
		return domain.Snapshot{}, errors.New("usecase: dispatch without a conversation store")
	}
	if emit == nil {
		emit = func(domain.RenderUnit) {}
	}
	c := &cycle{d: d, turn: turn, emit: emit, state: StateIdle}

	c.transition(ctx, StateAwaitingModel)
	user := domain.Entry{ID: d.newID(), Role: domain.RoleUser, Content: domain.TextContent(turn.Utterance)}
	if err := turn.Store.Append(user); err != nil {
		c.transition(ctx, StateIdle)
		return turn.Store.Snapshot(), fmt.Errorf("usecase: record utterance: %w", err)
	}
	emit(domain.TextRender{ID: user.ID, Role: domain.RoleUser, Text: turn.Utterance})

	if err := c.run(ctx); err != nil {
		c.fail(ctx, err)
	}

	c.transition(ctx, StatePersisting)
	c.pending.Wait()
	final := turn.Store.Snapshot()
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.finalTimeout)
	defer cancel()
	d.persist.Upsert(persistCtx, final.ConversationID, turn.OwnerID, final)
	c.transition(ctx, StateIdle)
	return final, nil
}

func (c *cycle) run(ctx context.Context) error {
	req := domain.ModelRequest{
		Model:    c.turn.Model,
		System:   c.turn.System,
		Messages: modelHistory(c.d.registry, c.turn.Store.Snapshot()),
		Tools:    c.d.registry.Specs(),
	}
	stream, err := c.d.model.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close() //nolint:errcheck

	for stream.Next() {
		ev := stream.Event()
		switch ev.Kind {
		case domain.EventTextDelta:
			if err := c.appendDelta(ctx, ev.Delta); err != nil {
				return err
			}
		case domain.EventToolCall:
			if err := c.closeText(ctx); err != nil {
				return err
			}
			c.transition(ctx, StateInvokingTool)
			if err := c.invoke(ctx, ev.ToolCall); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return c.closeText(ctx)
}

func (c *cycle) appendDelta(ctx context.Context, delta string) error {
	if delta == "" {
		return nil
	}
	if c.textID == "" {
		c.transition(ctx, StateStreamingText)
		c.textID = c.d.newID()
		c.text.Reset()
		c.text.WriteString(delta)
		if err := c.turn.Store.BeginText(c.textID, domain.RoleAssistant, delta); err != nil {
			c.textID = ""
			return err
		}
	} else {
		c.text.WriteString(delta)
		if err := c.turn.Store.ReplaceLast(c.text.String()); err != nil {
			return err
		}
	}
	c.emit(domain.TextRender{ID: c.textID, Role: domain.RoleAssistant, Text: c.text.String(), Delta: delta, Streaming: true})
	return nil
}

// closeText commits the streamed text and schedules a background write.
func (c *cycle) closeText(ctx context.Context) error {
	if c.textID == "" {
		return nil
	}
	entry, err := c.turn.Store.Finalize()
	c.textID = ""
	if err != nil {
		return err
	}
	text, _ := entry.Content.Text()
	c.emit(domain.TextRender{ID: entry.ID, Role: domain.RoleAssistant, Text: text})
	c.persistAsync(ctx)
	return nil
}

// invoke runs one tool call. Invalid calls are reported and skipped; any other
// failure ends the cycle without committing the pair.
func (c *cycle) invoke(ctx context.Context, call domain.ToolCall) error {
	inv, placeholder, err := c.d.registry.Begin(call)
	if err != nil {
		if errors.Is(err, tools.ErrInvalidArguments) || errors.Is(err, tools.ErrUnknownTool) {
			c.d.logger.WarnContext(ctx, "tool call rejected", "tool", call.Name, "err", err)
			id := strings.TrimSpace(call.ID)
			if id == "" {
				id = c.d.newID()
			}
			c.emit(domain.ErrorRender{ID: id, Message: invalidToolMessage})
			return nil
		}
		return err
	}
	c.emit(placeholder)

	widget, result, err := c.d.registry.Complete(ctx, inv, tools.CaptionContext{
		Model:   c.turn.Model,
		History: textHistory(c.turn.Store.Snapshot()),
	})
	if err != nil {
		return fmt.Errorf("usecase: complete %s: %w", inv.ToolName, err)
	}

	invocation := domain.Entry{
		ID:   inv.EntryID,
		Role: domain.RoleAssistant,
		Content: domain.ToolCallContent(domain.ToolInvocation{
			CallID:   inv.CallID,
			ToolName: inv.ToolName,
			Args:     inv.Args,
		}),
	}
	resultEntry := domain.Entry{ID: c.d.newID(), Role: domain.RoleTool, Content: domain.ToolResultContent(result)}
	if err := c.turn.Store.AppendPair(invocation, resultEntry); err != nil {
		return fmt.Errorf("usecase: record %s: %w", inv.ToolName, err)
	}

	c.persistSync(ctx)
	c.emit(widget)
	return nil
}

func (c *cycle) persistAsync(ctx context.Context) {
	snap := c.turn.Store.Snapshot()
	detached := context.WithoutCancel(ctx)
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		c.d.persist.Upsert(detached, snap.ConversationID, c.turn.OwnerID, snap)
	}()
}

// persistSync waits for any background write so writes land in order.
func (c *cycle) persistSync(ctx context.Context) {
	c.pending.Wait()
	snap := c.turn.Store.Snapshot()
	c.d.persist.Upsert(ctx, snap.ConversationID, c.turn.OwnerID, snap)
}

func (c *cycle) fail(ctx context.Context, err error) {
	if c.turn.Store.Abandon() {
		c.textID = ""
	}
	c.d.logger.ErrorContext(ctx, "dispatch failed", "state", c.state, "err", err)
	c.emit(domain.ErrorRender{ID: c.d.newID(), Message: friendlyMessage(err)})
}

func (c *cycle) transition(ctx context.Context, to State) {
	if c.state == to {
		return
	}
	c.d.logger.DebugContext(ctx, "dispatch state", "from", c.state, "to", to)
	c.state = to
}

const (
	invalidToolMessage    = "I couldn't show that widget because the request was invalid."
	missingKeyMessage     = "The assistant is not configured yet: the model API key is missing."
	badRequestMessage     = "The request could not be processed. Please rephrase it and try again."
	rateLimitedMessage    = "The assistant is receiving too many requests right now. Please try again in a moment."
	interruptedMessage    = "The response was interrupted before it finished."
	genericFailureMessage = "Something went wrong while answering. Please try again."
)

// friendlyMessage maps known failures to text that is safe to show users.
func friendlyMessage(err error) string {
	if errors.Is(err, domain.ErrMissingCredentials) {
		return missingKeyMessage
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return interruptedMessage
	}
	if status, ok := upstreamStatusCode(err); ok {
		switch {
		case status == http.StatusTooManyRequests:
			return rateLimitedMessage
		case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
			return badRequestMessage
		}
	}
	return genericFailureMessage
}
