package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"market-chat/internal/domain"
	"market-chat/internal/lock"
	"market-chat/internal/tools"
)

type mockParams struct {
	vals map[string]string
	err  error
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

func defaultParams() *mockParams {
	return &mockParams{vals: map[string]string{
		"/market-chat/pinned_prompt":       "You are Market Chat.",
		"/market-chat/config/openai_model": "gpt-4o",
	}}
}

// memStore is an in-memory ConversationStore and UserStore.
type memStore struct {
	mu          sync.Mutex
	records     map[string]domain.Record
	profiles    map[string]domain.UserProfile
	upsertErrs  []error
	upsertCalls int
	getErr      error
	profileErr  error
	now         time.Time
}

func newMemStore() *memStore {
	return &memStore{
		records:  make(map[string]domain.Record),
		profiles: make(map[string]domain.UserProfile),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) withUser(id string, tier domain.Tier, count int) *memStore {
	m.profiles[id] = domain.UserProfile{ID: id, Tier: tier, MessageCount: count}
	return m
}

func (m *memStore) UpsertConversation(_ context.Context, rec domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	if len(m.upsertErrs) > 0 {
		err := m.upsertErrs[0]
		m.upsertErrs = m.upsertErrs[1:]
		if err != nil {
			return err
		}
	}
	if existing, ok := m.records[rec.ID]; ok {
		if existing.OwnerID != rec.OwnerID {
			return domain.ErrNotOwner
		}
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = m.now
	}
	rec.UpdatedAt = m.now
	m.records[rec.ID] = rec
	return nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.Record{}, m.getErr
	}
	rec, ok := m.records[id]
	if !ok {
		return domain.Record{}, domain.ErrConversationNotFound
	}
	return rec, nil
}

func (m *memStore) ListConversations(_ context.Context, owner string) ([]domain.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ConversationSummary
	for _, rec := range m.records {
		if rec.OwnerID == owner {
			out = append(out, domain.ConversationSummary{ID: rec.ID, Title: rec.Title, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt})
		}
	}
	return out, nil
}

func (m *memStore) RenameConversation(_ context.Context, id, owner, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.OwnerID != owner {
		return domain.ErrConversationNotFound
	}
	rec.Title = title
	m.records[id] = rec
	return nil
}

func (m *memStore) DeleteConversation(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.OwnerID != owner {
		return domain.ErrConversationNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *memStore) GetProfile(_ context.Context, id string) (domain.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profileErr != nil {
		return domain.UserProfile{}, m.profileErr
	}
	p, ok := m.profiles[id]
	if !ok {
		return domain.UserProfile{ID: id, Tier: domain.TierFree}, nil
	}
	return p, nil
}

func (m *memStore) IncrementMessageCount(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		p = domain.UserProfile{ID: id, Tier: domain.TierFree}
	}
	p.MessageCount++
	m.profiles[id] = p
	return p.MessageCount, nil
}

func (m *memStore) ResetMessageCount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profiles[id]
	p.MessageCount = 0
	m.profiles[id] = p
	return nil
}

func (m *memStore) record(t *testing.T, id string) domain.Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	require.True(t, ok, "record %q not stored", id)
	return rec
}

func (m *memStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertCalls
}

// fakeStream replays a fixed list of events, then err.
type fakeStream struct {
	events []domain.ModelEvent
	err    error
	idx    int
	closed bool
}

func (s *fakeStream) Next() bool {
	if s.idx >= len(s.events) {
		return false
	}
	s.idx++
	return true
}

func (s *fakeStream) Event() domain.ModelEvent { return s.events[s.idx-1] }
func (s *fakeStream) Err() error               { return s.err }
func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type modelTurn struct {
	events   []domain.ModelEvent
	err      error
	startErr error
}

// scriptedModel serves one modelTurn per Stream call.
type scriptedModel struct {
	mu       sync.Mutex
	turns    []modelTurn
	requests []domain.ModelRequest
	streams  []*fakeStream
}

func (m *scriptedModel) Stream(_ context.Context, req domain.ModelRequest) (domain.ModelStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.turns) == 0 {
		return nil, errors.New("no model turn configured")
	}
	turn := m.turns[0]
	m.turns = m.turns[1:]
	if turn.startErr != nil {
		return nil, turn.startErr
	}
	s := &fakeStream{events: turn.events, err: turn.err}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func text(delta string) domain.ModelEvent {
	return domain.ModelEvent{Kind: domain.EventTextDelta, Delta: delta}
}

func toolCall(id, name, args string) domain.ModelEvent {
	return domain.ModelEvent{Kind: domain.EventToolCall, ToolCall: domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}}
}

type fakeCaptioner struct {
	out string
	err error
}

func (f *fakeCaptioner) Caption(context.Context, domain.CaptionRequest) (string, error) {
	return f.out, f.err
}

// statusError carries an upstream HTTP status.
type statusError struct{ status int }

func (e *statusError) Error() string       { return "upstream status " + strconv.Itoa(e.status) }
func (e *statusError) HTTPStatusCode() int { return e.status }

type recorder struct {
	mu    sync.Mutex
	units []domain.RenderUnit
}

func (r *recorder) emit(u domain.RenderUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, u)
}

func (r *recorder) kinds() []domain.RenderKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RenderKind, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, u.Kind())
	}
	return out
}

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "id-" + strconv.Itoa(n)
	}
}

type harness struct {
	store      *memStore
	model      *scriptedModel
	registry   *tools.Registry
	gateway    *Gateway
	dispatcher *Dispatcher
	reconciler *Reconciler
}

func newHarness(t *testing.T, store *memStore, model *scriptedModel, captioner tools.Captioner) *harness {
	t.Helper()
	if captioner == nil {
		captioner = &fakeCaptioner{out: "Here is the chart. Anything else?"}
	}
	registry := tools.NewRegistry(tools.WithCaptioner(captioner), tools.WithCaptionTimeout(time.Second))
	gateway, err := NewGateway(store, store, WithPersistRetry(3, 0))
	require.NoError(t, err)
	dispatcher, err := NewDispatcher(model, registry, gateway)
	require.NoError(t, err)
	dispatcher.newID = seqIDs()
	reconciler, err := NewReconciler(registry, nil)
	require.NoError(t, err)
	return &harness{store: store, model: model, registry: registry, gateway: gateway, dispatcher: dispatcher, reconciler: reconciler}
}

func (h *harness) service(t *testing.T, params ParamGetter, locker lock.Locker) *ChatService {
	t.Helper()
	svc, err := NewChatService(ChatDeps{
		Params:     params,
		Dispatcher: h.dispatcher,
		Reconciler: h.reconciler,
		Gateway:    h.gateway,
		Convs:      h.store,
		Users:      h.store,
		Locker:     locker,
	}, ChatConfig{ParamPrefix: "/market-chat", MaxQuestionLen: 50, FreeMessageLimit: 3, LockWait: time.Second})
	require.NoError(t, err)
	return svc
}

// requirePairs checks that every invocation is directly followed by its result.
func requirePairs(t *testing.T, snap domain.Snapshot) {
	t.Helper()
	for i, e := range snap.Entries {
		call, ok := e.Content.ToolCall()
		if !ok {
			if _, isResult := e.Content.ToolResult(); isResult {
				require.Greater(t, i, 0, "result without invocation at %d", i)
				_, prevIsCall := snap.Entries[i-1].Content.ToolCall()
				require.True(t, prevIsCall, "result at %d does not follow an invocation", i)
			}
			continue
		}
		require.Less(t, i+1, len(snap.Entries), "invocation %q has no result", e.ID)
		res, ok := snap.Entries[i+1].Content.ToolResult()
		require.True(t, ok, "entry after invocation %q is not a result", e.ID)
		require.Equal(t, call.CallID, res.CallID)
		require.Equal(t, domain.RoleAssistant, e.Role)
		require.Equal(t, domain.RoleTool, snap.Entries[i+1].Role)
	}
}
