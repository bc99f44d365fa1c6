package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"market-chat/internal/domain"
)

func sampleSnapshot(convID string) domain.Snapshot {
	return domain.Snapshot{ConversationID: convID, Entries: []domain.Entry{
		{ID: "e1", Role: domain.RoleUser, Content: domain.TextContent("price of AAPL")},
		{ID: "e2", Role: domain.RoleAssistant, Content: domain.ToolCallContent(domain.ToolInvocation{CallID: "c1", ToolName: "showStockPrice", Args: []byte(`{"symbol":"AAPL"}`)})},
		{ID: "e3", Role: domain.RoleTool, Content: domain.ToolResultContent(domain.ToolResult{CallID: "c1", ToolName: "showStockPrice", Result: []byte(`{"params":{"symbol":"AAPL"},"caption":"AAPL is up."}`)})},
	}}
}

func newTestGateway(t *testing.T, store *memStore) *Gateway {
	t.Helper()
	g, err := NewGateway(store, store, WithPersistRetry(3, 0))
	require.NoError(t, err)
	return g
}

func TestGateway_OnlyEntitledOwnersAreWritten(t *testing.T) {
	store := newMemStore().
		withUser("premium", domain.TierPremium, 0).
		withUser("free", domain.TierFree, 1)
	g := newTestGateway(t, store)
	snap := sampleSnapshot("conv-1")

	require.False(t, g.Upsert(context.Background(), "conv-1", "", snap))
	require.False(t, g.Upsert(context.Background(), "conv-1", "free", snap))
	require.False(t, g.Upsert(context.Background(), "conv-1", "unknown", snap))
	require.Zero(t, store.calls())

	require.True(t, g.Upsert(context.Background(), "conv-1", "premium", snap))
	require.Equal(t, 1, store.calls())
}

func TestGateway_ProfileFailureSkipsWrite(t *testing.T) {
	store := newMemStore().withUser("u1", domain.TierPremium, 0)
	store.profileErr = errors.New("dynamodb unavailable")
	g := newTestGateway(t, store)

	require.False(t, g.Upsert(context.Background(), "conv-1", "u1", sampleSnapshot("conv-1")))
	require.Zero(t, store.calls())
}

func TestGateway_RetriesTransientFailures(t *testing.T) {
	store := newMemStore().withUser("u1", domain.TierPremium, 0)
	store.upsertErrs = []error{errors.New("throttled"), errors.New("throttled")}
	g := newTestGateway(t, store)
	snap := sampleSnapshot("conv-1")

	require.True(t, g.Upsert(context.Background(), "conv-1", "u1", snap))
	require.Equal(t, 3, store.calls())

	rec := store.record(t, "conv-1")
	require.Equal(t, "u1", rec.OwnerID)
	require.Equal(t, "price of AAPL", rec.Title)
	stored, issues, err := domain.DecodeState(rec.StateData)
	require.NoError(t, err)
	require.Empty(t, issues)
	require.Equal(t, snap, stored)
}

func TestGateway_GivesUpAfterLastAttempt(t *testing.T) {
	store := newMemStore().withUser("u1", domain.TierPremium, 0)
	store.upsertErrs = []error{errors.New("a"), errors.New("b"), errors.New("c"), nil}
	g := newTestGateway(t, store)

	require.False(t, g.Upsert(context.Background(), "conv-1", "u1", sampleSnapshot("conv-1")))
	require.Equal(t, 3, store.calls())
}

func TestGateway_ForeignOwnerIsNotRetried(t *testing.T) {
	store := newMemStore().
		withUser("u1", domain.TierPremium, 0).
		withUser("u2", domain.TierPremium, 0)
	g := newTestGateway(t, store)
	require.True(t, g.Upsert(context.Background(), "conv-1", "u1", sampleSnapshot("conv-1")))

	require.False(t, g.Upsert(context.Background(), "conv-1", "u2", domain.Snapshot{ConversationID: "conv-1"}))
	require.Equal(t, 2, store.calls())
	require.Equal(t, "u1", store.record(t, "conv-1").OwnerID)
}

func TestGateway_CanceledContextStopsRetrying(t *testing.T) {
	store := newMemStore().withUser("u1", domain.TierPremium, 0)
	store.upsertErrs = []error{errors.New("throttled"), nil}
	g, err := NewGateway(store, store, WithPersistRetry(3, time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, g.Upsert(ctx, "conv-1", "u1", sampleSnapshot("conv-1")))
	require.Equal(t, 1, store.calls())
}

func TestGateway_UpsertIsIdempotent(t *testing.T) {
	store := newMemStore().withUser("u1", domain.TierPremium, 0)
	g := newTestGateway(t, store)
	snap := sampleSnapshot("conv-1")

	require.True(t, g.Upsert(context.Background(), "conv-1", "u1", snap))
	first := store.record(t, "conv-1")
	require.True(t, g.Upsert(context.Background(), "conv-1", "u1", snap))
	second := store.record(t, "conv-1")

	require.Equal(t, first.StateData, second.StateData)
	require.Equal(t, first.Title, second.Title)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestNewGateway_RequiresStores(t *testing.T) {
	_, err := NewGateway(nil, newMemStore())
	require.Error(t, err)
	_, err = NewGateway(newMemStore(), nil)
	require.Error(t, err)
}

func TestDeriveTitle(t *testing.T) {
	long := strings.Repeat("é", 45)
	cases := []struct {
		name string
		snap domain.Snapshot
		want string
	}{
		{name: "empty", snap: domain.Snapshot{}, want: DefaultTitle},
		{name: "blank user text", snap: domain.Snapshot{Entries: []domain.Entry{{ID: "1", Role: domain.RoleUser, Content: domain.TextContent("   ")}}}, want: DefaultTitle},
		{name: "short", snap: domain.Snapshot{Entries: []domain.Entry{{ID: "1", Role: domain.RoleUser, Content: domain.TextContent("  How is NVDA doing? ")}}}, want: "How is NVDA doing?"},
		{name: "truncated by rune", snap: domain.Snapshot{Entries: []domain.Entry{{ID: "1", Role: domain.RoleUser, Content: domain.TextContent(long)}}}, want: strings.Repeat("é", 40) + "..."},
		{name: "skips assistant text", snap: domain.Snapshot{Entries: []domain.Entry{
			{ID: "1", Role: domain.RoleAssistant, Content: domain.TextContent("Welcome!")},
			{ID: "2", Role: domain.RoleUser, Content: domain.TextContent("Bitcoin chart")},
		}}, want: "Bitcoin chart"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, DeriveTitle(tc.snap))
		})
	}
}
