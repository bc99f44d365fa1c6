package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"market-chat/internal/domain"
)

const (
	DefaultTitle          = "New conversation"
	titleMaxRunes         = 40
	defaultPersistTries   = 3
	defaultPersistBackoff = 500 * time.Millisecond
)

type ConversationStore interface {
	UpsertConversation(ctx context.Context, rec domain.Record) error
	GetConversation(ctx context.Context, conversationID string) (domain.Record, error)
	ListConversations(ctx context.Context, ownerID string) ([]domain.ConversationSummary, error)
	RenameConversation(ctx context.Context, conversationID, ownerID, title string) error
	DeleteConversation(ctx context.Context, conversationID, ownerID string) error
}

type UserStore interface {
	GetProfile(ctx context.Context, userID string) (domain.UserProfile, error)
	IncrementMessageCount(ctx context.Context, userID string) (int, error)
	ResetMessageCount(ctx context.Context, userID string) error
}

// Gateway is the only writer of conversation records. It writes whole
// snapshots, and only for owners whose tier keeps history.
type Gateway struct {
	convs    ConversationStore
	users    UserStore
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

type GatewayOption func(*Gateway)

func WithPersistRetry(attempts int, backoff time.Duration) GatewayOption {
	return func(g *Gateway) {
		if attempts > 0 {
			g.attempts = attempts
		}
		if backoff >= 0 {
			g.backoff = backoff
		}
	}
}

func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func NewGateway(convs ConversationStore, users UserStore, opts ...GatewayOption) (*Gateway, error) {
	if convs == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if users == nil {
		return nil, errors.New("usecase: user store must not be nil")
	}
	g := &Gateway{
		convs:    convs,
		users:    users,
		attempts: defaultPersistTries,
		backoff:  defaultPersistBackoff,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Upsert writes snap as the full state of the conversation. It reports whether
// the record was written; failures are logged, never returned.
func (g *Gateway) Upsert(ctx context.Context, conversationID, ownerID string, snap domain.Snapshot) bool {
	if strings.TrimSpace(ownerID) == "" {
		return false
	}
	profile, err := g.users.GetProfile(ctx, ownerID)
	if err != nil {
		g.logger.ErrorContext(ctx, "persist: load owner profile", "err", err)
		return false
	}
	if !profile.Tier.Entitled() {
		return false
	}

	state, err := domain.EncodeState(snap)
	if err != nil {
		g.logger.ErrorContext(ctx, "persist: encode state", "err", err)
		return false
	}
	rec := domain.Record{
		ID:        conversationID,
		OwnerID:   ownerID,
		Title:     DeriveTitle(snap),
		StateData: state,
	}

	for attempt := 1; attempt <= g.attempts; attempt++ {
		err = g.convs.UpsertConversation(ctx, rec)
		if err == nil {
			if attempt > 1 {
				g.logger.InfoContext(ctx, "persist: write succeeded after retry", "attempt", attempt)
			}
			return true
		}
		if errors.Is(err, domain.ErrNotOwner) {
			g.logger.WarnContext(ctx, "persist: conversation owned by another user")
			return false
		}
		g.logger.WarnContext(ctx, "persist: write failed", "attempt", attempt, "max_attempts", g.attempts, "err", err)
		if attempt == g.attempts {
			break
		}
		if err := sleep(ctx, g.backoff); err != nil {
			g.logger.WarnContext(ctx, "persist: retry abandoned", "err", err)
			return false
		}
	}
	g.logger.ErrorContext(ctx, "persist: giving up", "attempts", g.attempts, "err", err)
	return false
}

// DeriveTitle is the first user text cut to 40 characters, or the default title.
func DeriveTitle(snap domain.Snapshot) string {
	text, ok := snap.FirstUserText()
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		return DefaultTitle
	}
	runes := []rune(text)
	if len(runes) <= titleMaxRunes {
		return text
	}
	return string(runes[:titleMaxRunes]) + "..."
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
