package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"market-chat/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// pgxAPI is the subset of *pgxpool.Pool used by PostgresStore.
type pgxAPI interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// OpenPool creates and pings a connection pool.
func OpenPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("repository: parse database config: %w", err)
	}
	poolCfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("repository: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repository: ping database: %w", err)
	}
	return pool, nil
}

// PostgresStore keeps conversations and profiles in two tables; see schema.sql.
type PostgresStore struct {
	db  pgxAPI
	now func() time.Time
}

func NewPostgres(db pgxAPI) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	return nil
}

const upsertConversationSQL = `
INSERT INTO conversations (id, owner_id, title, state_data, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (id) DO UPDATE
SET title = EXCLUDED.title, state_data = EXCLUDED.state_data, updated_at = EXCLUDED.updated_at
WHERE conversations.owner_id = EXCLUDED.owner_id`

// UpsertConversation inserts or overwrites a record. A conflicting row held by
// another owner is not updated and yields domain.ErrNotOwner.
func (s *PostgresStore) UpsertConversation(ctx context.Context, rec domain.Record) error {
	if rec.ID == "" || rec.OwnerID == "" {
		return errors.New("repository: UpsertConversation: id and owner are required")
	}
	tag, err := s.db.Exec(ctx, upsertConversationSQL, rec.ID, rec.OwnerID, rec.Title, rec.StateData, s.now().UTC())
	if err != nil {
		return fmt.Errorf("repository: UpsertConversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repository: UpsertConversation %q: %w", rec.ID, domain.ErrNotOwner)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (domain.Record, error) {
	var rec domain.Record
	err := s.db.QueryRow(ctx,
		`SELECT id, owner_id, title, state_data, created_at, updated_at FROM conversations WHERE id = $1`,
		conversationID,
	).Scan(&rec.ID, &rec.OwnerID, &rec.Title, &rec.StateData, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Record{}, domain.ErrConversationNotFound
		}
		return domain.Record{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, ownerID string) ([]domain.ConversationSummary, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE owner_id = $1 ORDER BY updated_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversations: %w", err)
	}
	defer rows.Close()

	var out []domain.ConversationSummary
	for rows.Next() {
		var sum domain.ConversationSummary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repository: ListConversations scan: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListConversations rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RenameConversation(ctx context.Context, conversationID, ownerID, title string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE conversations SET title = $3, updated_at = $4 WHERE id = $1 AND owner_id = $2`,
		conversationID, ownerID, title, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("repository: RenameConversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID, ownerID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND owner_id = $2`, conversationID, ownerID)
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

// GetProfile returns the stored profile. A user without a row is on the free tier.
func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (domain.UserProfile, error) {
	profile := domain.UserProfile{ID: userID}
	var tier string
	err := s.db.QueryRow(ctx,
		`SELECT display_name, tier, message_count FROM user_profiles WHERE id = $1`, userID,
	).Scan(&profile.DisplayName, &tier, &profile.MessageCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			profile.Tier = domain.TierFree
			return profile, nil
		}
		return domain.UserProfile{}, fmt.Errorf("repository: GetProfile: %w", err)
	}
	profile.Tier = domain.Tier(strings.TrimSpace(tier))
	if profile.Tier == "" {
		profile.Tier = domain.TierFree
	}
	return profile, nil
}

func (s *PostgresStore) IncrementMessageCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
INSERT INTO user_profiles (id, tier, message_count) VALUES ($1, 'free', 1)
ON CONFLICT (id) DO UPDATE SET message_count = user_profiles.message_count + 1
RETURNING message_count`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementMessageCount: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ResetMessageCount(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `UPDATE user_profiles SET message_count = 0 WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("repository: ResetMessageCount: %w", err)
	}
	return nil
}
