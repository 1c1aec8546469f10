package memory

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	turnColumns  = `id, user_id, session_id, role, content, pii_redacted, created_at`
	alertColumns = `id, user_id, session_id, level, score, triggers, record, note, created_at`
)

// PostgresStore persists turns and alerts in PostgreSQL. The schema is
// migrated on open.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrateUp(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migrateUp(ctx context.Context, pool *pgxpool.Pool) error {
	dir, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, dir)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if err := record.prepare(time.Now().UTC()); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_turns (`+turnColumns+`)
		 VALUES (@id, @user_id, @session_id, @role, @content, @pii_redacted, @created_at)`,
		pgx.NamedArgs{
			"id":           record.ID,
			"user_id":      record.UserID,
			"session_id":   record.SessionID,
			"role":         record.Role,
			"content":      record.Content,
			"pii_redacted": record.PIIRedacted,
			"created_at":   record.CreatedAt,
		})
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// RecentContext returns the user's last limit turns, oldest first.
func (s *PostgresStore) RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+turnColumns+` FROM conversation_turns
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent context: %w", err)
	}
	turns, err := pgx.CollectRows(rows, pgx.RowToStructByPos[TurnRecord])
	if err != nil {
		return nil, fmt.Errorf("read recent context: %w", err)
	}
	slices.Reverse(turns)
	return turns, nil
}

func (s *PostgresStore) SaveAlert(ctx context.Context, alert Alert) (Alert, error) {
	if err := alert.prepare(time.Now().UTC()); err != nil {
		return Alert{}, err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_alerts (`+alertColumns+`)
		 VALUES (@id, @user_id, @session_id, @level, @score, @triggers, @record, @note, @created_at)`,
		pgx.NamedArgs{
			"id":         alert.ID,
			"user_id":    alert.UserID,
			"session_id": alert.SessionID,
			"level":      alert.Level,
			"score":      alert.Score,
			"triggers":   alert.Triggers,
			"record":     alert.Record,
			"note":       alert.Note,
			"created_at": alert.CreatedAt,
		})
	if err != nil {
		return Alert{}, fmt.Errorf("save alert: %w", err)
	}
	return alert, nil
}

// ListAlerts returns alerts newest first, at most 100 unless filter.Limit
// says otherwise.
func (s *PostgresStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM risk_alerts
		 WHERE ($1 = '' OR user_id = $1) ORDER BY created_at DESC LIMIT $2`, filter.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	alerts, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Alert])
	if err != nil {
		return nil, fmt.Errorf("read alerts: %w", err)
	}
	return alerts, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
