package bookmark

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the bookmark table used by PostgresStore
const Schema = `
CREATE SCHEMA IF NOT EXISTS harborbpe;
CREATE TABLE IF NOT EXISTS harborbpe.bookmarks (
	scope           TEXT PRIMARY KEY,
	last_event_time TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// DB is the subset of *pgxpool.Pool the store needs
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps bookmarks in harborbpe.bookmarks
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the table if it does not exist
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.Exec(ctx, Schema)
	return err
}

func (p *PostgresStore) ReadLastEventTime(ctx context.Context, scope Scope) (time.Time, bool, error) {
	var t time.Time
	err := p.db.QueryRow(ctx, `
		SELECT last_event_time FROM harborbpe.bookmarks WHERE scope = $1`,
		scope.String(),
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), true, nil
}

func (p *PostgresStore) WriteLastEventTime(ctx context.Context, scope Scope, t time.Time) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO harborbpe.bookmarks(scope, last_event_time)
		VALUES ($1, $2)
		ON CONFLICT (scope) DO UPDATE
		SET last_event_time = EXCLUDED.last_event_time, updated_at = now()`,
		scope.String(), normalize(t),
	)
	return err
}
