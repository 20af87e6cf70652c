package bookmark

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	t   time.Time
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*time.Time)) = r.t
	return nil
}

type fakeDB struct {
	rows map[string]time.Time
	sql  []string
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	if strings.Contains(sql, "INSERT INTO harborbpe.bookmarks") {
		f.rows[args[0].(string)] = args[1].(time.Time)
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	t, ok := f.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{t: t}
}

func TestPostgresStore_Fake(t *testing.T) {
	db := &fakeDB{rows: map[string]time.Time{}}
	s := NewPostgresStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	storeContract(t, s)
	require.Contains(t, db.sql[0], "CREATE TABLE IF NOT EXISTS harborbpe.bookmarks")
	require.Contains(t, db.rows, "task:sub-1")
}

// Runs against a real database when HARBORBPE_TEST_DATABASE_URL is set
func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("HARBORBPE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("HARBORBPE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	s := NewPostgresStore(pool)
	require.NoError(t, s.Migrate(ctx))
	_, err = pool.Exec(ctx, `DELETE FROM harborbpe.bookmarks WHERE scope LIKE '%:sub-1'`)
	require.NoError(t, err)
	storeContract(t, s)
}
