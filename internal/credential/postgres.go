package credential

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgxExecutor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresBackend stores credential keys in the credential_kv table.
type PostgresBackend struct {
	db        pgxExecutor
	namespace string
}

// NewPostgresBackend creates a Postgres-backed credential backend.
func NewPostgresBackend(pool *pgxpool.Pool, namespace string) *PostgresBackend {
	if pool == nil {
		panic("credential: pgx pool required")
	}
	return &PostgresBackend{db: pool, namespace: namespace}
}

func newPostgresBackendWithExec(db pgxExecutor, namespace string) *PostgresBackend {
	if db == nil {
		panic("credential: exec required")
	}
	return &PostgresBackend{db: db, namespace: namespace}
}

func (b *PostgresBackend) Load(ctx context.Context, keys []string) (map[string]string, error) {
	query := `SELECT key, value FROM credential_kv WHERE namespace = $1 AND key = ANY($2)`
	rows, err := b.db.Query(ctx, query, b.namespace, keys)
	if err != nil {
		return nil, fmt.Errorf("credential: postgres load: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(keys))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("credential: postgres scan: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("credential: postgres rows: %w", err)
	}
	return out, nil
}

// Save upserts every value inside one transaction.
func (b *PostgresBackend) Save(ctx context.Context, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := b.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("credential: postgres begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO credential_kv (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`
	for _, k := range keys {
		if _, err := tx.Exec(ctx, query, b.namespace, k, values[k]); err != nil {
			return fmt.Errorf("credential: postgres save %s: %w", k, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("credential: postgres commit: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, keys []string) error {
	query := `DELETE FROM credential_kv WHERE namespace = $1 AND key = ANY($2)`
	if _, err := b.db.Exec(ctx, query, b.namespace, keys); err != nil {
		return fmt.Errorf("credential: postgres delete: %w", err)
	}
	return nil
}
