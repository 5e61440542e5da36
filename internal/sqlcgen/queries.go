package sqlcgen

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const createPreferencesTable = `-- name: CreatePreferencesTable :exec
CREATE TABLE IF NOT EXISTS map_preferences (
  key        text PRIMARY KEY,
  value      bytea NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now()
)
`

func (q *Queries) CreatePreferencesTable(ctx context.Context) error {
	_, err := q.db.Exec(ctx, createPreferencesTable)
	return err
}

const getPreference = `-- name: GetPreference :one
SELECT key,
       value,
       updated_at
FROM map_preferences
WHERE key = $1
`

func (q *Queries) GetPreference(ctx context.Context, key string) (Preference, error) {
	row := q.db.QueryRow(ctx, getPreference, key)
	var i Preference
	err := row.Scan(&i.Key, &i.Value, &i.UpdatedAt)
	return i, err
}

const upsertPreference = `-- name: UpsertPreference :exec
INSERT INTO map_preferences (key, value)
VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value,
    updated_at = now()
`

type UpsertPreferenceParams struct {
	Key   string
	Value []byte
}

func (q *Queries) UpsertPreference(ctx context.Context, arg UpsertPreferenceParams) error {
	_, err := q.db.Exec(ctx, upsertPreference, arg.Key, arg.Value)
	return err
}

const deletePreference = `-- name: DeletePreference :execrows
DELETE FROM map_preferences
WHERE key = $1
`

func (q *Queries) DeletePreference(ctx context.Context, key string) (int64, error) {
	tag, err := q.db.Exec(ctx, deletePreference, key)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
