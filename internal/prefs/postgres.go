package prefs

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"mapsync/core-go/internal/sqlcgen"
)

// PreferenceQueries is the subset of sqlc queries the Postgres backend needs.
// *sqlcgen.Queries satisfies this.
type PreferenceQueries interface {
	GetPreference(ctx context.Context, key string) (sqlcgen.Preference, error)
	UpsertPreference(ctx context.Context, arg sqlcgen.UpsertPreferenceParams) error
	DeletePreference(ctx context.Context, key string) (int64, error)
}

// PostgresStore keeps preferences in the map_preferences table.
type PostgresStore struct {
	q    PreferenceQueries
	ping Pinger
}

func NewPostgresStore(q PreferenceQueries, ping Pinger) *PostgresStore {
	return &PostgresStore{q: q, ping: ping}
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	row, err := s.q.GetPreference(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return row.Value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	return s.q.UpsertPreference(ctx, sqlcgen.UpsertPreferenceParams{Key: key, Value: value})
}

func (s *PostgresStore) Remove(ctx context.Context, key string) error {
	_, err := s.q.DeletePreference(ctx, key)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping.Ping(ctx)
}
