package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/chat-gateway/internal/provider"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO cost_records (provider, model, input_tokens, output_tokens, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query,
		string(rec.Provider), rec.Model, rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert cost record: %w", err)
	}
	return nil
}

func (s *PostgresStore) SpendingBetween(ctx context.Context, from, to time.Time) (map[provider.ID]float64, error) {
	query := `
		SELECT provider, COALESCE(SUM(cost_usd), 0)
		FROM cost_records
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY provider
	`
	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query spending: %w", err)
	}
	defer rows.Close()

	out := make(map[provider.ID]float64)
	for rows.Next() {
		var id string
		var total float64
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("failed to scan spending: %w", err)
		}
		out[provider.ID(id)] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spending: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM cost_records WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete cost records: %w", err)
	}
	return tag.RowsAffected(), nil
}
