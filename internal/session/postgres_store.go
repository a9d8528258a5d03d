package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
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

func (s *PostgresStore) SaveTurn(ctx context.Context, turn *Turn) error {
	result, err := json.Marshal(turn.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	var contextJSON []byte
	if len(turn.Context) > 0 {
		if contextJSON, err = json.Marshal(turn.Context); err != nil {
			return fmt.Errorf("failed to encode context: %w", err)
		}
	}

	query := `
		INSERT INTO conversations (account_id, session_id, user_message, result, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err = s.db.QueryRow(ctx, query,
		turn.AccountID, turn.SessionID, turn.UserMessage, result, contextJSON, turn.CreatedAt,
	).Scan(&turn.ID)
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

const turnColumns = `id, account_id, session_id, user_message, result, context, created_at`

func scanTurns(rows pgx.Rows) ([]*Turn, error) {
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var t Turn
		var result, contextJSON []byte
		if err := rows.Scan(&t.ID, &t.AccountID, &t.SessionID, &t.UserMessage, &result, &contextJSON, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &t.Context); err != nil {
				return nil, fmt.Errorf("failed to decode context: %w", err)
			}
		}
		turns = append(turns, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, accountID, sessionID string, limit int) ([]*Turn, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+turnColumns+`
		FROM conversations
		WHERE account_id = $1 AND session_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, accountID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	return scanTurns(rows)
}

func (s *PostgresStore) RecentConversations(ctx context.Context, accountID string, limit int) ([]*Turn, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+turnColumns+`
		FROM conversations
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	return scanTurns(rows)
}

func (s *PostgresStore) DeleteTurnsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete turns: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SaveFact(ctx context.Context, fact *Fact) error {
	query := `
		INSERT INTO user_facts (account_id, fact_type, content, relevance_score, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query,
		fact.AccountID, string(fact.Type), fact.Content, fact.Relevance, fact.CreatedAt,
	).Scan(&fact.ID)
	if err != nil {
		return fmt.Errorf("failed to save fact: %w", err)
	}
	return nil
}

func scanFacts(rows pgx.Rows) ([]*Fact, error) {
	defer rows.Close()

	var facts []*Fact
	for rows.Next() {
		var f Fact
		var kind string
		if err := rows.Scan(&f.ID, &f.AccountID, &kind, &f.Content, &f.Relevance, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		f.Type = FactType(kind)
		facts = append(facts, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating facts: %w", err)
	}
	return facts, nil
}

func (s *PostgresStore) FindFacts(ctx context.Context, accountID, keyword string, limit int) ([]*Fact, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, account_id, fact_type, content, relevance_score, created_at
		FROM user_facts
		WHERE account_id = $1 AND position(lower($2) in lower(content)) > 0
		ORDER BY relevance_score DESC, created_at DESC
		LIMIT $3
	`, accountID, keyword, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	return scanFacts(rows)
}

func (s *PostgresStore) ListFacts(ctx context.Context, accountID string, limit int) ([]*Fact, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, account_id, fact_type, content, relevance_score, created_at
		FROM user_facts
		WHERE account_id = $1
		ORDER BY relevance_score DESC, created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	return scanFacts(rows)
}
