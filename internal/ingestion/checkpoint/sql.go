package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// TxDB is the subset of pkg/postgres.Client the SQL store needs.
type TxDB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	InTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// SQLStore keeps one row per processed file. Rows are only ever inserted.
type SQLStore struct {
	db    TxDB
	table string
}

// NewSQLStore creates a SQLStore over table.
func NewSQLStore(db TxDB, table string) *SQLStore {
	return &SQLStore{db: db, table: pq.QuoteIdentifier(table)}
}

func (s *SQLStore) Load(ctx context.Context) (State, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT file_name, rows_committed, rows_rejected, committed_at FROM "+s.table)
	if err != nil {
		return State{}, fmt.Errorf("loading checkpoint rows: %w", err)
	}
	defer rows.Close()
	var marks []FileMark
	for rows.Next() {
		var m FileMark
		if err := rows.Scan(&m.Name, &m.Rows, &m.Rejected, &m.CommittedAt); err != nil {
			return State{}, fmt.Errorf("scanning checkpoint row: %w", err)
		}
		m.CommittedAt = m.CommittedAt.UTC()
		marks = append(marks, m)
	}
	if err := rows.Err(); err != nil {
		return State{}, fmt.Errorf("iterating checkpoint rows: %w", err)
	}
	return NewState(marks...), nil
}

func (s *SQLStore) Advance(ctx context.Context, state State, marks []FileMark) (State, error) {
	pending := state.fresh(marks)
	if len(pending) == 0 {
		return state, nil
	}
	query := "INSERT INTO " + s.table +
		" (file_name, rows_committed, rows_rejected, committed_at) VALUES ($1, $2, $3, $4)" +
		" ON CONFLICT (file_name) DO NOTHING"
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("preparing checkpoint insert: %w", err)
		}
		defer stmt.Close()
		for _, m := range pending {
			if _, err := stmt.ExecContext(ctx, m.Name, m.Rows, m.Rejected, m.CommittedAt.UTC()); err != nil {
				return fmt.Errorf("inserting checkpoint for %s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return state, err
	}
	return state.With(pending), nil
}
