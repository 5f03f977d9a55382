// Package pgx stores alignment runs and their results in PostgreSQL.
package pgx

import (
	"context"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/OFFIS-RIT/align/backend/pkg/store"
)

// copyChunkSize bounds the rows sent per COPY.
const copyChunkSize = 1000

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// AlignmentStorage implements store.RunStore and store.ResultSink.
type AlignmentStorage struct {
	conn      pgxIConn
	chunkSize int
}

var (
	_ store.RunStore   = (*AlignmentStorage)(nil)
	_ store.ResultSink = (*AlignmentStorage)(nil)
)

type AlignmentStorageOption func(*AlignmentStorage)

// WithChunkSize overrides the number of rows written per COPY.
func WithChunkSize(n int) AlignmentStorageOption {
	return func(s *AlignmentStorage) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// New returns a storage bound to conn, usually a *pgxpool.Pool.
func New(conn pgxIConn, opts ...AlignmentStorageOption) *AlignmentStorage {
	s := &AlignmentStorage{conn: conn, chunkSize: copyChunkSize}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// copyRows replaces the rows of runID in table with rows inside one
// transaction.
func (s *AlignmentStorage) copyRows(
	ctx context.Context,
	runID string,
	table string,
	columns []string,
	rows [][]any,
) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE run_id = $1", runID); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}

	err = store.ChunkRange(len(rows), s.chunkSize, func(start, end int) error {
		if _, err := tx.CopyFrom(ctx, pgxv5.Identifier{table}, columns, pgxv5.CopyFromRows(rows[start:end])); err != nil {
			return fmt.Errorf("failed to copy %s rows %d-%d: %w", table, start, end, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", table, err)
	}
	return nil
}
