// Package timing keeps a history of run durations and predicts how long a
// new alignment of a given size will take.
package timing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// historySize is the number of recent runs a prediction averages over.
const historySize = 50

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Timings struct {
	conn dbConn
}

func New(conn dbConn) *Timings {
	return &Timings{conn: conn}
}

// AddRunTime records the duration of a completed run over elements inputs.
func (t *Timings) AddRunTime(ctx context.Context, projectKey string, elements int, duration time.Duration) error {
	if elements <= 0 {
		return nil
	}
	_, err := t.conn.Exec(ctx,
		`INSERT INTO alignment_timings (project_key, elements, duration_ms) VALUES ($1, $2, $3)`,
		projectKey, int32(elements), duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to add run time: %w", err)
	}
	return nil
}

// PredictRunTime scales the mean time per element of recent runs to
// elements. It returns zero without history.
func (t *Timings) PredictRunTime(ctx context.Context, elements int) (time.Duration, error) {
	if elements <= 0 {
		return 0, nil
	}
	var msPerElement *float64
	err := t.conn.QueryRow(ctx,
		`SELECT avg(duration_ms::double precision / elements)
		   FROM (SELECT duration_ms, elements
		           FROM alignment_timings
		          ORDER BY created_at DESC
		          LIMIT $1) recent`,
		historySize,
	).Scan(&msPerElement)
	if err != nil {
		return 0, fmt.Errorf("failed to predict run time: %w", err)
	}
	if msPerElement == nil {
		return 0, nil
	}
	return time.Duration(*msPerElement * float64(elements) * float64(time.Millisecond)), nil
}

// Remaining estimates the time left of a run that started at started and
// was predicted to take predicted.
func Remaining(predicted time.Duration, started, now time.Time) time.Duration {
	if predicted <= 0 {
		return 0
	}
	return max(predicted-now.Sub(started), 0)
}
