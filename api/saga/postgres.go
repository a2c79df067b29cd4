package saga

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const eventColumns = `id, saga_id, seq, run_id, cluster, service, source, ts, action, message, metadata`

// PostgresStore keeps events in run_events, keyed by (saga_id, seq) so a
// retried append is a no-op.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS run_events (
			id        TEXT NOT NULL UNIQUE,
			saga_id   TEXT NOT NULL,
			seq       INTEGER NOT NULL,
			run_id    TEXT NOT NULL DEFAULT '',
			cluster   TEXT NOT NULL DEFAULT '',
			service   TEXT NOT NULL DEFAULT '',
			source    TEXT NOT NULL DEFAULT '',
			ts        TIMESTAMPTZ NOT NULL DEFAULT now(),
			action    TEXT NOT NULL,
			message   TEXT NOT NULL DEFAULT '',
			metadata  JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (saga_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id);
		CREATE INDEX IF NOT EXISTS idx_run_events_service ON run_events(cluster, service, ts DESC);
		CREATE INDEX IF NOT EXISTS idx_run_events_ts ON run_events(ts DESC);
	`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, evt *Event) error {
	meta := evt.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (saga_id, seq) DO NOTHING`,
		evt.ID, evt.SagaID, evt.Seq, evt.RunID, evt.Cluster, evt.Service, evt.Source,
		evt.Timestamp, evt.Action, evt.Message, meta,
	)
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", evt.SagaID, evt.Seq, err)
	}
	return nil
}

func (s *PostgresStore) ListBySaga(ctx context.Context, sagaID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM run_events WHERE saga_id = $1 ORDER BY seq`, sagaID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanEvent)
}

// Query returns matching events newest first.
func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	var conds []string
	var args []interface{}
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("run_id", f.RunID)
	add("cluster", f.Cluster)
	add("service", f.Service)

	sql := `SELECT ` + eventColumns + ` FROM run_events`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, f.limit())
	sql += fmt.Sprintf(" ORDER BY ts DESC, seq DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanEvent)
}

func scanEvent(row pgx.CollectableRow) (Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.SagaID, &e.Seq, &e.RunID, &e.Cluster, &e.Service, &e.Source,
		&e.Timestamp, &e.Action, &e.Message, &e.Metadata)
	return e, err
}
