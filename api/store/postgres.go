package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"shipyard/api/model"
)

type DB struct {
	pool *pgxpool.Pool
}

func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// Pool exposes the connection pool to stores that share the database.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func Migrate(db *DB) error {
	ctx := context.Background()
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			service      TEXT NOT NULL,
			cluster      TEXT NOT NULL DEFAULT '',
			family       TEXT NOT NULL DEFAULT '',
			image        TEXT NOT NULL DEFAULT '',
			revision_arn TEXT NOT NULL DEFAULT '',
			saga_id      TEXT NOT NULL DEFAULT '',
			state        TEXT NOT NULL DEFAULT 'START',
			result       TEXT NOT NULL DEFAULT '',
			category     TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			triggered_by TEXT NOT NULL DEFAULT '',
			report       JSONB,
			started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			finished_at  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_runs_service ON runs(service);
		CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
	`)
	return err
}

const runColumns = `id, service, cluster, family, image, revision_arn, saga_id, state, result, category, error, triggered_by, started_at, finished_at`

func (db *DB) InsertRun(ctx context.Context, r *model.Run) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, service, cluster, family, image, revision_arn, saga_id, state, result, category, error, triggered_by, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.Service, r.Cluster, r.Family, r.Image, r.RevisionARN, r.SagaID,
		r.State, r.Result, r.Category, r.Error, r.TriggeredBy, r.StartedAt,
	)
	return err
}

// SaveReport writes the flattened run and the full report.
func (db *DB) SaveReport(ctx context.Context, rep *model.Report) error {
	r := rep.Summary()
	data, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET cluster = $1, family = $2, image = $3, revision_arn = $4, state = $5, result = $6,
		 category = $7, error = $8, report = $9, finished_at = $10 WHERE id = $11`,
		r.Cluster, r.Family, r.Image, r.RevisionARN, r.State, r.Result,
		r.Category, r.Error, data, r.FinishedAt, r.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", r.ID)
	}
	return nil
}

func (db *DB) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetReport returns the stored report for a finished run, or nil.
func (db *DB) GetReport(ctx context.Context, id string) (*model.Report, error) {
	var data []byte
	err := db.pool.QueryRow(ctx, `SELECT report FROM runs WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && data == nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rep model.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

type RunFilter struct {
	Service  string
	Category string
	Limit    int
	Offset   int
}

func (db *DB) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, int, error) {
	where := ""
	args := []interface{}{}
	argN := 1

	if f.Service != "" {
		where += fmt.Sprintf(" AND service = $%d", argN)
		args = append(args, f.Service)
		argN++
	}
	if f.Category != "" {
		where += fmt.Sprintf(" AND category = $%d", argN)
		args = append(args, f.Category)
		argN++
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM runs WHERE 1=1"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	querySQL := fmt.Sprintf(
		"SELECT %s FROM runs WHERE 1=1%s ORDER BY started_at DESC LIMIT $%d OFFSET $%d",
		runColumns, where, argN, argN+1,
	)
	args = append(args, limit, f.Offset)

	rows, err := db.pool.Query(ctx, querySQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, *r)
	}
	return runs, total, rows.Err()
}

// RecoverInFlightRuns closes out runs interrupted by a restart.
func (db *DB) RecoverInFlightRuns(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET result = 'FAILED',
		     category = CASE WHEN state = 'START' THEN 'not_started' ELSE 'unhealthy' END,
		     state = 'CLEANED_UP',
		     error = 'shipyard restarted during run',
		     finished_at = now()
		 WHERE state <> 'CLEANED_UP'`,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	if err := row.Scan(&r.ID, &r.Service, &r.Cluster, &r.Family, &r.Image, &r.RevisionARN, &r.SagaID,
		&r.State, &r.Result, &r.Category, &r.Error, &r.TriggeredBy, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
