// Package ledger optionally records per-item transfer outcomes in
// Postgres for later inspection. It is additive: jobs run identically
// with no DSN configured, and ledger write failures never fail a run.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/joshuahamsa/ipfs-to-cdn/internal/transfer"
)

// Options carries the Postgres connection knobs.
type Options struct {
	DSN        string
	Schema     string // default "public"
	MaxConns   int    // default 2
	ViaBouncer bool   // use simple protocol for PgBouncer txn pooling
	Job        string // job name recorded with every row
}

// Ledger owns one connection pool and one run id.
type Ledger struct {
	pool   *pgxpool.Pool
	schema string
	job    string
	runID  string
	log    *zap.SugaredLogger
}

// Open connects and ensures the outcome table exists. Returns (nil, nil)
// when no DSN is configured.
func Open(ctx context.Context, opts Options, log *zap.SugaredLogger) (*Ledger, error) {
	if opts.DSN == "" {
		return nil, nil
	}
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 2
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("PG_DSN parse: %w", err)
	}
	cfg.MaxConns = int32(opts.MaxConns)
	if opts.ViaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("PG connect: %w", err)
	}

	l := &Ledger{
		pool:   pool,
		schema: opts.Schema,
		job:    opts.Job,
		runID:  uuid.NewString(),
		log:    log,
	}
	if err := l.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Infow("outcome ledger enabled", "schema", opts.Schema, "run_id", l.runID)
	return l, nil
}

// RunID identifies this process run in the ledger.
func (l *Ledger) RunID() string { return l.runID }

func (l *Ledger) table() string {
	return fmt.Sprintf(`"%s".transfer_outcomes`, l.schema)
}

func (l *Ledger) ensureTable(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+l.table()+` (
		run_id     text        NOT NULL,
		job        text        NOT NULL,
		item_key   text        NOT NULL,
		outcome    text        NOT NULL,
		http_status int,
		detail     text,
		recorded_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (run_id, item_key)
	)`)
	return err
}

// RecordBatch inserts results idempotently (re-runs against the same run
// id never duplicate rows). Failures are logged and swallowed.
func (l *Ledger) RecordBatch(ctx context.Context, results []transfer.Result) {
	if l == nil || len(results) == 0 {
		return
	}
	b := &pgx.Batch{}
	for _, r := range results {
		var status *int
		if r.Status != 0 {
			s := r.Status
			status = &s
		}
		b.Queue(`INSERT INTO `+l.table()+`
			(run_id, job, item_key, outcome, http_status, detail)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (run_id, item_key) DO NOTHING`,
			l.runID, l.job, fmt.Sprintf("%d", r.ID), string(r.Outcome), status, r.Err,
		)
	}
	br := l.pool.SendBatch(ctx, b)
	defer br.Close()
	for range results {
		if _, err := br.Exec(); err != nil {
			l.log.Warnw("ledger insert failed", "err", err)
			return
		}
	}
}

// RecordRow inserts one pool-variant outcome keyed by an arbitrary
// identifier (edition string for CSV rows).
func (l *Ledger) RecordRow(ctx context.Context, key string, outcome transfer.Outcome, detail string) {
	if l == nil {
		return
	}
	_, err := l.pool.Exec(ctx, `INSERT INTO `+l.table()+`
		(run_id, job, item_key, outcome, detail)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (run_id, item_key) DO NOTHING`,
		l.runID, l.job, key, string(outcome), detail,
	)
	if err != nil {
		l.log.Warnw("ledger insert failed", "key", key, "err", err)
	}
}

// Close releases the pool, bounded so shutdown stays prompt.
func (l *Ledger) Close() {
	if l == nil {
		return
	}
	done := make(chan struct{})
	go func() { l.pool.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}
