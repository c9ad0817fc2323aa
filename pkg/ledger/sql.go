package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLHopIndex mirrors hop receipts into a relational table for
// operational queries the object store cannot answer cheaply.
// Works against SQLite and Postgres through database/sql.
type SQLHopIndex struct {
	db *sql.DB
}

// OpenSQLHopIndex picks the driver by DSN shape: postgres:// URLs use
// lib/pq, anything else is treated as a SQLite path.
func OpenSQLHopIndex(dsn string) (*SQLHopIndex, error) {
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open hop index db: %w", err)
	}
	return &SQLHopIndex{db: db}, nil
}

// NewSQLHopIndex wraps an existing handle, for tests.
func NewSQLHopIndex(db *sql.DB) *SQLHopIndex {
	return &SQLHopIndex{db: db}
}

const hopSchema = `
CREATE TABLE IF NOT EXISTS hop_receipts (
	trace_id TEXT NOT NULL,
	hop_index INTEGER NOT NULL,
	stage TEXT NOT NULL,
	route TEXT,
	tenant TEXT,
	from_kid TEXT,
	to_peer TEXT,
	input_cid TEXT,
	output_cid TEXT,
	latency_ms INTEGER,
	outcome TEXT,
	created_ts BIGINT NOT NULL,
	PRIMARY KEY (trace_id, hop_index, created_ts)
);
CREATE INDEX IF NOT EXISTS idx_hop_receipts_created ON hop_receipts (created_ts);
`

func (s *SQLHopIndex) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, hopSchema); err != nil {
		return fmt.Errorf("ledger: init hop schema: %w", err)
	}
	return nil
}

func (s *SQLHopIndex) Insert(ctx context.Context, hr HopReceipt) error {
	const query = `
		INSERT INTO hop_receipts
			(trace_id, hop_index, stage, route, tenant, from_kid, to_peer,
			 input_cid, output_cid, latency_ms, outcome, created_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		hr.TraceID, hr.HopIndex, hr.Stage, hr.Route, hr.Tenant, hr.FromKID,
		hr.ToPeer, hr.InputCID, hr.OutputCID, hr.LatencyMS, hr.Outcome, hr.CreatedTS,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert hop receipt: %w", err)
	}
	return nil
}

// Recent returns the newest hop receipts across all traces.
func (s *SQLHopIndex) Recent(ctx context.Context, limit int) ([]HopReceipt, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT trace_id, hop_index, stage, route, tenant, from_kid, to_peer,
		       input_cid, output_cid, latency_ms, outcome, created_ts
		FROM hop_receipts
		ORDER BY created_ts DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: query recent hops: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []HopReceipt
	for rows.Next() {
		var hr HopReceipt
		if err := rows.Scan(
			&hr.TraceID, &hr.HopIndex, &hr.Stage, &hr.Route, &hr.Tenant,
			&hr.FromKID, &hr.ToPeer, &hr.InputCID, &hr.OutputCID,
			&hr.LatencyMS, &hr.Outcome, &hr.CreatedTS,
		); err != nil {
			return nil, fmt.Errorf("ledger: scan hop receipt: %w", err)
		}
		out = append(out, hr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate hop receipts: %w", err)
	}
	return out, nil
}

func (s *SQLHopIndex) Close() error {
	return s.db.Close()
}
