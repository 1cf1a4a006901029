// Package postgres implements store.Provider against PostgreSQL via
// database/sql + lib/pq. Status transitions are predicated UPDATE
// statements so every CAS happens inside the database, never in Go.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/blocktimefinancial/refractor/internal/store"
)

// Store is a store.Provider backed by a `tx` table in PostgreSQL.
type Store struct {
	db     *sql.DB
	logger Logger
}

// Logger is the minimal logging capability Store needs; satisfied by
// *zap.SugaredLogger.
type Logger interface {
	Errorw(msg string, keysAndValues ...interface{})
}

// Option configures a Store.
type Option func(*Store)

// WithLogger installs a logger for connection-pool diagnostics.
func WithLogger(l Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Config carries the connection-pool tuning exposed via environment
// variables.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// New opens a pooled connection to cfg.URL and verifies it with a
// bounded ping.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres: database url is empty")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Schema is the DDL for the `tx` table and its secondary indexes.
// Callers run this once at startup (or via a migration tool); Store
// itself never runs DDL implicitly.
const Schema = `
CREATE OR REPLACE FUNCTION status_rank(s TEXT) RETURNS INTEGER AS $$
	SELECT CASE s
		WHEN 'pending' THEN 0
		WHEN 'ready' THEN 1
		WHEN 'processing' THEN 2
		WHEN 'processed' THEN 3
		WHEN 'failed' THEN 3
		ELSE -1
	END;
$$ LANGUAGE SQL IMMUTABLE;

CREATE TABLE IF NOT EXISTS tx (
	hash             TEXT PRIMARY KEY,
	blockchain       TEXT NOT NULL,
	network_name     TEXT NOT NULL,
	payload          TEXT NOT NULL,
	encoding         TEXT NOT NULL,
	tx_uri           TEXT NOT NULL DEFAULT '',
	signatures       JSONB NOT NULL DEFAULT '[]',
	desired_signers  JSONB NOT NULL DEFAULT '[]',
	submit           BOOLEAN NOT NULL DEFAULT FALSE,
	callback_url     TEXT NOT NULL DEFAULT '',
	min_time         BIGINT NOT NULL DEFAULT 0,
	max_time         BIGINT NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	submitted_at     BIGINT NOT NULL DEFAULT 0,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	legacy_network_id INTEGER,
	legacy_xdr       TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS tx_status_min_time_idx ON tx (status, min_time);
CREATE INDEX IF NOT EXISTS tx_max_time_idx ON tx (max_time) WHERE max_time <> 0;
CREATE INDEX IF NOT EXISTS tx_created_at_idx ON tx (created_at);
`

func (s *Store) FindTransaction(ctx context.Context, hash string) (*store.TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, blockchain, network_name, payload, encoding, tx_uri, signatures,
			desired_signers, submit, callback_url, min_time, max_time, status,
			submitted_at, retry_count, last_error, legacy_network_id, legacy_xdr,
			created_at, updated_at
		FROM tx WHERE hash = $1`, hash)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find %s: %w", hash, err)
	}
	return rec, nil
}

// SaveTransaction upserts record. Signatures merge additively: only
// incoming entries whose signerKey is not already stored are appended,
// preserving insertion order. Status never demotes (the status_rank
// comparison picks the further-along value).
func (s *Store) SaveTransaction(ctx context.Context, record *store.TransactionRecord) (*store.TransactionRecord, error) {
	existing, err := s.FindTransaction(ctx, record.Hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Blockchain != record.Blockchain || existing.NetworkName != record.NetworkName ||
			existing.Payload != record.Payload || existing.Encoding != record.Encoding {
			return nil, &store.ErrHashCollision{Hash: record.Hash, Reason: "immutable fields differ from stored record"}
		}
	}

	sigJSON, err := json.Marshal(record.Signatures)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal signatures: %w", err)
	}
	desiredJSON, err := json.Marshal(record.DesiredSigners)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal desired signers: %w", err)
	}
	var legacyNetworkID sql.NullInt64
	var legacyXDR sql.NullString
	if record.Legacy != nil {
		legacyNetworkID = sql.NullInt64{Int64: int64(record.Legacy.NetworkID), Valid: true}
		legacyXDR = sql.NullString{String: record.Legacy.XDR, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tx (
			hash, blockchain, network_name, payload, encoding, tx_uri, signatures,
			desired_signers, submit, callback_url, min_time, max_time, status,
			legacy_network_id, legacy_xdr
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (hash) DO UPDATE SET
			tx_uri = CASE WHEN EXCLUDED.tx_uri <> '' THEN EXCLUDED.tx_uri ELSE tx.tx_uri END,
			signatures = tx.signatures || (
				SELECT COALESCE(jsonb_agg(sig), '[]'::jsonb)
				FROM jsonb_array_elements(EXCLUDED.signatures) AS sig
				WHERE NOT EXISTS (
					SELECT 1 FROM jsonb_array_elements(tx.signatures) AS existing
					WHERE existing->>'signerKey' = sig->>'signerKey'
				)
			),
			submit = tx.submit OR EXCLUDED.submit,
			callback_url = CASE WHEN EXCLUDED.callback_url <> '' THEN EXCLUDED.callback_url ELSE tx.callback_url END,
			min_time = CASE WHEN EXCLUDED.min_time > 0 THEN EXCLUDED.min_time ELSE tx.min_time END,
			max_time = CASE WHEN EXCLUDED.max_time > 0 THEN EXCLUDED.max_time ELSE tx.max_time END,
			status = CASE WHEN status_rank(EXCLUDED.status) > status_rank(tx.status)
				THEN EXCLUDED.status ELSE tx.status END,
			legacy_network_id = COALESCE(EXCLUDED.legacy_network_id, tx.legacy_network_id),
			legacy_xdr = COALESCE(EXCLUDED.legacy_xdr, tx.legacy_xdr),
			updated_at = now()
	`,
		record.Hash, record.Blockchain, record.NetworkName, record.Payload, record.Encoding,
		record.TxURI, sigJSON, desiredJSON, record.Submit, record.CallbackURL,
		record.MinTime, record.MaxTime, string(record.Status), legacyNetworkID, legacyXDR,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert %s: %w", record.Hash, err)
	}

	return s.FindTransaction(ctx, record.Hash)
}

func (s *Store) UpdateTransaction(ctx context.Context, hash string, patch func(*store.TransactionRecord), expectedStatus store.Status) (bool, error) {
	current, err := s.FindTransaction(ctx, hash)
	if err != nil {
		return false, err
	}
	if current == nil || current.Status != expectedStatus {
		return false, nil
	}
	patch(current)
	_, err = s.SaveTransaction(ctx, current)
	return err == nil, err
}

// UpdateTxStatus performs a compare-and-swap status transition,
// using a predicated UPDATE so only one caller can ever win the race.
func (s *Store) UpdateTxStatus(ctx context.Context, hash string, newStatus, expectedStatus store.Status, lastErr string) (bool, error) {
	var result sql.Result
	var err error
	if lastErr != "" {
		result, err = s.db.ExecContext(ctx, `
			UPDATE tx SET status = $1, last_error = $2, retry_count = retry_count + 1, updated_at = now()
			WHERE hash = $3 AND status = $4`, string(newStatus), lastErr, hash, string(expectedStatus))
	} else if newStatus == store.StatusProcessing {
		result, err = s.db.ExecContext(ctx, `
			UPDATE tx SET status = $1, submitted_at = extract(epoch from now())::bigint, updated_at = now()
			WHERE hash = $2 AND status = $3`, string(newStatus), hash, string(expectedStatus))
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE tx SET status = $1, updated_at = now()
			WHERE hash = $2 AND status = $3`, string(newStatus), hash, string(expectedStatus))
	}
	if err != nil {
		return false, fmt.Errorf("postgres: update status %s: %w", hash, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter store.ListFilter) ([]*store.TransactionRecord, error) {
	query := `
		SELECT hash, blockchain, network_name, payload, encoding, tx_uri, signatures,
			desired_signers, submit, callback_url, min_time, max_time, status,
			submitted_at, retry_count, last_error, legacy_network_id, legacy_xdr,
			created_at, updated_at
		FROM tx WHERE 1=1`
	args := []interface{}{}
	argN := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if filter.MinTimeLE > 0 {
		query += fmt.Sprintf(" AND min_time <= $%d", argN)
		args = append(args, filter.MinTimeLE)
		argN++
	}
	if filter.HasMax {
		query += fmt.Sprintf(" AND max_time > 0 AND max_time > $%d", argN)
		args = append(args, filter.Now)
		argN++
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	defer rows.Close()

	var out []*store.TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan list row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CleanupExpired(ctx context.Context, now int64) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tx SET status = 'failed', last_error = 'expired', updated_at = now()
		WHERE status IN ('pending', 'ready') AND max_time <> 0 AND max_time <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup expired: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) HealthCheck(ctx context.Context) store.HealthStatus {
	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return store.HealthStatus{Connected: false, Error: err.Error()}
	}
	return store.HealthStatus{Connected: true, LatencyMs: time.Since(start).Milliseconds()}
}

// scanner abstracts *sql.Row and *sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*store.TransactionRecord, error) {
	var rec store.TransactionRecord
	var sigJSON, desiredJSON []byte
	var status string
	var legacyNetworkID sql.NullInt64
	var legacyXDR sql.NullString

	if err := row.Scan(
		&rec.Hash, &rec.Blockchain, &rec.NetworkName, &rec.Payload, &rec.Encoding, &rec.TxURI,
		&sigJSON, &desiredJSON, &rec.Submit, &rec.CallbackURL, &rec.MinTime, &rec.MaxTime, &status,
		&rec.SubmittedAt, &rec.RetryCount, &rec.LastError, &legacyNetworkID, &legacyXDR,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rec.Status = store.Status(status)
	if err := json.Unmarshal(sigJSON, &rec.Signatures); err != nil {
		return nil, fmt.Errorf("unmarshal signatures: %w", err)
	}
	if err := json.Unmarshal(desiredJSON, &rec.DesiredSigners); err != nil {
		return nil, fmt.Errorf("unmarshal desired signers: %w", err)
	}
	if legacyNetworkID.Valid {
		rec.Legacy = &store.LegacyStellar{NetworkID: int(legacyNetworkID.Int64), XDR: legacyXDR.String}
	}
	return &rec, nil
}
