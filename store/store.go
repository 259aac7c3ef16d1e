// Package store persists canonical records to a local embedded SQLite
// database. All writes are serialized through a single mutex and run inside
// transactions; a message is either fully committed or not at all, which is
// what lets connections withhold protocol ACKs until durability.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/harrisyn/LabAnalyzer/errors"
	"github.com/harrisyn/LabAnalyzer/types"
)

// Store wraps the SQLite handle. Safe for concurrent use; writes are
// serialized.
type Store struct {
	db   *sql.DB
	path string

	mu       sync.Mutex
	onIngest func()
}

// Open creates or opens the database at path and applies the schema
func Open(path string) (*Store, error) {
	if path == "" {
		path = "labanalyzer.db"
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.WrapFatal(err, "store", "Open", "create database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WrapFatal(err, "store", "Open", "open sqlite")
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.WrapFatal(err, "store", "Open", "apply pragma")
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies the schema
func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS patients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			analyzer_instance TEXT NOT NULL DEFAULT '',
			external_id TEXT NOT NULL DEFAULT '',
			internal_id TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			dob TEXT NOT NULL DEFAULT '',
			sex TEXT NOT NULL DEFAULT '',
			physician TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL DEFAULT 'local',
			created_at TIMESTAMP NOT NULL,
			UNIQUE(analyzer_instance, external_id, internal_id)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			patient_id INTEGER NOT NULL REFERENCES patients(id),
			sample_id TEXT NOT NULL DEFAULT '',
			universal_service_id TEXT NOT NULL DEFAULT '',
			ordered_at TEXT NOT NULL DEFAULT '',
			raw_payload TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL DEFAULT 'local',
			created_at TIMESTAMP NOT NULL,
			UNIQUE(patient_id, sample_id)
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL REFERENCES orders(id),
			test_code TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			units TEXT NOT NULL DEFAULT '',
			reference_range TEXT NOT NULL DEFAULT '',
			abnormal_flags TEXT NOT NULL DEFAULT '',
			observed_at TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL DEFAULT 'local',
			synced_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(order_id, test_code, observed_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_sync_status ON results(sync_status)`,
		`CREATE TABLE IF NOT EXISTS sync_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			records_synced INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.WrapFatal(err, "store", "migrate", "apply schema")
		}
	}
	return nil
}

// SetOnIngest registers a callback invoked after every committed message.
// The sync engine uses it to trigger realtime sends.
func (s *Store) SetOnIngest(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIngest = fn
}

// SaveMessage persists one mapped message in a single transaction. Existing
// patients, orders, and results are upserted by their natural keys.
func (s *Store) SaveMessage(ctx context.Context, rec *types.IngestRecord) (patientID, orderID int64, resultIDs []int64, err error) {
	patientID, orderID, resultIDs, err = s.saveMessage(ctx, rec)
	if err != nil {
		return 0, 0, nil, err
	}

	s.mu.Lock()
	notify := s.onIngest
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
	return patientID, orderID, resultIDs, nil
}

func (s *Store) saveMessage(ctx context.Context, rec *types.IngestRecord) (patientID, orderID int64, resultIDs []int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, nil, errors.WrapTransient(err, "store", "SaveMessage", "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	patientID, err = upsertPatient(ctx, tx, rec.AnalyzerInstance, &rec.Patient, now)
	if err != nil {
		return 0, 0, nil, err
	}

	orderID, err = upsertOrder(ctx, tx, patientID, &rec.Order, now)
	if err != nil {
		return 0, 0, nil, err
	}

	for i := range rec.Results {
		id, rerr := upsertResult(ctx, tx, orderID, &rec.Results[i], now)
		if rerr != nil {
			err = rerr
			return 0, 0, nil, err
		}
		resultIDs = append(resultIDs, id)
	}

	if err = tx.Commit(); err != nil {
		err = errors.WrapTransient(err, "store", "SaveMessage", "commit")
		return 0, 0, nil, err
	}
	return patientID, orderID, resultIDs, nil
}

func upsertPatient(ctx context.Context, tx *sql.Tx, instance string, p *types.Patient, now time.Time) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO patients (analyzer_instance, external_id, internal_id, full_name, dob, sex, physician, sync_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(analyzer_instance, external_id, internal_id) DO UPDATE SET
			full_name = CASE WHEN excluded.full_name != '' THEN excluded.full_name ELSE patients.full_name END,
			dob       = CASE WHEN excluded.dob != '' THEN excluded.dob ELSE patients.dob END,
			sex       = CASE WHEN excluded.sex != '' THEN excluded.sex ELSE patients.sex END,
			physician = CASE WHEN excluded.physician != '' THEN excluded.physician ELSE patients.physician END`,
		instance, p.ExternalID, p.InternalID, p.FullName, p.DOB, p.Sex, p.Physician, string(types.SyncLocal), now)
	if err != nil {
		return 0, errors.WrapTransient(err, "store", "SaveMessage", "upsert patient")
	}

	// LastInsertId is unreliable on the conflict branch; resolve by key
	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM patients WHERE analyzer_instance = ? AND external_id = ? AND internal_id = ?`,
		instance, p.ExternalID, p.InternalID).Scan(&id)
	if err != nil {
		return 0, errors.WrapTransient(err, "store", "SaveMessage", "resolve patient id")
	}
	return id, nil
}

func upsertOrder(ctx context.Context, tx *sql.Tx, patientID int64, o *types.Order, now time.Time) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (patient_id, sample_id, universal_service_id, ordered_at, raw_payload, sync_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(patient_id, sample_id) DO UPDATE SET
			universal_service_id = CASE WHEN excluded.universal_service_id != '' THEN excluded.universal_service_id ELSE orders.universal_service_id END,
			ordered_at = CASE WHEN excluded.ordered_at != '' THEN excluded.ordered_at ELSE orders.ordered_at END,
			raw_payload = excluded.raw_payload`,
		patientID, o.SampleID, o.UniversalServiceID, o.OrderedAt, o.RawPayload, string(types.SyncLocal), now)
	if err != nil {
		return 0, errors.WrapTransient(err, "store", "SaveMessage", "upsert order")
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM orders WHERE patient_id = ? AND sample_id = ?`,
		patientID, o.SampleID).Scan(&id)
	if err != nil {
		return 0, errors.WrapTransient(err, "store", "SaveMessage", "resolve order id")
	}
	return id, nil
}

func upsertResult(ctx context.Context, tx *sql.Tx, orderID int64, r *types.Result, now time.Time) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO results (order_id, test_code, value, units, reference_range, abnormal_flags, observed_at, comment, sync_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id, test_code, observed_at) DO UPDATE SET
			value = excluded.value,
			units = excluded.units,
			reference_range = excluded.reference_range,
			abnormal_flags = excluded.abnormal_flags,
			comment = excluded.comment`,
		orderID, r.TestCode, r.Value, r.Units, r.ReferenceRange, r.AbnormalFlags, r.ObservedAt, r.Comment,
		string(types.SyncLocal), now)
	if err != nil {
		return 0, errors.WrapTransient(err, "store", "SaveMessage", "upsert result")
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM results WHERE order_id = ? AND test_code = ? AND observed_at = ?`,
		orderID, r.TestCode, r.ObservedAt).Scan(&id)
	if err != nil {
		return 0, errors.WrapTransient(err, "store", "SaveMessage", "resolve result id")
	}
	return id, nil
}

// BatchItem is one order's worth of unsynchronized results with its patient
// context, shaped for the outbound JSON contract.
type BatchItem struct {
	Patient types.Patient  `json:"patient"`
	Order   types.Order    `json:"order"`
	Results []types.Result `json:"results"`
}

// PendingBatch returns up to limit local results grouped by order, sorted by
// (patient id, observed_at, result id) so per-patient result order is
// preserved on the wire. Poisoned rows are excluded.
func (s *Store) PendingBatch(ctx context.Context, limit int) ([]BatchItem, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.test_code, r.value, r.units, r.reference_range, r.abnormal_flags, r.observed_at, r.comment,
		       o.id, o.sample_id, o.universal_service_id, o.ordered_at,
		       p.id, p.external_id, p.internal_id, p.full_name, p.dob, p.sex, p.physician
		FROM results r
		JOIN orders o ON o.id = r.order_id
		JOIN patients p ON p.id = o.patient_id
		WHERE r.sync_status = ?
		ORDER BY p.id, r.observed_at, r.id
		LIMIT ?`, string(types.SyncLocal), limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "store", "PendingBatch", "select pending results")
	}
	defer func() { _ = rows.Close() }()

	var batch []BatchItem
	index := make(map[int64]int)

	for rows.Next() {
		var r types.Result
		var o types.Order
		var p types.Patient
		if err := rows.Scan(
			&r.ID, &r.TestCode, &r.Value, &r.Units, &r.ReferenceRange, &r.AbnormalFlags, &r.ObservedAt, &r.Comment,
			&o.ID, &o.SampleID, &o.UniversalServiceID, &o.OrderedAt,
			&p.ID, &p.ExternalID, &p.InternalID, &p.FullName, &p.DOB, &p.Sex, &p.Physician,
		); err != nil {
			return nil, errors.WrapTransient(err, "store", "PendingBatch", "scan row")
		}
		r.OrderID = o.ID
		r.SyncStatus = types.SyncLocal
		o.PatientID = p.ID

		i, ok := index[o.ID]
		if !ok {
			batch = append(batch, BatchItem{Patient: p, Order: o})
			i = len(batch) - 1
			index[o.ID] = i
		}
		batch[i].Results = append(batch[i].Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "store", "PendingBatch", "iterate rows")
	}
	return batch, nil
}

// MarkSynced flips rows to synced and records the 2xx receipt time. Parent
// orders and patients follow once all their results are synced.
func (s *Store) MarkSynced(ctx context.Context, resultIDs []int64, receipt time.Time) error {
	if len(resultIDs) == 0 {
		return nil
	}
	return s.updateResultStatus(ctx, resultIDs, types.SyncSynced, &receipt)
}

// MarkPoisoned excludes rows from all future batches after a permanent 4xx
func (s *Store) MarkPoisoned(ctx context.Context, resultIDs []int64) error {
	if len(resultIDs) == 0 {
		return nil
	}
	return s.updateResultStatus(ctx, resultIDs, types.SyncPoisoned, nil)
}

func (s *Store) updateResultStatus(ctx context.Context, resultIDs []int64, status types.SyncStatus, receipt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "store", "updateResultStatus", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(resultIDs)), ",")
	args := make([]any, 0, len(resultIDs)+2)
	args = append(args, string(status))
	var set string
	if receipt != nil {
		set = `sync_status = ?, synced_at = ?`
		args = append(args, receipt.UTC())
	} else {
		set = `sync_status = ?`
	}
	for _, id := range resultIDs {
		args = append(args, id)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE results SET %s WHERE id IN (%s)`, set, placeholders), args...); err != nil {
		return errors.WrapTransient(err, "store", "updateResultStatus", "update results")
	}

	// Cascade to orders and patients once no local results remain under them
	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET sync_status = ?
		WHERE id IN (SELECT DISTINCT order_id FROM results WHERE id IN (`+placeholders+`))
		  AND NOT EXISTS (SELECT 1 FROM results WHERE results.order_id = orders.id AND results.sync_status = ?)`,
		append(append([]any{string(status)}, toAny(resultIDs)...), string(types.SyncLocal))...); err != nil {
		return errors.WrapTransient(err, "store", "updateResultStatus", "update orders")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE patients SET sync_status = ?
		WHERE id IN (
			SELECT DISTINCT o.patient_id FROM orders o
			JOIN results r ON r.order_id = o.id
			WHERE r.id IN (`+placeholders+`))
		  AND NOT EXISTS (
			SELECT 1 FROM orders o2
			JOIN results r2 ON r2.order_id = o2.id
			WHERE o2.patient_id = patients.id AND r2.sync_status = ?)`,
		append(append([]any{string(status)}, toAny(resultIDs)...), string(types.SyncLocal))...); err != nil {
		return errors.WrapTransient(err, "store", "updateResultStatus", "update patients")
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "store", "updateResultStatus", "commit")
	}
	return nil
}

func toAny(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// SyncAttemptRecord is one row of the sync history log
type SyncAttemptRecord struct {
	ID            int64     `json:"id"`
	Status        string    `json:"status"`
	Message       string    `json:"message"`
	RecordsSynced int       `json:"records_synced"`
	CreatedAt     time.Time `json:"created_at"`
}

// RecordSyncAttempt appends to the sync history log
func (s *Store) RecordSyncAttempt(ctx context.Context, status, message string, recordsSynced int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_history (status, message, records_synced, created_at) VALUES (?, ?, ?, ?)`,
		status, message, recordsSynced, time.Now().UTC())
	if err != nil {
		return errors.WrapTransient(err, "store", "RecordSyncAttempt", "insert history")
	}
	return nil
}

// SyncHistory returns the most recent sync attempts, newest first
func (s *Store) SyncHistory(ctx context.Context, limit int) ([]SyncAttemptRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, message, records_synced, created_at FROM sync_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "store", "SyncHistory", "select history")
	}
	defer func() { _ = rows.Close() }()

	var out []SyncAttemptRecord
	for rows.Next() {
		var rec SyncAttemptRecord
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.Message, &rec.RecordsSynced, &rec.CreatedAt); err != nil {
			return nil, errors.WrapTransient(err, "store", "SyncHistory", "scan row")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByStatus reports result row counts per sync status
func (s *Store) CountByStatus(ctx context.Context) (map[types.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sync_status, COUNT(*) FROM results GROUP BY sync_status`)
	if err != nil {
		return nil, errors.WrapTransient(err, "store", "CountByStatus", "select counts")
	}
	defer func() { _ = rows.Close() }()

	out := make(map[types.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.WrapTransient(err, "store", "CountByStatus", "scan row")
		}
		out[types.SyncStatus(status)] = n
	}
	return out, rows.Err()
}

// ResultStatus returns the sync status and receipt timestamp of one result
func (s *Store) ResultStatus(ctx context.Context, resultID int64) (types.SyncStatus, *time.Time, error) {
	var status string
	var syncedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT sync_status, synced_at FROM results WHERE id = ?`, resultID).Scan(&status, &syncedAt)
	if err == sql.ErrNoRows {
		return "", nil, errors.Wrap(errors.ErrNotFound, "store", "ResultStatus", fmt.Sprintf("result %d", resultID))
	}
	if err != nil {
		return "", nil, errors.WrapTransient(err, "store", "ResultStatus", "select result")
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		return types.SyncStatus(status), &t, nil
	}
	return types.SyncStatus(status), nil, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}
