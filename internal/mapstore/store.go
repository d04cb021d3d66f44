// Package mapstore is the durable memory of the sync engine: the identity
// map between external identifiers and internal identities, the last-known
// agreed snapshot per identity, and the remembered source-to-destination
// routes.
package mapstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/tasksync/internal/cir"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "ts-v1-2026-08-identity-map"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Liveness of one external mapping. Tombstoning flips this flag; rows are
// never purged so the identity history stays auditable.
type Liveness string

const (
	LivenessActive    Liveness = "active"
	LivenessCompleted Liveness = "completed"
)

// Snapshot is the last state both systems were believed to agree on: the
// merge base and the change-detection baseline.
type Snapshot struct {
	InternalUUID string
	Fingerprint  string
	Task         *cir.Task
	UpdatedAt    time.Time
}

type Store struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.tasksync/tasksync.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tasksync", "tasksync.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// One connection: every store write is a single-row upsert and must be
	// serialized even if callers ever become concurrent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		// One external identifier maps to at most one internal identity per
		// system; the primary key enforces it.
		`CREATE TABLE IF NOT EXISTS id_map (
			system        TEXT NOT NULL,
			external_id   TEXT NOT NULL,
			internal_uuid TEXT NOT NULL,
			liveness      TEXT NOT NULL DEFAULT 'active' CHECK(liveness IN ('active', 'completed')),
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (system, external_id)
		);`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			internal_uuid TEXT PRIMARY KEY,
			fingerprint   TEXT NOT NULL,
			snapshot_json TEXT NOT NULL,
			updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS route_map (
			src_system TEXT NOT NULL,
			src_filter TEXT NOT NULL,
			dst_system TEXT NOT NULL,
			dst_target TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (src_system, src_filter, dst_system)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_id_map_uuid ON id_map(internal_uuid);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// Resolve looks up the internal identity for (system, externalID).
func (s *Store) Resolve(ctx context.Context, system, externalID string) (string, bool, error) {
	var internalUUID string
	err := s.db.QueryRowContext(ctx, `
		SELECT internal_uuid FROM id_map WHERE system = ? AND external_id = ?;
	`, system, externalID).Scan(&internalUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve %s/%s: %w", system, externalID, err)
	}
	return internalUUID, true, nil
}

// Ensure returns the internal identity for (system, externalID), minting a
// fresh one if the mapping does not exist. An existing tombstoned mapping is
// reactivated. Calling Ensure twice with the same pair returns the same
// identity.
func (s *Store) Ensure(ctx context.Context, system, externalID string) (string, error) {
	var internalUUID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin ensure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `
			SELECT internal_uuid FROM id_map WHERE system = ? AND external_id = ?;
		`, system, externalID).Scan(&internalUUID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			internalUUID = uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO id_map (system, external_id, internal_uuid, liveness)
				VALUES (?, ?, ?, 'active');
			`, system, externalID, internalUUID); err != nil {
				return fmt.Errorf("insert mapping: %w", err)
			}
		case err != nil:
			return fmt.Errorf("select mapping: %w", err)
		default:
			if _, err := tx.ExecContext(ctx, `
				UPDATE id_map SET liveness = 'active', updated_at = CURRENT_TIMESTAMP
				WHERE system = ? AND external_id = ? AND liveness != 'active';
			`, system, externalID); err != nil {
				return fmt.Errorf("reactivate mapping: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return internalUUID, nil
}

// Bind records (system, externalID) -> internalUUID, rebinding the row if it
// already pointed elsewhere. Used when the engine creates a task on the
// destination and must attach the new external identifier to an identity it
// already knows.
func (s *Store) Bind(ctx context.Context, system, externalID, internalUUID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin bind tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// An identity carries at most one external id per system. Rebinding
		// to a new id must drop the row the identity pointed at before, or
		// ExternalID would pick between two live rows at random.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM id_map
			WHERE system = ? AND internal_uuid = ? AND external_id != ?;
		`, system, internalUUID, externalID); err != nil {
			return fmt.Errorf("drop stale mapping: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO id_map (system, external_id, internal_uuid, liveness)
			VALUES (?, ?, ?, 'active')
			ON CONFLICT(system, external_id) DO UPDATE SET
				internal_uuid = excluded.internal_uuid,
				liveness = 'active',
				updated_at = CURRENT_TIMESTAMP;
		`, system, externalID, internalUUID); err != nil {
			return fmt.Errorf("upsert mapping: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("bind %s/%s: %w", system, externalID, err)
	}
	return nil
}

// Link bridges two external identifiers to one shared internal identity.
// Idempotent: re-linking the same pair is a no-op; linking one side that
// already maps elsewhere rebinds it to the shared identity.
func (s *Store) Link(ctx context.Context, systemA, idA, systemB, idB string) (string, error) {
	internalUUID, err := s.Ensure(ctx, systemA, idA)
	if err != nil {
		return "", err
	}
	if err := s.Bind(ctx, systemB, idB, internalUUID); err != nil {
		return "", err
	}
	return internalUUID, nil
}

// ExternalID returns the external identifier for internalUUID on system.
func (s *Store) ExternalID(ctx context.Context, system, internalUUID string) (string, bool, error) {
	var externalID string
	err := s.db.QueryRowContext(ctx, `
		SELECT external_id FROM id_map WHERE system = ? AND internal_uuid = ?;
	`, system, internalUUID).Scan(&externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("external id for %s on %s: %w", internalUUID, system, err)
	}
	return externalID, true, nil
}

// MarkTerminal tombstones every mapping of internalUUID. The rows stay in
// place with liveness=completed.
func (s *Store) MarkTerminal(ctx context.Context, internalUUID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE id_map SET liveness = 'completed', updated_at = CURRENT_TIMESTAMP
			WHERE internal_uuid = ?;
		`, internalUUID)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark terminal %s: %w", internalUUID, err)
	}
	return nil
}

// Liveness returns the liveness flag for a mapping.
func (s *Store) Liveness(ctx context.Context, system, externalID string) (Liveness, bool, error) {
	var liveness string
	err := s.db.QueryRowContext(ctx, `
		SELECT liveness FROM id_map WHERE system = ? AND external_id = ?;
	`, system, externalID).Scan(&liveness)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("liveness %s/%s: %w", system, externalID, err)
	}
	return Liveness(liveness), true, nil
}

// Snapshot returns the last-known agreed state for internalUUID, or ok=false
// if no reconciliation has completed for it yet.
func (s *Store) Snapshot(ctx context.Context, internalUUID string) (*Snapshot, bool, error) {
	var (
		fingerprint  string
		snapshotJSON string
		updatedAt    time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, snapshot_json, updated_at FROM sync_state WHERE internal_uuid = ?;
	`, internalUUID).Scan(&fingerprint, &snapshotJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot %s: %w", internalUUID, err)
	}
	task, err := cir.FromJSON([]byte(snapshotJSON))
	if err != nil {
		return nil, false, fmt.Errorf("decode snapshot %s: %w", internalUUID, err)
	}
	return &Snapshot{
		InternalUUID: internalUUID,
		Fingerprint:  fingerprint,
		Task:         task,
		UpdatedAt:    updatedAt,
	}, true, nil
}

// CommitSnapshot overwrites the stored baseline for the task's identity with
// its current fingerprint and full serialized state. This is the sole write
// path establishing "believed agreed"; callers invoke it only after both
// sides have been made to match the value.
func (s *Store) CommitSnapshot(ctx context.Context, task *cir.Task) error {
	if task.UUID == "" {
		return fmt.Errorf("commit snapshot: task has no internal identity")
	}
	data, err := task.ToJSON()
	if err != nil {
		return fmt.Errorf("commit snapshot %s: %w", task.UUID, err)
	}
	fingerprint := task.Fingerprint()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sync_state (internal_uuid, fingerprint, snapshot_json, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(internal_uuid) DO UPDATE SET
				fingerprint = excluded.fingerprint,
				snapshot_json = excluded.snapshot_json,
				updated_at = CURRENT_TIMESTAMP;
		`, task.UUID, fingerprint, string(data))
		return err
	})
	if err != nil {
		return fmt.Errorf("commit snapshot %s: %w", task.UUID, err)
	}
	return nil
}

// AllKnownIdentities returns the identities with at least one mapping on
// either system: the iteration domain for a reconciliation pass. Sorted for
// deterministic pass order.
func (s *Store) AllKnownIdentities(ctx context.Context, systemA, systemB string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT internal_uuid FROM id_map
		WHERE system IN (?, ?)
		ORDER BY internal_uuid;
	`, systemA, systemB)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity rows: %w", err)
	}
	return out, nil
}

// ActiveMappingCount counts live mappings on one system. The driver's
// zero-result guard compares this against an empty fetch.
func (s *Store) ActiveMappingCount(ctx context.Context, system string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM id_map WHERE system = ? AND liveness = 'active';
	`, system).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active mappings for %s: %w", system, err)
	}
	return count, nil
}

// RememberRoute stores (srcSystem, srcFilter) -> (dstSystem, dstTarget) so
// future invocations need not re-specify the destination.
func (s *Store) RememberRoute(ctx context.Context, srcSystem, srcFilter, dstSystem, dstTarget string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO route_map (src_system, src_filter, dst_system, dst_target)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(src_system, src_filter, dst_system) DO UPDATE SET
				dst_target = excluded.dst_target,
				updated_at = CURRENT_TIMESTAMP;
		`, srcSystem, srcFilter, dstSystem, dstTarget)
		return err
	})
	if err != nil {
		return fmt.Errorf("remember route %s:%s -> %s: %w", srcSystem, srcFilter, dstSystem, err)
	}
	return nil
}

// RecallRoute returns the remembered destination target, if any.
func (s *Store) RecallRoute(ctx context.Context, srcSystem, srcFilter, dstSystem string) (string, bool, error) {
	var target string
	err := s.db.QueryRowContext(ctx, `
		SELECT dst_target FROM route_map
		WHERE src_system = ? AND src_filter = ? AND dst_system = ?;
	`, srcSystem, srcFilter, dstSystem).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("recall route %s:%s -> %s: %w", srcSystem, srcFilter, dstSystem, err)
	}
	return target, true, nil
}
