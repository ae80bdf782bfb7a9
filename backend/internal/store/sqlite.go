package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"act-placemat/backend/internal/identity"
	apperrors "act-placemat/backend/pkg/errors"
	"act-placemat/backend/pkg/logger"
)

// SQLiteStore keeps a local snapshot of the canonical identity graph, a
// local relation-field store usable as a system of record, and the history
// of pipeline runs.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// RunRecord is one stored pipeline run
type RunRecord struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Summary    json.RawMessage `json:"summary"`
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writes are serialized by SQLite anyway
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger.Named("sqlite")}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS identities (
		canonical_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		display_name TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_identities_kind ON identities(kind);

	CREATE TABLE IF NOT EXISTS source_claims (
		source_kind TEXT NOT NULL,
		source_id TEXT NOT NULL,
		canonical_id TEXT NOT NULL,
		linked_at DATETIME NOT NULL,
		PRIMARY KEY (source_kind, source_id),
		FOREIGN KEY (canonical_id) REFERENCES identities(canonical_id)
	);

	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS relations (
		entity_id TEXT NOT NULL,
		field TEXT NOT NULL,
		target_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (entity_id, field, target_id),
		FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		summary TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// retryOnBusy retries op while SQLite reports the database as locked, on
// top of the busy_timeout pragma.
func (s *SQLiteStore) retryOnBusy(ctx context.Context, op func() error) error {
	const maxRetries = 5
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = op(); err == nil || !isBusy(err) {
			return err
		}
		backoff := time.Duration(10*(1<<uint(i))) * time.Millisecond
		select {
		case <-ctx.Done():
			return apperrors.NewContextCancelled("sqlite write", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}

func isBusy(err error) bool {
	return strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked")
}

// ============================================================================
// Identity snapshot
// ============================================================================

// SaveIdentity writes ident and claims its source records. A source record
// already claimed by another identity fails the whole write.
func (s *SQLiteStore) SaveIdentity(ctx context.Context, ident identity.CanonicalIdentity) error {
	data, err := json.Marshal(ident)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	return s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO identities (canonical_id, kind, display_name, created_at, updated_at, data)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(canonical_id) DO UPDATE SET
				display_name = excluded.display_name,
				updated_at = excluded.updated_at,
				data = excluded.data
		`, ident.CanonicalID, string(ident.Kind), ident.PrimaryDisplayName,
			ident.CreatedAt.UTC(), ident.UpdatedAt.UTC(), string(data))
		if err != nil {
			return fmt.Errorf("failed to save identity: %w", err)
		}

		for _, link := range ident.SourceLinks {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO source_claims (source_kind, source_id, canonical_id, linked_at)
				VALUES (?, ?, ?, ?)
			`, string(link.SourceKind), link.SourceID, ident.CanonicalID, link.LinkedAt.UTC()); err != nil {
				return fmt.Errorf("failed to claim source %s:%s: %w", link.SourceKind, link.SourceID, err)
			}

			var owner string
			if err := tx.QueryRowContext(ctx,
				`SELECT canonical_id FROM source_claims WHERE source_kind = ? AND source_id = ?`,
				string(link.SourceKind), link.SourceID,
			).Scan(&owner); err != nil {
				return fmt.Errorf("failed to read claim %s:%s: %w", link.SourceKind, link.SourceID, err)
			}
			if owner != ident.CanonicalID {
				return fmt.Errorf("source %s:%s already claimed by %s", link.SourceKind, link.SourceID, owner)
			}
		}

		return tx.Commit()
	})
}

// LoadIdentities returns every stored identity ordered by canonical id
func (s *SQLiteStore) LoadIdentities(ctx context.Context) ([]identity.CanonicalIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM identities ORDER BY canonical_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	identities := make([]identity.CanonicalIdentity, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		var ident identity.CanonicalIdentity
		if err := json.Unmarshal([]byte(data), &ident); err != nil {
			return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
		}
		identities = append(identities, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}

	s.logger.Debug("Loaded identity snapshot", zap.Int("count", len(identities)))
	return identities, nil
}

// ============================================================================
// Local relation fields
// ============================================================================

// EnsureEntity registers an entity so its relation fields can be written
func (s *SQLiteStore) EnsureEntity(ctx context.Context, id string) error {
	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO entities (id, created_at) VALUES (?, ?)`, id, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to register entity: %w", err)
		}
		return nil
	})
}

// GetRelationships returns the ids in an entity's relation field in write order
func (s *SQLiteStore) GetRelationships(ctx context.Context, entityID, field string) ([]string, error) {
	if err := s.requireEntity(ctx, entityID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT target_id FROM relations
		WHERE entity_id = ? AND field = ?
		ORDER BY position
	`, entityID, field)
	if err != nil {
		return nil, apperrors.NewSourceUnavailable("sqlite", "get relationships", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewSourceUnavailable("sqlite", "get relationships", err)
	}
	return ids, nil
}

// SetRelationships replaces an entity's relation field with ids
func (s *SQLiteStore) SetRelationships(ctx context.Context, entityID, field string, ids []string) error {
	if err := s.requireEntity(ctx, entityID); err != nil {
		return err
	}

	return s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM relations WHERE entity_id = ? AND field = ?`, entityID, field); err != nil {
			return apperrors.NewSourceUnavailable("sqlite", "set relationships", err)
		}
		seen := make(map[string]bool, len(ids))
		for i, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO relations (entity_id, field, target_id, position) VALUES (?, ?, ?, ?)
			`, entityID, field, id, i); err != nil {
				return apperrors.NewSourceUnavailable("sqlite", "set relationships", err)
			}
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) requireEntity(ctx context.Context, id string) error {
	var found string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM entities WHERE id = ?`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewEntityNotFound(id)
	}
	if err != nil {
		return apperrors.NewSourceUnavailable("sqlite", "lookup entity", err)
	}
	return nil
}

// ============================================================================
// Run history
// ============================================================================

// SaveRun stores the summary of a pipeline run
func (s *SQLiteStore) SaveRun(ctx context.Context, id string, startedAt, finishedAt time.Time, summary any) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO runs (id, started_at, finished_at, summary) VALUES (?, ?, ?, ?)
		`, id, startedAt.UTC(), finishedAt.UTC(), string(data))
		if err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}
		return nil
	})
}

// ListRuns returns the most recent runs first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, summary FROM runs
		ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0)
	for rows.Next() {
		var r RunRecord
		var summary string
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &summary); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Summary = json.RawMessage(summary)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastRunStart returns the start time of the most recent stored run, or nil
// when no run has been stored
func (s *SQLiteStore) LastRunStart(ctx context.Context) (*time.Time, error) {
	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	started := runs[0].StartedAt
	return &started, nil
}
