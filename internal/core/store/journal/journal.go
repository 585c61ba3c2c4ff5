// Package journal persists the confirmed state of the world in SQLite so a
// restarted server can restore entities under their original ids.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zeusync/worldcore/internal/core/models"
)

//go:embed schema.sql
var schemaSQL string

// Entry is one restored entity.
type Entry struct {
	ID         models.EntityID
	Key        string
	Owner      models.SourceID
	Version    models.Version
	Components []models.Component
}

type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

const lastIDKey = "last_id"

// Append records a committed delta. Every delta advances the highest issued
// entity id; only confirmed state and removals are stored.
func (j *Journal) Append(ctx context.Context, d models.SyncDelta) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO meta (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = MAX(meta.value, excluded.value)`,
		lastIDKey, uint64(d.Entity))
	if err != nil {
		return fmt.Errorf("journal last id %d: %w", d.Entity, err)
	}

	if d.Confidence != models.Confirmed && d.Kind != models.DeltaRemove {
		return tx.Commit()
	}

	if d.Kind == models.DeltaRemove {
		for _, q := range []string{`DELETE FROM components WHERE entity_id = ?`, `DELETE FROM entities WHERE id = ?`} {
			if _, err := tx.ExecContext(ctx, q, uint64(d.Entity)); err != nil {
				return fmt.Errorf("journal remove %d: %w", d.Entity, err)
			}
		}
		return tx.Commit()
	}

	owner := ""
	if d.Kind == models.DeltaSpawn {
		owner = string(d.Source)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (id, key, owner, version) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = MAX(entities.version, excluded.version),
			key     = CASE WHEN excluded.key   != '' THEN excluded.key   ELSE entities.key   END,
			owner   = CASE WHEN excluded.owner != '' THEN excluded.owner ELSE entities.owner END`,
		uint64(d.Entity), d.Key, owner, uint64(d.Version))
	if err != nil {
		return fmt.Errorf("journal entity %d: %w", d.Entity, err)
	}

	for _, diff := range d.Diffs {
		if diff.Removed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM components WHERE entity_id = ? AND type = ?`,
				uint64(d.Entity), string(diff.Type)); err != nil {
				return fmt.Errorf("journal detach %d/%s: %w", d.Entity, diff.Type, err)
			}
			continue
		}
		payload, err := json.Marshal(diff.Payload)
		if err != nil {
			return fmt.Errorf("encode %d/%s: %w", d.Entity, diff.Type, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO components (entity_id, type, version, payload) VALUES (?, ?, ?, ?)
			ON CONFLICT(entity_id, type) DO UPDATE SET version = excluded.version, payload = excluded.payload
			WHERE excluded.version >= components.version`,
			uint64(d.Entity), string(diff.Type), uint64(diff.Version), payload)
		if err != nil {
			return fmt.Errorf("journal component %d/%s: %w", d.Entity, diff.Type, err)
		}
	}

	return tx.Commit()
}

// LastID returns the highest entity id the journal has seen, including ids
// of entities removed since.
func (j *Journal) LastID(ctx context.Context) (models.EntityID, error) {
	var id uint64
	err := j.db.QueryRowContext(ctx, `
		SELECT MAX(COALESCE((SELECT value FROM meta WHERE name = ?), 0), COALESCE((SELECT MAX(id) FROM entities), 0))`,
		lastIDKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("query last id: %w", err)
	}
	return models.EntityID(id), nil
}

// SetOwner records an ownership handoff.
func (j *Journal) SetOwner(ctx context.Context, id models.EntityID, owner models.SourceID) error {
	_, err := j.db.ExecContext(ctx, `UPDATE entities SET owner = ? WHERE id = ?`, string(owner), uint64(id))
	return err
}

// Load streams every journaled entity in id order.
func (j *Journal) Load(ctx context.Context, fn func(Entry) error) error {
	rows, err := j.db.QueryContext(ctx, `
		SELECT e.id, e.key, e.owner, e.version, c.type, c.version, c.payload
		FROM entities e LEFT JOIN components c ON c.entity_id = e.id
		ORDER BY e.id, c.type`)
	if err != nil {
		return fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var cur *Entry
	for rows.Next() {
		var (
			id, version uint64
			key, owner  string
			ctype       sql.NullString
			cversion    sql.NullInt64
			payload     []byte
		)
		if err := rows.Scan(&id, &key, &owner, &version, &ctype, &cversion, &payload); err != nil {
			return fmt.Errorf("scan journal: %w", err)
		}
		if cur == nil || uint64(cur.ID) != id {
			if cur != nil {
				if err := fn(*cur); err != nil {
					return err
				}
			}
			cur = &Entry{ID: models.EntityID(id), Key: key, Owner: models.SourceID(owner), Version: models.Version(version)}
		}
		if !ctype.Valid {
			continue
		}
		var p models.Payload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %d/%s: %w", id, ctype.String, err)
		}
		cur.Components = append(cur.Components, models.Component{
			Type:    models.ComponentType(ctype.String),
			Payload: p,
			Version: models.Version(cversion.Int64),
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if cur != nil {
		return fn(*cur)
	}
	return nil
}
