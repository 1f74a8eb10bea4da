// Package journal records every change confirmed through the entity store
// in Postgres, giving an audit trail of who moved what and when.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	_ "github.com/lib/pq" // postgres driver

	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/logging"
	"github.com/reqdesk/reqdesk/internal/platform/migrations"
	"github.com/reqdesk/reqdesk/internal/store"
)

// Entry is one journal row.
type Entry struct {
	ID          int64          `db:"id" json:"id"`
	Kind        string         `db:"kind" json:"kind"`
	EntityID    string         `db:"entity_id" json:"entity_id"`
	ReferenceID string         `db:"reference_id" json:"reference_id"`
	Action      string         `db:"action" json:"action"`
	FromStatus  string         `db:"from_status" json:"from_status,omitempty"`
	ToStatus    string         `db:"to_status" json:"to_status,omitempty"`
	Actor       string         `db:"actor" json:"actor,omitempty"`
	Payload     types.JSONText `db:"payload" json:"payload,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// Journal writes and reads journal entries.
type Journal struct {
	db  *sqlx.DB
	log *logging.Logger
}

// Open connects to Postgres.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect journal: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// New creates a journal on db.
func New(db *sqlx.DB, log *logging.Logger) *Journal {
	if log == nil {
		log = logging.NewNop()
	}
	return &Journal{db: db, log: log.Named("journal")}
}

// Migrate brings the journal schema up to date.
func (j *Journal) Migrate() error {
	return migrations.Migrate(j.db.DB)
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// OnChange implements store.Observer. Only mutations issued by this client
// are recorded; fetched state is not.
func (j *Journal) OnChange(ctx context.Context, change store.Change) {
	if !change.Mutation() {
		return
	}
	if err := j.Record(ctx, FromChange(change)); err != nil {
		j.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"kind":   change.Kind,
			"id":     change.ID,
			"action": change.Action,
		}).Warn("Failed to journal change")
	}
}

// FromChange converts a store change into an entry.
func FromChange(change store.Change) Entry {
	e := Entry{
		Kind:        string(change.Kind),
		EntityID:    change.ID,
		ReferenceID: change.ReferenceID,
		Action:      string(change.Action),
		FromStatus:  string(change.FromStatus()),
		ToStatus:    string(change.ToStatus()),
		Actor:       change.Actor,
		CreatedAt:   change.At,
	}
	if change.After != nil {
		if data, err := json.Marshal(change.After); err == nil {
			e.Payload = data
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}

// Record inserts e.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.Payload == nil {
		e.Payload = types.JSONText("null")
	}
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO reqdesk_changes
			(kind, entity_id, reference_id, action, from_status, to_status, actor, payload, created_at)
		VALUES
			(:kind, :entity_id, :reference_id, :action, :from_status, :to_status, :actor, :payload, :created_at)
	`, e)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// History returns the entries of one entity, newest first.
func (j *Journal) History(ctx context.Context, kind domain.Kind, id string) ([]Entry, error) {
	var out []Entry
	err := j.db.SelectContext(ctx, &out, `
		SELECT id, kind, entity_id, reference_id, action, from_status, to_status, actor, payload, created_at
		FROM reqdesk_changes
		WHERE kind = $1 AND entity_id = $2
		ORDER BY created_at DESC, id DESC
	`, string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	return out, nil
}

// Recent returns the latest limit entries across all entities.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Entry
	err := j.db.SelectContext(ctx, &out, `
		SELECT id, kind, entity_id, reference_id, action, from_status, to_status, actor, payload, created_at
		FROM reqdesk_changes
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent: %w", err)
	}
	return out, nil
}
