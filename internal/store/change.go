package store

import (
	"context"
	"time"

	"github.com/reqdesk/reqdesk/internal/domain"
)

// Action names what happened to a cached entity.
type Action string

const (
	ActionCreated         Action = "created"
	ActionUpdated         Action = "updated"
	ActionStatusChanged   Action = "status_changed"
	ActionPriorityChanged Action = "priority_changed"
	ActionAssigned        Action = "assigned"
	ActionDeleted         Action = "deleted"
	// ActionSynced marks an entity (re)loaded from the backend by a fetch or
	// a refresh rather than changed by this client.
	ActionSynced Action = "synced"
	// ActionEvicted marks an entity dropped because the backend no longer has it.
	ActionEvicted Action = "evicted"
)

// Change describes one confirmed cache mutation. Before is nil when the
// entity was not cached; After is nil for deletions and evictions.
type Change struct {
	Kind        domain.Kind
	Action      Action
	ID          string
	ReferenceID string
	Before      domain.Entity
	After       domain.Entity
	Actor       string
	At          time.Time
}

// Mutation reports whether the change was issued by this client, as opposed
// to state pulled from the backend.
func (c Change) Mutation() bool {
	return c.Action != ActionSynced && c.Action != ActionEvicted
}

// FromStatus returns the status before the change, or "".
func (c Change) FromStatus() domain.Status {
	if c.Before == nil {
		return ""
	}
	return c.Before.GetStatus()
}

// ToStatus returns the status after the change, or "".
func (c Change) ToStatus() domain.Status {
	if c.After == nil {
		return ""
	}
	return c.After.GetStatus()
}

// Observer is notified after every confirmed change, outside of any store
// lock. Observers must not block for long; they run on the caller's goroutine.
type Observer interface {
	OnChange(ctx context.Context, change Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, change Change)

// OnChange implements Observer.
func (f ObserverFunc) OnChange(ctx context.Context, change Change) { f(ctx, change) }
