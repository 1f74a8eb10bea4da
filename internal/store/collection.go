package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reqdesk/reqdesk/internal/app/metrics"
	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/errors"
	"github.com/reqdesk/reqdesk/internal/logging"
	"github.com/reqdesk/reqdesk/internal/services"
)

type validator interface {
	Validate() error
}

// Collection caches the entities of one kind and applies mutations only after
// the backend has confirmed them. The cached value of an entity is always the
// last representation the backend returned for it.
//
// The lock guards the map and flags only; it is never held across a service
// call.
type Collection[T domain.Entity] struct {
	kind domain.Kind
	svc  services.Service[T]
	log  *logging.Logger
	now  func() time.Time

	mu      sync.RWMutex
	items   map[string]T
	loading bool
	err     string
	page    domain.PageInfo
	gen     uint64

	obsMu     sync.RWMutex
	observers []Observer
}

// NewCollection creates an empty collection backed by svc.
func NewCollection[T domain.Entity](kind domain.Kind, svc services.Service[T], log *logging.Logger) *Collection[T] {
	if log == nil {
		log = logging.NewNop()
	}
	return &Collection[T]{
		kind:  kind,
		svc:   svc,
		log:   log,
		now:   time.Now,
		items: make(map[string]T),
	}
}

// Kind returns the entity kind cached.
func (c *Collection[T]) Kind() domain.Kind {
	return c.kind
}

// Observe registers o for every subsequent confirmed change.
func (c *Collection[T]) Observe(o Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

// =============================================================================
// Loading
// =============================================================================

// FetchAll lists entities from the backend and caches them. A zero params
// replaces the whole collection; filtered or paged calls merge into it.
//
// FetchAll returns nil without calling the backend when a fetch is already in
// flight. On failure the error message is kept in Err until the next fetch.
func (c *Collection[T]) FetchAll(ctx context.Context, params domain.ListParams) error {
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		c.log.WithContext(ctx).WithField("kind", c.kind).Debug("Fetch already in progress")
		return nil
	}
	c.loading = true
	c.err = ""
	gen := c.gen
	c.mu.Unlock()

	start := c.now()
	resp, err := c.svc.List(ctx, params)

	c.mu.Lock()
	stale := gen != c.gen
	if !stale {
		c.loading = false
	}
	if err != nil {
		if !stale {
			c.err = errors.Message(err)
		}
		c.mu.Unlock()
		c.finish(ctx, "fetch_all", "", start, err)
		return err
	}
	if stale {
		// Reset ran while the request was in flight; its result belongs to
		// a session that no longer exists.
		c.mu.Unlock()
		return nil
	}

	var evicted []T
	if params.IsZero() {
		fresh := make(map[string]T, len(resp.Data))
		for _, e := range resp.Data {
			fresh[e.GetID()] = e
		}
		for id, old := range c.items {
			if _, ok := fresh[id]; !ok {
				evicted = append(evicted, old)
			}
		}
		c.items = fresh
	} else {
		for _, e := range resp.Data {
			c.items[e.GetID()] = e
		}
	}
	c.page = resp.Page()
	n := len(c.items)
	c.mu.Unlock()

	metrics.SetCachedEntities(string(c.kind), n)
	c.finish(ctx, "fetch_all", "", start, nil)
	for _, old := range evicted {
		c.notify(ctx, ActionEvicted, old.GetID(), old, nil)
	}
	for _, e := range resp.Data {
		c.notify(ctx, ActionSynced, e.GetID(), nil, e)
	}
	return nil
}

// Fetch loads one entity from the backend and caches it.
func (c *Collection[T]) Fetch(ctx context.Context, id string, include ...string) (T, error) {
	start := c.now()
	gen := c.generation()
	e, err := c.svc.Get(ctx, id, include...)
	if err != nil {
		c.finish(ctx, "fetch", id, start, err)
		var zero T
		return zero, err
	}
	before, cached := c.Get(id)
	if !c.store(gen, id, e) {
		return e, nil
	}
	c.finish(ctx, "fetch", id, start, nil)
	c.notify(ctx, ActionSynced, id, entityOrNil(before, cached), e)
	return e, nil
}

// Refresh re-reads one entity after an external change. An entity the
// backend no longer has is evicted.
func (c *Collection[T]) Refresh(ctx context.Context, id string) error {
	_, err := c.Fetch(ctx, id)
	if errors.IsNotFound(err) {
		c.Evict(id)
		return nil
	}
	return err
}

// =============================================================================
// Mutations
// =============================================================================

// Create validates entity locally, creates it on the backend and caches the
// server's representation.
func (c *Collection[T]) Create(ctx context.Context, entity T) (T, error) {
	var zero T
	start := c.now()
	if v, ok := any(entity).(validator); ok {
		if err := v.Validate(); err != nil {
			c.finish(ctx, "create", "", start, err)
			return zero, err
		}
	}

	gen := c.generation()
	created, err := c.svc.Create(ctx, entity)
	if err != nil {
		c.finish(ctx, "create", "", start, err)
		return zero, err
	}
	id := created.GetID()
	if !c.store(gen, id, created) {
		return created, nil
	}
	c.finish(ctx, "create", id, start, nil)
	c.notify(ctx, ActionCreated, id, nil, created)
	return created, nil
}

// ChangeStatus moves a cached entity to status. The status must belong to
// the kind's workflow; transition rules are enforced by the backend.
func (c *Collection[T]) ChangeStatus(ctx context.Context, id string, status domain.Status) (T, error) {
	return c.mutate(ctx, "change_status", ActionStatusChanged, id,
		func() error {
			if !domain.ValidStatus(c.kind, status) {
				return errors.Validationf("status %q is not part of the %s workflow", status, c.kind.Label()).
					WithDetails("allowed", domain.Statuses(c.kind))
			}
			return nil
		},
		func(ctx context.Context) (T, error) {
			return c.svc.ChangeStatus(ctx, id, status)
		})
}

// UpdatePriority sets the priority of a cached entity.
func (c *Collection[T]) UpdatePriority(ctx context.Context, id string, priority domain.Priority) (T, error) {
	return c.mutate(ctx, "update_priority", ActionPriorityChanged, id,
		func() error {
			if !priority.Valid() {
				return errors.Validationf("priority must be between 1 and 4, got %d", int(priority))
			}
			return nil
		},
		func(ctx context.Context) (T, error) {
			return c.svc.Update(ctx, id, domain.Patch{"priority": int(priority)})
		})
}

// UpdateAssignee assigns a cached entity to userID; "" unassigns.
func (c *Collection[T]) UpdateAssignee(ctx context.Context, id string, userID string) (T, error) {
	return c.mutate(ctx, "update_assignee", ActionAssigned, id, nil,
		func(ctx context.Context) (T, error) {
			return c.svc.Assign(ctx, id, strings.TrimSpace(userID))
		})
}

// Update applies patch to a cached entity.
func (c *Collection[T]) Update(ctx context.Context, id string, patch domain.Patch) (T, error) {
	return c.mutate(ctx, "update", ActionUpdated, id,
		func() error { return c.validatePatch(patch) },
		func(ctx context.Context) (T, error) {
			return c.svc.Update(ctx, id, patch)
		})
}

// Delete removes the entity on the backend and then from the cache. On
// failure the cached entity stays.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	start := c.now()
	before, cached := c.Get(id)
	gen := c.generation()

	if err := c.svc.Delete(ctx, id); err != nil {
		c.finish(ctx, "delete", id, start, err)
		return err
	}

	c.mu.Lock()
	if gen == c.gen {
		delete(c.items, id)
	}
	n := len(c.items)
	c.mu.Unlock()
	metrics.SetCachedEntities(string(c.kind), n)

	c.finish(ctx, "delete", id, start, nil)
	c.notify(ctx, ActionDeleted, id, entityOrNil(before, cached), nil)
	return nil
}

func (c *Collection[T]) mutate(
	ctx context.Context,
	op string,
	action Action,
	id string,
	check func() error,
	call func(context.Context) (T, error),
) (T, error) {
	var zero T
	start := c.now()
	gen := c.generation()

	before, ok := c.Get(id)
	if !ok {
		err := errors.NotFound(c.kind.Label(), id)
		c.finish(ctx, op, id, start, err)
		return zero, err
	}
	if check != nil {
		if err := check(); err != nil {
			c.finish(ctx, op, id, start, err)
			return zero, err
		}
	}

	after, err := call(ctx)
	if err != nil {
		c.finish(ctx, op, id, start, err)
		return zero, err
	}
	if !c.store(gen, id, after) {
		return after, nil
	}
	c.finish(ctx, op, id, start, nil)
	c.notify(ctx, action, id, before, after)
	return after, nil
}

func (c *Collection[T]) validatePatch(patch domain.Patch) error {
	if len(patch) == 0 {
		return errors.Validation("update has no fields")
	}
	for _, field := range []string{"id", "reference_id", "created_at", "updated_at"} {
		if _, ok := patch[field]; ok {
			return errors.Validationf("%s cannot be updated", field)
		}
	}
	if raw, ok := patch["status"]; ok {
		s, _ := raw.(string)
		if st, isStatus := raw.(domain.Status); isStatus {
			s = string(st)
		}
		if !domain.ValidStatus(c.kind, domain.Status(s)) {
			return errors.Validationf("status %v is not part of the %s workflow", raw, c.kind.Label())
		}
	}
	if raw, ok := patch["priority"]; ok {
		p, ok := priorityValue(raw)
		if !ok {
			return errors.Validationf("priority must be an integer, got %v", raw)
		}
		if !p.Valid() {
			return errors.Validationf("priority must be between 1 and 4, got %v", raw)
		}
	}
	return nil
}

// priorityValue converts any integer kind, an integral float or a json.Number
// to a Priority. Values outside the int range map to 0 so Valid rejects them.
func priorityValue(raw interface{}) (domain.Priority, bool) {
	if n, ok := raw.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return clampPriority(i), true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		raw = f
	}
	v := reflect.ValueOf(raw)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return clampPriority(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > math.MaxInt32 {
			return 0, true
		}
		return domain.Priority(u), true
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != math.Trunc(f) || math.IsInf(f, 0) {
			return 0, false
		}
		if f < math.MinInt32 || f > math.MaxInt32 {
			return 0, true
		}
		return domain.Priority(f), true
	}
	return 0, false
}

func clampPriority(i int64) domain.Priority {
	if i < math.MinInt32 || i > math.MaxInt32 {
		return 0
	}
	return domain.Priority(i)
}

// =============================================================================
// Reads
// =============================================================================

// Get returns the cached entity.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[id]
	return e, ok
}

// List returns the cached entities ordered by reference id.
func (c *Collection[T]) List() []T {
	return c.Filter(nil)
}

// Filter returns the cached entities matching pred ordered by reference id.
// A nil pred matches everything.
func (c *Collection[T]) Filter(pred func(T) bool) []T {
	c.mu.RLock()
	out := make([]T, 0, len(c.items))
	for _, e := range c.items {
		if pred == nil || pred(e) {
			out = append(out, e)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].GetReferenceID(), out[j].GetReferenceID()
		if ri != rj {
			return ri < rj
		}
		return out[i].GetID() < out[j].GetID()
	})
	return out
}

// ByStatus returns the cached entities with status.
func (c *Collection[T]) ByStatus(status domain.Status) []T {
	return c.Filter(func(e T) bool { return e.GetStatus() == status })
}

// FindByReference returns the cached entity with reference id ref.
func (c *Collection[T]) FindByReference(ref string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.items {
		if e.GetReferenceID() == ref {
			return e, true
		}
	}
	var zero T
	return zero, false
}

// Len returns the number of cached entities.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Loading reports whether a FetchAll is in flight.
func (c *Collection[T]) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loading
}

// Err returns the message of the last failed FetchAll, or "".
func (c *Collection[T]) Err() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Page returns the paging metadata of the last successful FetchAll.
func (c *Collection[T]) Page() domain.PageInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.page
}

// Snapshot returns the cached entities as domain.Entity values.
func (c *Collection[T]) Snapshot() []domain.Entity {
	list := c.List()
	out := make([]domain.Entity, len(list))
	for i, e := range list {
		out[i] = e
	}
	return out
}

// =============================================================================
// Lifecycle
// =============================================================================

// Reset clears entities, flags and paging. Requests in flight when Reset runs
// do not repopulate the collection.
func (c *Collection[T]) Reset() {
	c.mu.Lock()
	c.items = make(map[string]T)
	c.loading = false
	c.err = ""
	c.page = domain.PageInfo{}
	c.gen++
	c.mu.Unlock()
	metrics.SetCachedEntities(string(c.kind), 0)
}

// Evict drops id from the cache, reporting whether it was present.
func (c *Collection[T]) Evict(id string) bool {
	c.mu.Lock()
	old, ok := c.items[id]
	delete(c.items, id)
	n := len(c.items)
	c.mu.Unlock()
	if !ok {
		return false
	}
	metrics.SetCachedEntities(string(c.kind), n)
	c.notify(context.Background(), ActionEvicted, id, old, nil)
	return true
}

// Seed caches entities not already present without notifying observers. It
// is used to warm a new process from a mirror; later fetches overwrite it.
func (c *Collection[T]) Seed(entities []T) int {
	c.mu.Lock()
	added := 0
	for _, e := range entities {
		if e.GetID() == "" {
			continue
		}
		if _, ok := c.items[e.GetID()]; ok {
			continue
		}
		c.items[e.GetID()] = e
		added++
	}
	n := len(c.items)
	c.mu.Unlock()
	metrics.SetCachedEntities(string(c.kind), n)
	return added
}

// SeedJSON decodes raw entities and seeds them. Undecodable values are
// skipped and reported in the returned error.
func (c *Collection[T]) SeedJSON(raw [][]byte) (int, error) {
	entities := make([]T, 0, len(raw))
	var failed int
	for _, data := range raw {
		var e T
		if err := json.Unmarshal(data, &e); err != nil {
			failed++
			continue
		}
		entities = append(entities, e)
	}
	added := c.Seed(entities)
	if failed > 0 {
		return added, errors.Internal("seed "+c.kind.Label(), fmt.Errorf("%d entries could not be decoded", failed))
	}
	return added, nil
}

// =============================================================================
// Internal
// =============================================================================

func (c *Collection[T]) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// store caches e under id unless the collection was reset since gen.
func (c *Collection[T]) store(gen uint64, id string, e T) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.items[id] = e
	n := len(c.items)
	c.mu.Unlock()
	metrics.SetCachedEntities(string(c.kind), n)
	return true
}

func (c *Collection[T]) finish(ctx context.Context, op, id string, start time.Time, err error) {
	metrics.RecordStoreOperation(string(c.kind), op, c.now().Sub(start), err)

	entry := c.log.WithContext(ctx).WithFields(map[string]interface{}{
		"kind":      c.kind,
		"operation": op,
	})
	if id != "" {
		entry = entry.WithField("id", id)
	}
	if err != nil {
		entry.WithError(err).Warn("Store operation failed")
		return
	}
	entry.Debug("Store operation confirmed")
}

func (c *Collection[T]) notify(ctx context.Context, action Action, id string, before, after domain.Entity) {
	c.obsMu.RLock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.obsMu.RUnlock()
	if len(observers) == 0 {
		return
	}

	change := Change{
		Kind:   c.kind,
		Action: action,
		ID:     id,
		Before: before,
		After:  after,
		Actor:  logging.GetUserID(ctx),
		At:     c.now().UTC(),
	}
	switch {
	case after != nil:
		change.ReferenceID = after.GetReferenceID()
	case before != nil:
		change.ReferenceID = before.GetReferenceID()
	}
	for _, o := range observers {
		o.OnChange(ctx, change)
	}
}

func entityOrNil[T domain.Entity](e T, ok bool) domain.Entity {
	if !ok {
		return nil
	}
	return e
}
