// Package store implements the entity cache: one collection per entity kind,
// holding the last representation the backend confirmed for each entity.
//
// Callers read from the cache and mutate through it. A mutation is sent to
// the domain service first; only the entity the service returns is written
// back, so the cache never holds a value the backend did not produce. Failed
// mutations leave the cache untouched and return the error.
package store

import (
	"context"

	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/errors"
	"github.com/reqdesk/reqdesk/internal/logging"
	"github.com/reqdesk/reqdesk/internal/services"
)

// Syncer is the kind-independent view of a collection used by background
// components (realtime invalidation, scheduled refresh, mirror warm-up).
type Syncer interface {
	Kind() domain.Kind
	FetchAll(ctx context.Context, params domain.ListParams) error
	Refresh(ctx context.Context, id string) error
	Evict(id string) bool
	Reset()
	Len() int
	Loading() bool
	Err() string
	Snapshot() []domain.Entity
	SeedJSON(raw [][]byte) (int, error)
	Observe(o Observer)
}

// Loader returns previously mirrored entities of a kind as raw JSON.
type Loader interface {
	Load(ctx context.Context, kind domain.Kind) ([][]byte, error)
}

// Store holds one collection per entity kind. It is created explicitly and
// owned by the application; there is no package-level instance.
type Store struct {
	Epics              *Collection[domain.Epic]
	UserStories        *Collection[domain.UserStory]
	Requirements       *Collection[domain.Requirement]
	AcceptanceCriteria *Collection[domain.AcceptanceCriteria]
	SteeringDocuments  *Collection[domain.SteeringDocument]

	log *logging.Logger
}

// New creates a store over the services in reg.
func New(reg *services.Registry, log *logging.Logger) *Store {
	if log == nil {
		log = logging.NewNop()
	}
	log = log.Named("store")
	return &Store{
		Epics:              NewCollection(domain.KindEpic, reg.Epics, log),
		UserStories:        NewCollection(domain.KindUserStory, reg.UserStories, log),
		Requirements:       NewCollection(domain.KindRequirement, reg.Requirements, log),
		AcceptanceCriteria: NewCollection(domain.KindAcceptanceCriteria, reg.AcceptanceCriteria, log),
		SteeringDocuments:  NewCollection(domain.KindSteeringDocument, reg.SteeringDocuments, log),
		log:                log,
	}
}

// Collection returns the collection for kind.
func (s *Store) Collection(kind domain.Kind) (Syncer, bool) {
	switch kind {
	case domain.KindEpic:
		return s.Epics, true
	case domain.KindUserStory:
		return s.UserStories, true
	case domain.KindRequirement:
		return s.Requirements, true
	case domain.KindAcceptanceCriteria:
		return s.AcceptanceCriteria, true
	case domain.KindSteeringDocument:
		return s.SteeringDocuments, true
	}
	return nil, false
}

// Collections returns every collection in domain.Kinds order.
func (s *Store) Collections() []Syncer {
	out := make([]Syncer, 0, len(domain.Kinds()))
	for _, k := range domain.Kinds() {
		c, _ := s.Collection(k)
		out = append(out, c)
	}
	return out
}

// Observe registers o on every collection.
func (s *Store) Observe(o Observer) {
	for _, c := range s.Collections() {
		c.Observe(o)
	}
}

// FetchAll loads every collection, returning the first error. Every
// collection is attempted.
func (s *Store) FetchAll(ctx context.Context) error {
	var first error
	for _, c := range s.Collections() {
		if err := c.FetchAll(ctx, domain.ListParams{}); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Reset clears every collection.
func (s *Store) Reset() {
	for _, c := range s.Collections() {
		c.Reset()
	}
}

// Warm seeds every collection from loader. Kinds that fail to load are
// logged and skipped.
func (s *Store) Warm(ctx context.Context, loader Loader) int {
	total := 0
	for _, c := range s.Collections() {
		raw, err := loader.Load(ctx, c.Kind())
		if err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("kind", c.Kind()).Warn("Failed to load mirrored entities")
			continue
		}
		n, err := c.SeedJSON(raw)
		if err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("kind", c.Kind()).Warn("Skipped undecodable mirrored entities")
		}
		total += n
	}
	s.log.WithContext(ctx).WithField("entities", total).Info("Store warmed from mirror")
	return total
}

// Lookup returns the cached entity of kind with id.
func (s *Store) Lookup(kind domain.Kind, id string) (domain.Entity, error) {
	c, ok := s.Collection(kind)
	if !ok {
		return nil, errors.Validationf("unknown entity kind %q", kind)
	}
	for _, e := range c.Snapshot() {
		if e.GetID() == id {
			return e, nil
		}
	}
	return nil, errors.NotFound(kind.Label(), id)
}
