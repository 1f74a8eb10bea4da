package store

import (
	"context"
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/errors"
	"github.com/reqdesk/reqdesk/internal/services"
	"github.com/reqdesk/reqdesk/pkg/testutil"
)

type mapLoader map[domain.Kind][][]byte

func (m mapLoader) Load(_ context.Context, kind domain.Kind) ([][]byte, error) {
	if kind == domain.KindSteeringDocument {
		return nil, stderrors.New("redis: connection refused")
	}
	return m[kind], nil
}

func newBackendStore(t *testing.T) (*Store, *testutil.Backend) {
	t.Helper()
	backend := testutil.NewBackend(t)
	reg := services.NewRegistry(backend.NewClient(t, domain.RoleAdministrator))
	return New(reg, nil), backend
}

func TestStore_CollectionDispatch(t *testing.T) {
	s, _ := newBackendStore(t)

	for _, k := range domain.Kinds() {
		c, ok := s.Collection(k)
		require.True(t, ok, k)
		assert.Equal(t, k, c.Kind())
	}
	_, ok := s.Collection(domain.Kind("widget"))
	assert.False(t, ok)
	assert.Len(t, s.Collections(), len(domain.Kinds()))
}

func TestStore_AgainstBackend(t *testing.T) {
	s, backend := newBackendStore(t)
	ctx := context.Background()

	backend.Put(domain.KindEpic, domain.Epic{
		BaseEntity: domain.BaseEntity{ID: "e-1", ReferenceID: "EP-001", Priority: domain.PriorityCritical},
		Title:      "Checkout", Status: domain.StatusInProgress,
	})
	backend.Put(domain.KindEpic, domain.Epic{
		BaseEntity: domain.BaseEntity{ID: "e-2", ReferenceID: "EP-002", Priority: domain.PriorityHigh},
		Title:      "Search", Status: domain.StatusDraft,
	})
	backend.Put(domain.KindUserStory, domain.UserStory{
		BaseEntity: domain.BaseEntity{ID: "s-1", ReferenceID: "US-001"},
		EpicID:     "e-1", Title: "Pay by card", Status: domain.StatusBacklog,
	})

	require.NoError(t, s.FetchAll(ctx))
	assert.Equal(t, 2, s.Epics.Len())
	assert.Equal(t, 1, s.UserStories.Len())

	inProgress := s.Epics.ByStatus(domain.StatusInProgress)
	require.Len(t, inProgress, 1)
	assert.Equal(t, "EP-001", inProgress[0].ReferenceID)

	// A rejected status change leaves the cache alone.
	backend.FailNext(http.MethodPatch, "/api/v1/epics/e-1/status", http.StatusInternalServerError, "API Error")
	_, err := s.Epics.ChangeStatus(ctx, "e-1", domain.StatusDone)
	require.Error(t, err)
	assert.Equal(t, "API Error", errors.Message(err))
	cached, _ := s.Epics.Get("e-1")
	assert.Equal(t, domain.StatusInProgress, cached.Status)

	// A confirmed change stores exactly what the backend returned.
	updated, err := s.Epics.ChangeStatus(ctx, "e-1", domain.StatusDone)
	require.NoError(t, err)
	cached, _ = s.Epics.Get("e-1")
	assert.Equal(t, updated, cached)
	assert.Equal(t, domain.StatusDone, cached.Status)
	assert.False(t, cached.UpdatedAt.IsZero())

	story, err := s.UserStories.UpdateAssignee(ctx, "s-1", "u-42")
	require.NoError(t, err)
	assert.Equal(t, "u-42", story.Assignee())

	require.NoError(t, s.Epics.Delete(ctx, "e-2"))
	_, ok := s.Epics.Get("e-2")
	assert.False(t, ok)

	e, err := s.Lookup(domain.KindUserStory, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "US-001", e.GetReferenceID())
	_, err = s.Lookup(domain.KindEpic, "e-2")
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_CreateUserStoryChecksTemplate(t *testing.T) {
	s, backend := newBackendStore(t)

	_, err := s.UserStories.Create(context.Background(), domain.UserStory{Title: "Login", Description: "login page"})
	require.True(t, errors.IsValidation(err))
	assert.Equal(t, 0, backend.CountRequests(http.MethodPost, "/api/v1/user-stories"))

	created, err := s.UserStories.Create(context.Background(), domain.UserStory{
		Title:       "Login",
		Description: "As a user, I want to log in, so that I see my work",
		EpicID:      "e-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "US-001", created.ReferenceID)
	assert.Equal(t, domain.StatusDraft, created.Status)
	assert.Equal(t, 1, s.UserStories.Len())
}

func TestStore_FetchAllReportsFirstErrorButLoadsTheRest(t *testing.T) {
	s, backend := newBackendStore(t)
	backend.Put(domain.KindRequirement, domain.Requirement{Title: "Encrypt at rest"})
	backend.FailNext(http.MethodGet, "/api/v1/epics", http.StatusBadGateway, "upstream unavailable")

	err := s.FetchAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, "upstream unavailable", s.Epics.Err())
	assert.Equal(t, 1, s.Requirements.Len())
}

func TestStore_ResetAndObserve(t *testing.T) {
	s, backend := newBackendStore(t)
	backend.Put(domain.KindEpic, domain.Epic{Title: "Checkout"})
	backend.Put(domain.KindSteeringDocument, domain.SteeringDocument{Title: "Tech stack"})

	var synced int
	s.Observe(ObserverFunc(func(_ context.Context, ch Change) {
		if ch.Action == ActionSynced {
			synced++
		}
	}))

	require.NoError(t, s.FetchAll(context.Background()))
	assert.Equal(t, 2, synced)

	s.Reset()
	for _, c := range s.Collections() {
		assert.Equal(t, 0, c.Len())
		assert.Empty(t, c.Err())
	}
}

func TestStore_Warm(t *testing.T) {
	s, _ := newBackendStore(t)
	loader := mapLoader{
		domain.KindEpic: {
			[]byte(`{"id":"e-1","reference_id":"EP-001","title":"Checkout","status":"Done","priority":1}`),
		},
		domain.KindAcceptanceCriteria: {
			[]byte(`{"id":"ac-1","reference_id":"AC-001","user_story_id":"s-1","description":"Given","status":"Passed"}`),
			[]byte(`garbage`),
		},
	}

	n := s.Warm(context.Background(), loader)
	assert.Equal(t, 2, n)

	e, ok := s.Epics.Get("e-1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusDone, e.Status)
	assert.Equal(t, 1, s.AcceptanceCriteria.Len())
}
