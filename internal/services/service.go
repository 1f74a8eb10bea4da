// Package services implements the domain services: one typed REST client per
// entity kind, sharing the authenticated httputil.Client.
package services

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/errors"
	"github.com/reqdesk/reqdesk/internal/httputil"
)

// APIPrefix is prepended to every resource path.
const APIPrefix = "/api/v1"

// Service is the remote contract the entity store depends on. Every method
// returns the server's representation of the entity it touched.
type Service[T domain.Entity] interface {
	List(ctx context.Context, params domain.ListParams) (*domain.ListResponse[T], error)
	Get(ctx context.Context, id string, include ...string) (T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, id string, patch domain.Patch) (T, error)
	Delete(ctx context.Context, id string) error
	ChangeStatus(ctx context.Context, id string, status domain.Status) (T, error)
	Assign(ctx context.Context, id string, userID string) (T, error)
}

// HTTPService implements Service over the backend REST API.
type HTTPService[T domain.Entity] struct {
	client *httputil.Client
	kind   domain.Kind
	base   string
}

// NewHTTPService creates the REST service for kind.
func NewHTTPService[T domain.Entity](client *httputil.Client, kind domain.Kind) *HTTPService[T] {
	return &HTTPService[T]{
		client: client,
		kind:   kind,
		base:   APIPrefix + "/" + kind.Resource(),
	}
}

// Kind returns the entity kind served.
func (s *HTTPService[T]) Kind() domain.Kind {
	return s.kind
}

func (s *HTTPService[T]) path(id string, suffix ...string) string {
	p := s.base + "/" + url.PathEscape(id)
	for _, seg := range suffix {
		p += "/" + seg
	}
	return p
}

func (s *HTTPService[T]) requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.Validationf("%s id is required", s.kind.Label())
	}
	return nil
}

// List fetches a page of entities matching params.
func (s *HTTPService[T]) List(ctx context.Context, params domain.ListParams) (*domain.ListResponse[T], error) {
	var resp domain.ListResponse[T]
	query := params.Query(domain.ParentKey(s.kind))
	if err := s.client.JSON(ctx, http.MethodGet, s.base, query, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		resp.Data = []T{}
	}
	return &resp, nil
}

// Get fetches one entity, optionally with related collections included.
func (s *HTTPService[T]) Get(ctx context.Context, id string, include ...string) (T, error) {
	var out T
	if err := s.requireID(id); err != nil {
		return out, err
	}
	var query url.Values
	if len(include) > 0 {
		query = url.Values{"include": {strings.Join(include, ",")}}
	}
	err := s.client.JSON(ctx, http.MethodGet, s.path(id), query, nil, &out)
	return out, err
}

// Create creates entity and returns the stored representation.
func (s *HTTPService[T]) Create(ctx context.Context, entity T) (T, error) {
	var out T
	err := s.client.JSON(ctx, http.MethodPost, s.base, nil, entity, &out)
	return out, err
}

// Update applies patch to the entity.
func (s *HTTPService[T]) Update(ctx context.Context, id string, patch domain.Patch) (T, error) {
	var out T
	if err := s.requireID(id); err != nil {
		return out, err
	}
	if len(patch) == 0 {
		return out, errors.Validation("update has no fields")
	}
	err := s.client.JSON(ctx, http.MethodPut, s.path(id), nil, patch, &out)
	return out, err
}

// Delete removes the entity.
func (s *HTTPService[T]) Delete(ctx context.Context, id string) error {
	if err := s.requireID(id); err != nil {
		return err
	}
	return s.client.JSON(ctx, http.MethodDelete, s.path(id), nil, nil, nil)
}

// ChangeStatus moves the entity to status. Whether the transition is allowed
// is decided by the backend.
func (s *HTTPService[T]) ChangeStatus(ctx context.Context, id string, status domain.Status) (T, error) {
	var out T
	if err := s.requireID(id); err != nil {
		return out, err
	}
	body := map[string]domain.Status{"status": status}
	err := s.client.JSON(ctx, http.MethodPatch, s.path(id, "status"), nil, body, &out)
	return out, err
}

// Assign sets the assignee. An empty userID unassigns.
func (s *HTTPService[T]) Assign(ctx context.Context, id string, userID string) (T, error) {
	var out T
	if err := s.requireID(id); err != nil {
		return out, err
	}
	body := map[string]*string{"assignee_id": nil}
	if userID != "" {
		body["assignee_id"] = &userID
	}
	err := s.client.JSON(ctx, http.MethodPatch, s.path(id, "assign"), nil, body, &out)
	return out, err
}

// NewEpicService creates the epic service.
func NewEpicService(client *httputil.Client) *HTTPService[domain.Epic] {
	return NewHTTPService[domain.Epic](client, domain.KindEpic)
}

// NewUserStoryService creates the user story service.
func NewUserStoryService(client *httputil.Client) *HTTPService[domain.UserStory] {
	return NewHTTPService[domain.UserStory](client, domain.KindUserStory)
}

// NewRequirementService creates the requirement service.
func NewRequirementService(client *httputil.Client) *HTTPService[domain.Requirement] {
	return NewHTTPService[domain.Requirement](client, domain.KindRequirement)
}

// NewAcceptanceCriteriaService creates the acceptance criteria service.
func NewAcceptanceCriteriaService(client *httputil.Client) *HTTPService[domain.AcceptanceCriteria] {
	return NewHTTPService[domain.AcceptanceCriteria](client, domain.KindAcceptanceCriteria)
}

// NewSteeringDocumentService creates the steering document service.
func NewSteeringDocumentService(client *httputil.Client) *HTTPService[domain.SteeringDocument] {
	return NewHTTPService[domain.SteeringDocument](client, domain.KindSteeringDocument)
}
