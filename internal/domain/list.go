package domain

import (
	"net/url"
	"strconv"
	"strings"
)

// ListParams filters a list call. Zero fields are omitted from the query.
type ListParams struct {
	Status     Status
	Priority   Priority
	AssigneeID string
	CreatorID  string
	ParentID   string
	Search     string
	Include    []string
	OrderBy    string
	Limit      int
	Offset     int
}

// IsZero reports whether no filter, paging or include option is set, i.e.
// the call asks for the complete collection.
func (p ListParams) IsZero() bool {
	return p.Status == "" && p.Priority == 0 && p.AssigneeID == "" && p.CreatorID == "" &&
		p.ParentID == "" && p.Search == "" && len(p.Include) == 0 && p.OrderBy == "" &&
		p.Limit == 0 && p.Offset == 0
}

// Query encodes p as URL query parameters. parentKey names the parent filter
// for the kind being listed, e.g. "epic_id" for user stories.
func (p ListParams) Query(parentKey string) url.Values {
	q := url.Values{}
	if p.Status != "" {
		q.Set("status", string(p.Status))
	}
	if p.Priority != 0 {
		q.Set("priority", strconv.Itoa(int(p.Priority)))
	}
	if p.AssigneeID != "" {
		q.Set("assignee_id", p.AssigneeID)
	}
	if p.CreatorID != "" {
		q.Set("creator_id", p.CreatorID)
	}
	if p.ParentID != "" && parentKey != "" {
		q.Set(parentKey, p.ParentID)
	}
	if p.Search != "" {
		q.Set("search", p.Search)
	}
	if len(p.Include) > 0 {
		q.Set("include", strings.Join(p.Include, ","))
	}
	if p.OrderBy != "" {
		q.Set("order_by", p.OrderBy)
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}
	return q
}

// ParentKey returns the query/body field linking kind to its parent, or "".
func ParentKey(kind Kind) string {
	switch kind {
	case KindUserStory:
		return "epic_id"
	case KindRequirement, KindAcceptanceCriteria:
		return "user_story_id"
	}
	return ""
}

// ListResponse is the envelope returned by list endpoints.
type ListResponse[T any] struct {
	Data       []T `json:"data"`
	TotalCount int `json:"total_count"`
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
}

// Page returns the paging metadata of r.
func (r ListResponse[T]) Page() PageInfo {
	return PageInfo{TotalCount: r.TotalCount, Limit: r.Limit, Offset: r.Offset}
}

// PageInfo is the paging metadata of the most recent list call.
type PageInfo struct {
	TotalCount int `json:"total_count"`
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
}

// Patch is a partial update body.
type Patch map[string]any
