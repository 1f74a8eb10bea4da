// Package domain defines the requirements-management entities exchanged with
// the backend: epics, user stories, requirements, acceptance criteria and
// steering documents, together with their workflow statuses and priorities.
package domain

import (
	"fmt"
	"strings"
)

// Kind identifies an entity type.
type Kind string

const (
	KindEpic               Kind = "epic"
	KindUserStory          Kind = "user_story"
	KindRequirement        Kind = "requirement"
	KindAcceptanceCriteria Kind = "acceptance_criteria"
	KindSteeringDocument   Kind = "steering_document"
)

type kindInfo struct {
	resource string
	prefix   string
	label    string
}

var kinds = map[Kind]kindInfo{
	KindEpic:               {resource: "epics", prefix: "EP", label: "epic"},
	KindUserStory:          {resource: "user-stories", prefix: "US", label: "user story"},
	KindRequirement:        {resource: "requirements", prefix: "REQ", label: "requirement"},
	KindAcceptanceCriteria: {resource: "acceptance-criteria", prefix: "AC", label: "acceptance criteria"},
	KindSteeringDocument:   {resource: "steering-documents", prefix: "SD", label: "steering document"},
}

// Kinds returns every entity kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindEpic, KindUserStory, KindRequirement, KindAcceptanceCriteria, KindSteeringDocument}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Resource returns the REST collection name, e.g. "user-stories".
func (k Kind) Resource() string {
	return kinds[k].resource
}

// Prefix returns the reference-id prefix, e.g. "EP".
func (k Kind) Prefix() string {
	return kinds[k].prefix
}

// Label returns a human readable name used in messages.
func (k Kind) Label() string {
	if info, ok := kinds[k]; ok {
		return info.label
	}
	return string(k)
}

// ParseKind accepts the canonical kind, its REST resource name, a reference
// prefix, or one of the common short forms ("story", "stories", "docs").
func ParseKind(s string) (Kind, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "_", "-")
	for k, info := range kinds {
		if norm == strings.ReplaceAll(string(k), "_", "-") || norm == info.resource || norm == strings.ToLower(info.prefix) {
			return k, nil
		}
	}
	switch norm {
	case "story", "stories", "user-story":
		return KindUserStory, nil
	case "req", "reqs":
		return KindRequirement, nil
	case "criteria", "acceptance":
		return KindAcceptanceCriteria, nil
	case "doc", "docs", "steering", "steering-doc", "steering-docs":
		return KindSteeringDocument, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}
