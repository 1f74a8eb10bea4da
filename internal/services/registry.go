package services

import (
	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/httputil"
)

// Registry bundles one service per entity kind.
type Registry struct {
	Epics              Service[domain.Epic]
	UserStories        Service[domain.UserStory]
	Requirements       Service[domain.Requirement]
	AcceptanceCriteria Service[domain.AcceptanceCriteria]
	SteeringDocuments  Service[domain.SteeringDocument]
}

// NewRegistry creates the REST services sharing client.
func NewRegistry(client *httputil.Client) *Registry {
	return &Registry{
		Epics:              NewEpicService(client),
		UserStories:        NewUserStoryService(client),
		Requirements:       NewRequirementService(client),
		AcceptanceCriteria: NewAcceptanceCriteriaService(client),
		SteeringDocuments:  NewSteeringDocumentService(client),
	}
}
