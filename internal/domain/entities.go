package domain

import "time"

// Entity is implemented by every cached entity type.
type Entity interface {
	GetID() string
	GetReferenceID() string
	GetStatus() Status
	Kind() Kind
}

// BaseEntity holds the fields shared by every entity.
type BaseEntity struct {
	ID          string    `json:"id,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
	Priority    Priority  `json:"priority,omitempty"`
	AssigneeID  *string   `json:"assignee_id,omitempty"`
	CreatorID   *string   `json:"creator_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GetID returns the entity ID.
func (e BaseEntity) GetID() string {
	return e.ID
}

// GetReferenceID returns the human readable reference, e.g. "EP-001".
func (e BaseEntity) GetReferenceID() string {
	return e.ReferenceID
}

// Assignee returns the assignee user ID or "".
func (e BaseEntity) Assignee() string {
	if e.AssigneeID == nil {
		return ""
	}
	return *e.AssigneeID
}

// Epic is a large body of work grouping user stories.
type Epic struct {
	BaseEntity
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status,omitempty"`
}

func (Epic) Kind() Kind { return KindEpic }
func (e Epic) GetStatus() Status { return e.Status }
func (e Epic) Validate() error { return validateCommon(KindEpic, e.Title, e.Status, e.Priority) }
func (e Epic) Summary() string { return e.Title }
func (e Epic) ParentID() string { return "" }

// UserStory describes a feature from a user's point of view. Its description
// must follow the "As a ..., I want ..., so that ..." template.
type UserStory struct {
	BaseEntity
	EpicID      string `json:"epic_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status,omitempty"`
	StoryPoints *int   `json:"story_points,omitempty"`
}

func (UserStory) Kind() Kind { return KindUserStory }
func (s UserStory) GetStatus() Status { return s.Status }
func (s UserStory) Summary() string { return s.Title }
func (s UserStory) ParentID() string { return s.EpicID }

// Validate checks the common fields and the story template.
func (s UserStory) Validate() error {
	if err := validateCommon(KindUserStory, s.Title, s.Status, s.Priority); err != nil {
		return err
	}
	if s.StoryPoints != nil && *s.StoryPoints < 0 {
		return invalid("story_points must not be negative")
	}
	return ValidateUserStoryTemplate(s.Description)
}

// RequirementType classifies a requirement.
type RequirementType string

const (
	RequirementFunctional    RequirementType = "functional"
	RequirementNonFunctional RequirementType = "non_functional"
	RequirementConstraint    RequirementType = "constraint"
)

// Requirement is a single verifiable statement derived from a user story.
type Requirement struct {
	BaseEntity
	UserStoryID string          `json:"user_story_id,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Type        RequirementType `json:"type,omitempty"`
	Rationale   string          `json:"rationale,omitempty"`
	Status      Status          `json:"status,omitempty"`
}

func (Requirement) Kind() Kind { return KindRequirement }
func (r Requirement) GetStatus() Status { return r.Status }
func (r Requirement) Summary() string { return r.Title }
func (r Requirement) ParentID() string { return r.UserStoryID }

// Validate checks the common fields and the requirement type.
func (r Requirement) Validate() error {
	if err := validateCommon(KindRequirement, r.Title, r.Status, r.Priority); err != nil {
		return err
	}
	switch r.Type {
	case "", RequirementFunctional, RequirementNonFunctional, RequirementConstraint:
		return nil
	}
	return invalid("unknown requirement type %q", r.Type)
}

// AcceptanceCriteria is a pass/fail condition attached to a user story.
type AcceptanceCriteria struct {
	BaseEntity
	UserStoryID string `json:"user_story_id"`
	Description string `json:"description"`
	Status      Status `json:"status,omitempty"`
}

func (AcceptanceCriteria) Kind() Kind { return KindAcceptanceCriteria }
func (a AcceptanceCriteria) GetStatus() Status { return a.Status }
func (a AcceptanceCriteria) Summary() string { return a.Description }
func (a AcceptanceCriteria) ParentID() string { return a.UserStoryID }

// Validate requires a description and a parent story.
func (a AcceptanceCriteria) Validate() error {
	if err := validateCommon(KindAcceptanceCriteria, a.Description, a.Status, a.Priority); err != nil {
		return err
	}
	if a.UserStoryID == "" {
		return invalid("user_story_id is required")
	}
	return nil
}

// SteeringDocument is a markdown document guiding a product area.
type SteeringDocument struct {
	BaseEntity
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (SteeringDocument) Kind() Kind { return KindSteeringDocument }
func (d SteeringDocument) GetStatus() Status { return d.Status }
func (d SteeringDocument) Summary() string { return d.Title }
func (d SteeringDocument) ParentID() string { return "" }

// Validate checks the common fields.
func (d SteeringDocument) Validate() error {
	return validateCommon(KindSteeringDocument, d.Title, d.Status, d.Priority)
}

// Role is a user's access level.
type Role string

const (
	RoleAdministrator Role = "Administrator"
	RoleUser          Role = "User"
	RoleCommenter     Role = "Commenter"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdministrator, RoleUser, RoleCommenter:
		return true
	}
	return false
}

// User is an account known to the backend.
type User struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email,omitempty"`
	FullName string    `json:"full_name,omitempty"`
	Role     Role      `json:"role"`
	IsActive bool      `json:"is_active"`
	Created  time.Time `json:"created_at"`
}
