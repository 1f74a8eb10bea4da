package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqdesk/reqdesk/internal/errors"
)

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"epic":                KindEpic,
		"epics":               KindEpic,
		"EP":                  KindEpic,
		"user_story":          KindUserStory,
		"user-stories":        KindUserStory,
		"stories":             KindUserStory,
		"requirements":        KindRequirement,
		"req":                 KindRequirement,
		"acceptance-criteria": KindAcceptanceCriteria,
		"ac":                  KindAcceptanceCriteria,
		"docs":                KindSteeringDocument,
		"steering_document":   KindSteeringDocument,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseKind("widgets")
	assert.Error(t, err)
}

func TestKindMetadata(t *testing.T) {
	assert.Len(t, Kinds(), 5)
	for _, k := range Kinds() {
		assert.True(t, k.Valid())
		assert.NotEmpty(t, k.Resource())
		assert.NotEmpty(t, k.Prefix())
		assert.NotEmpty(t, Statuses(k))
	}
	assert.Equal(t, "user-stories", KindUserStory.Resource())
	assert.Equal(t, "EP", KindEpic.Prefix())
	assert.False(t, Kind("widget").Valid())
}

func TestValidStatus(t *testing.T) {
	assert.True(t, ValidStatus(KindEpic, StatusInProgress))
	assert.True(t, ValidStatus(KindEpic, StatusCancelled))
	assert.False(t, ValidStatus(KindEpic, StatusApproved))
	assert.True(t, ValidStatus(KindRequirement, StatusUnderReview))
	assert.True(t, ValidStatus(KindAcceptanceCriteria, StatusPassed))
	assert.False(t, ValidStatus(KindSteeringDocument, StatusDone))
	assert.False(t, ValidStatus(KindEpic, Status("in progress")))
}

func TestStatuses_ReturnsCopy(t *testing.T) {
	s := Statuses(KindEpic)
	s[0] = "Mutated"
	assert.Equal(t, StatusBacklog, Statuses(KindEpic)[0])
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(KindEpic, StatusDone))
	assert.True(t, Terminal(KindEpic, StatusCancelled))
	assert.False(t, Terminal(KindEpic, StatusInProgress))
	assert.True(t, Terminal(KindRequirement, StatusImplemented))
	assert.False(t, Terminal(KindAcceptanceCriteria, StatusFailed))
}

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]Priority{
		"1": PriorityCritical, "P2": PriorityHigh, "p3": PriorityMedium, "low": PriorityLow, " High ": PriorityHigh,
	} {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"0", "5", "P9", "urgent", ""} {
		_, err := ParsePriority(in)
		assert.Error(t, err, in)
	}
	assert.Equal(t, "Critical", PriorityCritical.String())
	assert.Equal(t, "Unset", Priority(0).String())
}

func TestValidateUserStoryTemplate(t *testing.T) {
	tests := []struct {
		name        string
		description string
		wantErr     bool
		wantMissing int
	}{
		{"full template", "As a product owner, I want to see all epics, so that I can plan the release.", false, 0},
		{"an and markdown", "## Story\n\nAs an admin\nI want user management\nso that access stays controlled\n\n- extra notes", false, 0},
		{"case insensitive", "AS A tester, I WANT logs, SO THAT failures are traceable", false, 0},
		{"empty", "   ", true, 0},
		{"missing benefit", "As a user, I want a dark mode", true, 1},
		{"missing everything", "Make it faster", true, 3},
		{"out of order", "So that we ship, I want CI, as a developer", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserStoryTemplate(tt.description)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
			if tt.wantMissing > 0 {
				se := errors.GetServiceError(err)
				require.NotNil(t, se)
				assert.Len(t, se.Details["missing"], tt.wantMissing)
			}
		})
	}
}

func TestValidateReferenceID(t *testing.T) {
	assert.NoError(t, ValidateReferenceID(KindEpic, "EP-001"))
	assert.NoError(t, ValidateReferenceID(KindRequirement, "REQ-1234"))
	assert.Error(t, ValidateReferenceID(KindEpic, "US-001"))
	assert.Error(t, ValidateReferenceID(KindEpic, "EP-1"))
	assert.Error(t, ValidateReferenceID(KindEpic, "ep-001"))

	k, ok := KindOfReference("SD-010")
	assert.True(t, ok)
	assert.Equal(t, KindSteeringDocument, k)
	_, ok = KindOfReference("XX-001")
	assert.False(t, ok)
}

func TestEntityValidate(t *testing.T) {
	points := -1
	tests := []struct {
		name    string
		entity  interface{ Validate() error }
		wantErr bool
	}{
		{"epic ok", Epic{Title: "Checkout", Status: StatusDraft, BaseEntity: BaseEntity{Priority: PriorityHigh}}, false},
		{"epic no title", Epic{Title: " "}, true},
		{"epic bad priority", Epic{Title: "x", BaseEntity: BaseEntity{Priority: 7}}, true},
		{"epic foreign status", Epic{Title: "x", Status: StatusApproved}, true},
		{"story ok", UserStory{Title: "Login", Description: "As a user, I want to log in, so that I see my work"}, false},
		{"story bad template", UserStory{Title: "Login", Description: "Login page"}, true},
		{"story negative points", UserStory{Title: "Login", Description: "As a user, I want x, so that y", StoryPoints: &points}, true},
		{"requirement ok", Requirement{Title: "Hash passwords", Type: RequirementNonFunctional}, false},
		{"requirement bad type", Requirement{Title: "Hash passwords", Type: "vague"}, true},
		{"criteria ok", AcceptanceCriteria{UserStoryID: "us-1", Description: "Given x when y then z"}, false},
		{"criteria without story", AcceptanceCriteria{Description: "Given x"}, true},
		{"criteria without description", AcceptanceCriteria{UserStoryID: "us-1"}, true},
		{"doc ok", SteeringDocument{Title: "Tech stack", Status: StatusActive}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entity.Validate()
			if tt.wantErr {
				assert.True(t, errors.IsValidation(err), "want validation error, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEpicJSON_FlattensBaseEntity(t *testing.T) {
	assignee := "u-1"
	epic := Epic{
		BaseEntity: BaseEntity{ID: "e-1", ReferenceID: "EP-001", Priority: PriorityCritical, AssigneeID: &assignee},
		Title:      "Checkout",
		Status:     StatusInProgress,
	}

	data, err := json.Marshal(epic)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "EP-001", raw["reference_id"])
	assert.Equal(t, "In Progress", raw["status"])
	assert.Equal(t, float64(1), raw["priority"])
	assert.Equal(t, "u-1", raw["assignee_id"])
	assert.Equal(t, "u-1", epic.Assignee())
	assert.Equal(t, "", Epic{}.Assignee())
}

func TestListParamsQuery(t *testing.T) {
	assert.True(t, ListParams{}.IsZero())

	p := ListParams{
		Status:   StatusInProgress,
		Priority: PriorityHigh,
		ParentID: "e-1",
		Include:  []string{"acceptance_criteria", "requirements"},
		Limit:    50,
		Offset:   100,
	}
	assert.False(t, p.IsZero())

	q := p.Query(ParentKey(KindUserStory))
	assert.Equal(t, "In Progress", q.Get("status"))
	assert.Equal(t, "2", q.Get("priority"))
	assert.Equal(t, "e-1", q.Get("epic_id"))
	assert.Equal(t, "acceptance_criteria,requirements", q.Get("include"))
	assert.Equal(t, "50", q.Get("limit"))
	assert.Equal(t, "100", q.Get("offset"))

	assert.Empty(t, ListParams{ParentID: "x"}.Query(ParentKey(KindEpic)).Get("epic_id"))
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleAdministrator.Valid())
	assert.True(t, RoleCommenter.Valid())
	assert.False(t, Role("Guest").Valid())
}
