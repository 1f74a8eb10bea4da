package domain

// Status is a workflow status. The wire value is the display string.
type Status string

const (
	StatusBacklog     Status = "Backlog"
	StatusDraft       Status = "Draft"
	StatusInProgress  Status = "In Progress"
	StatusDone        Status = "Done"
	StatusCancelled   Status = "Cancelled"
	StatusUnderReview Status = "Under Review"
	StatusApproved    Status = "Approved"
	StatusImplemented Status = "Implemented"
	StatusRejected    Status = "Rejected"
	StatusPending     Status = "Pending"
	StatusPassed      Status = "Passed"
	StatusFailed      Status = "Failed"
	StatusActive      Status = "Active"
	StatusArchived    Status = "Archived"
)

// Workflow order matters: Statuses returns it as-is for pickers and reports.
var workflows = map[Kind][]Status{
	KindEpic:               {StatusBacklog, StatusDraft, StatusInProgress, StatusDone, StatusCancelled},
	KindUserStory:          {StatusBacklog, StatusDraft, StatusInProgress, StatusDone, StatusCancelled},
	KindRequirement:        {StatusDraft, StatusUnderReview, StatusApproved, StatusImplemented, StatusRejected, StatusCancelled},
	KindAcceptanceCriteria: {StatusPending, StatusPassed, StatusFailed},
	KindSteeringDocument:   {StatusDraft, StatusActive, StatusArchived},
}

// Statuses returns the workflow of kind in order.
func Statuses(kind Kind) []Status {
	out := make([]Status, len(workflows[kind]))
	copy(out, workflows[kind])
	return out
}

// ValidStatus reports whether s belongs to the workflow of kind. Transition
// legality is decided by the backend only.
func ValidStatus(kind Kind, s Status) bool {
	for _, candidate := range workflows[kind] {
		if candidate == s {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the workflow of kind.
func Terminal(kind Kind, s Status) bool {
	switch kind {
	case KindEpic, KindUserStory:
		return s == StatusDone || s == StatusCancelled
	case KindRequirement:
		return s == StatusImplemented || s == StatusRejected || s == StatusCancelled
	case KindSteeringDocument:
		return s == StatusArchived
	}
	return false
}
