package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/reqdesk/reqdesk/internal/errors"
)

var (
	storyRolePattern    = regexp.MustCompile(`(?i)\bas\s+an?\s+\S`)
	storyGoalPattern    = regexp.MustCompile(`(?i)\bi\s+want\s+\S`)
	storyBenefitPattern = regexp.MustCompile(`(?i)\bso\s+that\s+\S`)
	storyFullPattern    = regexp.MustCompile(`(?is)\bas\s+an?\s+\S.*?\bi\s+want\s+\S.*?\bso\s+that\s+\S`)

	referencePattern = regexp.MustCompile(`^([A-Z]+)-(\d{3,})$`)
)

// ValidateUserStoryTemplate checks that description contains
// "As a <role>, I want <goal>, so that <benefit>" in that order. The error
// names every missing clause.
func ValidateUserStoryTemplate(description string) error {
	if strings.TrimSpace(description) == "" {
		return invalid("description is required and must follow the user story template")
	}
	if storyFullPattern.MatchString(description) {
		return nil
	}

	var missing []string
	if !storyRolePattern.MatchString(description) {
		missing = append(missing, `"As a <role>"`)
	}
	if !storyGoalPattern.MatchString(description) {
		missing = append(missing, `"I want <goal>"`)
	}
	if !storyBenefitPattern.MatchString(description) {
		missing = append(missing, `"so that <benefit>"`)
	}
	if len(missing) == 0 {
		return invalid("user story clauses must appear in order: As a ..., I want ..., so that ...")
	}
	return invalid("user story description is missing %s", strings.Join(missing, ", ")).
		WithDetails("missing", missing)
}

// ValidateReferenceID checks that ref has the form PREFIX-NNN for kind.
func ValidateReferenceID(kind Kind, ref string) error {
	m := referencePattern.FindStringSubmatch(ref)
	if m == nil {
		return invalid("invalid reference id %q (expected e.g. %s-001)", ref, kind.Prefix())
	}
	if m[1] != kind.Prefix() {
		return invalid("reference id %q is not a %s reference (prefix %s)", ref, kind.Label(), kind.Prefix())
	}
	return nil
}

// KindOfReference infers the kind from a reference id prefix.
func KindOfReference(ref string) (Kind, bool) {
	m := referencePattern.FindStringSubmatch(ref)
	if m == nil {
		return "", false
	}
	for _, k := range Kinds() {
		if k.Prefix() == m[1] {
			return k, true
		}
	}
	return "", false
}

func validateCommon(kind Kind, title string, status Status, priority Priority) error {
	if strings.TrimSpace(title) == "" {
		if kind == KindAcceptanceCriteria {
			return invalid("description is required")
		}
		return invalid("title is required")
	}
	if priority != 0 && !priority.Valid() {
		return invalid("priority must be between 1 and 4, got %d", int(priority))
	}
	if status != "" && !ValidStatus(kind, status) {
		return invalid("status %q is not part of the %s workflow", status, kind.Label())
	}
	return nil
}

func invalid(format string, args ...interface{}) *errors.ServiceError {
	return errors.Validation(fmt.Sprintf(format, args...))
}
