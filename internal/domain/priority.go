package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Priority ranks work from 1 (most urgent) to 4. Zero means unset.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
)

// Valid reports whether p is within 1-4.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "Critical"
	case PriorityHigh:
		return "High"
	case PriorityMedium:
		return "Medium"
	case PriorityLow:
		return "Low"
	}
	return "Unset"
}

// ParsePriority accepts "1".."4", "P1".."P4" or the level names.
func ParsePriority(s string) (Priority, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	switch norm {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	}
	norm = strings.TrimPrefix(norm, "p")
	n, err := strconv.Atoi(norm)
	if err != nil || !Priority(n).Valid() {
		return 0, fmt.Errorf("invalid priority %q (expected 1-4, P1-P4 or critical/high/medium/low)", s)
	}
	return Priority(n), nil
}
