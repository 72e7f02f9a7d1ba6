package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity classifies an ErrorReport or Alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates s. An empty string yields SeverityWarning.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case "":
		return SeverityWarning, nil
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("invalid severity %q: must be info, warning, error or critical", s)
	}
}

// Rank orders severities from least (0) to most (3) severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 1
	}
}

// ErrorReport is a structured failure report produced by a monitor or a
// producer collaborator. Never mutated after creation; a newer report for the
// same component is a new row.
type ErrorReport struct {
	ID                  uuid.UUID      `json:"id"`
	ComponentType       string         `json:"component_type"`
	Severity            Severity       `json:"severity"`
	Message             string         `json:"message"`
	Details             map[string]any `json:"details,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Timestamp           time.Time      `json:"timestamp"`
}

// RepairOutcome is the result of an automated repair attempt.
type RepairOutcome string

const (
	RepairSuccess RepairOutcome = "success"
	RepairFailure RepairOutcome = "failure"
)

// RepairAttempt is an append-only ledger entry used to compute retry budgets.
type RepairAttempt struct {
	ID            uuid.UUID     `json:"id"`
	ComponentType string        `json:"component_type"`
	Outcome       RepairOutcome `json:"outcome"`
	ErrorReportID uuid.UUID     `json:"error_report_id"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Backup is a restorable snapshot of component state taken before a risky
// repair.
type Backup struct {
	ID            uuid.UUID `json:"id"`
	ComponentType string    `json:"component_type"`
	Payload       []byte    `json:"payload"`
	CreatedAt     time.Time `json:"created_at"`
}
