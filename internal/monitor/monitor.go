// Package monitor contains the health checks polled by the error detector
// and the built-in repairers for the components they watch.
package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mealforge/sentinel/internal/model"
)

// Component names shared by monitors, repairers and safety configuration.
const (
	ComponentStorage     = "storage"
	ComponentCache       = "cache"
	ComponentMemory      = "memory"
	ComponentExternalAPI = "external_api"
)

// Monitor checks one component. A nil report means healthy. An error means
// the check itself could not run and says nothing about the component.
type Monitor interface {
	Name() string
	Check(ctx context.Context) (*model.ErrorReport, error)
}

func newReport(component string, severity model.Severity, message string, details map[string]any) *model.ErrorReport {
	return &model.ErrorReport{
		ID:            uuid.New(),
		ComponentType: component,
		Severity:      severity,
		Message:       message,
		Details:       details,
		Timestamp:     time.Now().UTC(),
	}
}
