// File: internal/daemon/report.go
package daemon

import (
	"time"

	"github.com/vigilhq/vigil/internal/schemas"
)

// CycleReport is the persisted summary of one daemon cycle.
type CycleReport struct {
	Cycle            int                 `json:"cycle"`
	StartedAt        time.Time           `json:"started_at"`
	FinishedAt       time.Time           `json:"finished_at"`
	AutomationPaused bool                `json:"automation_paused,omitempty"`
	ErrorsCaptured   int                 `json:"errors_captured"`
	BugsDiagnosed    int                 `json:"bugs_diagnosed"`
	FixesAttempted   int                 `json:"fixes_attempted"`
	FixesVerified    int                 `json:"fixes_verified"`
	FixesRolledBack  int                 `json:"fixes_rolled_back"`
	Escalations      int                 `json:"escalations"`
	Results          []schemas.FixResult `json:"results,omitempty"`
}

func newCycleReport(cycle int) *CycleReport {
	return &CycleReport{Cycle: cycle, StartedAt: time.Now()}
}
