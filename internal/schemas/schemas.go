// File: internal/schemas/schemas.go
package schemas

import "time"

// Severity classifies how badly an observed anomaly hurts the target
// application. The zero value is intentionally invalid.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank returns the sort weight of a severity, lower is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	}
	return 4
}

// ErrorType identifies the shape of a captured anomaly.
type ErrorType string

const (
	ErrorTypeConsole   ErrorType = "console"
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeReact     ErrorType = "react"
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeBlankPage ErrorType = "blank_page"
	ErrorTypeGraphQL   ErrorType = "graphql"
)

// FixStatus tracks where a bug sits in its fix lifecycle.
type FixStatus string

const (
	FixStatusPending    FixStatus = "pending"
	FixStatusInProgress FixStatus = "in_progress"
	FixStatusFixed      FixStatus = "fixed"
	FixStatusFailed     FixStatus = "failed"
	FixStatusRolledBack FixStatus = "rolled_back"
	FixStatusSkipped    FixStatus = "skipped"
)

// RootCauseType buckets a diagnosis by the layer it implicates.
type RootCauseType string

const (
	RootCauseFrontend      RootCauseType = "frontend"
	RootCauseBackend       RootCauseType = "backend"
	RootCauseDatabase      RootCauseType = "database"
	RootCauseIntegration   RootCauseType = "integration"
	RootCauseConfiguration RootCauseType = "configuration"
)

// Phase names the step of the daemon cycle currently executing.
type Phase string

const (
	PhaseDiscovery    Phase = "discovery"
	PhaseDiagnosis    Phase = "diagnosis"
	PhaseFixing       Phase = "fixing"
	PhaseVerification Phase = "verification"
	PhaseReporting    Phase = "reporting"
	PhaseCooldown     Phase = "cooldown"
)

// ConsoleEntry is one console message harvested from a browser session.
type ConsoleEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NetworkEntry is one failed or suspicious network exchange observed while
// the page was being exercised.
type NetworkEntry struct {
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	ErrorText  string    `json:"error_text,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// CapturedError is a deduplicated anomaly record produced by the collector.
// Hash uniquely identifies a logically identical error; repeated observations
// bump Occurrences and LastSeen instead of minting a new record.
type CapturedError struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	LastSeen    time.Time      `json:"last_seen"`
	URL         string         `json:"url"`
	Type        ErrorType      `json:"type"`
	Message     string         `json:"message"`
	Severity    Severity       `json:"severity"`
	Console     []ConsoleEntry `json:"console,omitempty"`
	Network     []NetworkEntry `json:"network,omitempty"`
	Screenshot  string         `json:"screenshot,omitempty"`
	Hash        string         `json:"hash"`
	Occurrences int            `json:"occurrences"`
}

// RootCause is the diagnostics engine's hypothesis for a captured error.
type RootCause struct {
	Type        RootCauseType `json:"type"`
	File        string        `json:"file,omitempty"`
	Line        int           `json:"line,omitempty"`
	Hypothesis  string        `json:"hypothesis"`
	Confidence  float64       `json:"confidence"` // 0.0 to 1.0
	Evidence    []string      `json:"evidence,omitempty"`
	CodeContext string        `json:"code_context,omitempty"`
}

// CodeChange is one exact-match textual edit. Search must match the file
// contents verbatim; the fixer treats a miss as a hard failure.
type CodeChange struct {
	File    string `json:"file"`
	Search  string `json:"search"`
	Replace string `json:"replace"`
}

// SuggestedFix describes how a diagnosed bug could be repaired. PatternID is
// set when the fix was instantiated from a learned pattern, so outcome
// feedback can target exactly that pattern.
type SuggestedFix struct {
	Description    string       `json:"description"`
	Changes        []CodeChange `json:"changes,omitempty"`
	RegressionTest string       `json:"regression_test,omitempty"`
	Effort         string       `json:"effort,omitempty"` // low | medium | high
	Risk           string       `json:"risk,omitempty"`   // low | medium | high
	PatternID      string       `json:"pattern_id,omitempty"`
}

// DiagnosedBug is a CapturedError enriched with a root cause and a
// suggested fix. One exists per distinct error hash.
type DiagnosedBug struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	ReproSteps  []string      `json:"repro_steps,omitempty"`
	Severity    Severity      `json:"severity"`
	Category    ErrorType     `json:"category"`
	FixStatus   FixStatus     `json:"fix_status"`
	FixAttempts int           `json:"fix_attempts"`
	FixedAt     *time.Time    `json:"fixed_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	Error       CapturedError `json:"error"`
	RootCause   RootCause     `json:"root_cause"`
	Fix         *SuggestedFix `json:"fix,omitempty"`
}

// FixResult is the immutable record of one end-to-end pipeline attempt.
// Once CompletedAt is set the result must not be mutated.
type FixResult struct {
	ID                 string     `json:"id"`
	BugID              string     `json:"bug_id"`
	Success            bool       `json:"success"`
	Status             FixStatus  `json:"status"`
	Branch             string     `json:"branch,omitempty"`
	Commit             string     `json:"commit,omitempty"`
	MergeCommit        string     `json:"merge_commit,omitempty"`
	TypecheckPassed    bool       `json:"typecheck_passed"`
	TestsPassed        bool       `json:"tests_passed"`
	BuildPassed        bool       `json:"build_passed"`
	ProductionVerified bool       `json:"production_verified"`
	Errors             []string   `json:"errors,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`

	// Baseline is the health sample taken just before the deploy, so the
	// supervisor can compare post-deploy metrics against the pre-deploy
	// steady state rather than its own entry-time sample.
	Baseline *HealthMetrics `json:"baseline,omitempty"`
}

// FixTemplate is the reusable half of a learned pattern: where to look and
// what to substitute when the pattern's regex matches a fresh error.
type FixTemplate struct {
	FileGlob    string `json:"file_glob"`
	Search      string `json:"search"`
	Replace     string `json:"replace"`
	Description string `json:"description"`
}

// FixPattern is a generalized fix learned from past attempts. SuccessRate is
// a weighted running average over TimesUsed applications.
type FixPattern struct {
	ID          string      `json:"id"`
	ErrorRegex  string      `json:"error_regex"`
	ErrorType   ErrorType   `json:"error_type"`
	Template    FixTemplate `json:"template"`
	SuccessRate float64     `json:"success_rate"`
	TimesUsed   int         `json:"times_used"`
	LastUsed    time.Time   `json:"last_used"`
}

// DaemonState is the single-writer process state owned by the daemon.
// Callers only ever see copies of it.
type DaemonState struct {
	Running       bool      `json:"running"`
	Cycle         int       `json:"cycle"`
	Phase         Phase     `json:"phase"`
	QueueDepth    int       `json:"queue_depth"`
	InFlightFixes int       `json:"in_flight_fixes"`
	Errors        []string  `json:"errors,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RollbackEntry is one line of the append-only revert audit log.
type RollbackEntry struct {
	FixID     string    `json:"fix_id"`
	BugID     string    `json:"bug_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// StableDeployEntry records a deployment that survived its full
// monitoring window.
type StableDeployEntry struct {
	FixID     string    `json:"fix_id"`
	BugID     string    `json:"bug_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthMetrics is the counter document exposed by the health collaborator.
type HealthMetrics struct {
	ErrorRate      float64   `json:"error_rate"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	RequestCount   int64     `json:"request_count"`
	SampledAt      time.Time `json:"sampled_at"`
}
