// File: internal/schemas/outcome.go
package schemas

// FixOutcomeKind discriminates the result of a fix-generation pass.
type FixOutcomeKind string

const (
	// OutcomeConcrete means the generator produced applyable code changes.
	OutcomeConcrete FixOutcomeKind = "concrete"
	// OutcomeEscalate means the bug is understood but must go to the
	// assistant queue instead of the automatic fixer.
	OutcomeEscalate FixOutcomeKind = "escalate"
	// OutcomeNone means no generator recognized the error shape at all.
	OutcomeNone FixOutcomeKind = "none"
)

// FixOutcome is the tagged result of fix generation. Callers must branch on
// Kind; an empty change list is never used as an implicit signal.
type FixOutcome struct {
	Kind   FixOutcomeKind
	Fix    *SuggestedFix
	Reason string
}

// ConcreteFix wraps applyable changes in an outcome.
func ConcreteFix(fix *SuggestedFix) FixOutcome {
	return FixOutcome{Kind: OutcomeConcrete, Fix: fix}
}

// NeedsEscalation marks a bug for the assistant queue with a reason.
func NeedsEscalation(reason string) FixOutcome {
	return FixOutcome{Kind: OutcomeEscalate, Reason: reason}
}

// NoFixAvailable is the outcome when nothing matched.
func NoFixAvailable() FixOutcome {
	return FixOutcome{Kind: OutcomeNone}
}
