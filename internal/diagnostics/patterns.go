// File: internal/diagnostics/patterns.go
package diagnostics

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vigilhq/vigil/internal/schemas"
)

// pattern is one entry of the ordered diagnosis table. matches gates the
// pattern, analyze produces the root-cause hypothesis, and generateFix, when
// present, proposes a repair. A pattern may legitimately analyze an error it
// cannot fix; generateFix is a separate pass.
type pattern struct {
	name        string
	matches     func(e schemas.CapturedError) bool
	analyze     func(e schemas.CapturedError) schemas.RootCause
	generateFix func(e schemas.CapturedError, loc sourceLocation) schemas.FixOutcome
}

// sourceLocation is the application frame implicated by an error, resolved
// by the engine before fix generation. LineText is the exact source line, or
// empty when the file could not be read.
type sourceLocation struct {
	File     string
	Line     int
	LineText string
}

var (
	nullDerefRegex   = regexp.MustCompile(`(?i)cannot read propert(y|ies) ['"]?(\w+)['"]? of (undefined|null)|(\w+) is (undefined|null)|null is not an object`)
	notAFuncRegex    = regexp.MustCompile(`(?i)([\w.$]+) is not a function`)
	chunkLoadRegex   = regexp.MustCompile(`(?i)(loading chunk [\w-]+ failed|chunkloaderror|failed to fetch dynamically imported module)`)
	mapUndefRegex    = regexp.MustCompile(`(?i)\.(map|filter|forEach|reduce) is not a function|cannot read propert(y|ies) ['"]?(map|length|filter)['"]?`)
	unhandledRegex   = regexp.MustCompile(`(?i)unhandled(promise)?rejection|uncaught \(in promise\)`)
	sqlErrorRegex    = regexp.MustCompile(`(?i)(sqlstate|deadlock|duplicate key|foreign key constraint|relation .* does not exist|connection refused.*(5432|3306)|ECONNREFUSED.*(5432|3306))`)
	gqlFieldRegex    = regexp.MustCompile(`(?i)cannot query field ["']?(\w+)["']?|graphql`)
	hookOrderRegex   = regexp.MustCompile(`(?i)rendered (more|fewer) hooks than during the previous render`)
)

// builtinPatterns is evaluated in order; the first match whose analysis
// clears the confidence floor wins.
func builtinPatterns() []pattern {
	return []pattern{
		{
			name:    "null-dereference",
			matches: func(e schemas.CapturedError) bool { return nullDerefRegex.MatchString(e.Message) },
			analyze: func(e schemas.CapturedError) schemas.RootCause {
				prop := extractProperty(e.Message)
				return schemas.RootCause{
					Type:       schemas.RootCauseFrontend,
					Hypothesis: fmt.Sprintf("Dereference of %q on a value that is undefined or null, most likely state consumed before it is populated.", prop),
					Confidence: 0.85,
					Evidence:   []string{e.Message},
				}
			},
			generateFix: func(e schemas.CapturedError, loc sourceLocation) schemas.FixOutcome {
				prop := extractProperty(e.Message)
				guarded, ok := guardPropertyAccess(loc.LineText, prop)
				if !ok {
					// Without the implicated line there is no edit to build;
					// a learned pattern may still cover the shape.
					return schemas.NoFixAvailable()
				}
				return schemas.ConcreteFix(&schemas.SuggestedFix{
					Description:    fmt.Sprintf("Guard the access to %q with optional chaining.", prop),
					Changes:        []schemas.CodeChange{{File: loc.File, Search: loc.LineText, Replace: guarded}},
					RegressionTest: fmt.Sprintf("Render the component with the owning object absent and assert no throw when %q is read.", prop),
					Effort:         "low",
					Risk:           "low",
				})
			},
		},
		{
			name:    "missing-array-check",
			matches: func(e schemas.CapturedError) bool { return mapUndefRegex.MatchString(e.Message) },
			analyze: func(e schemas.CapturedError) schemas.RootCause {
				return schemas.RootCause{
					Type:       schemas.RootCauseFrontend,
					Hypothesis: "An iteration method is invoked on a value that is not (yet) an array; the data is probably still loading or the API returned a non-list shape.",
					Confidence: 0.8,
					Evidence:   []string{e.Message},
				}
			},
			generateFix: func(e schemas.CapturedError, loc sourceLocation) schemas.FixOutcome {
				guarded, ok := guardIterationCall(loc.LineText)
				if !ok {
					return schemas.NoFixAvailable()
				}
				return schemas.ConcreteFix(&schemas.SuggestedFix{
					Description:    "Guard the iteration with optional chaining so a missing list renders as empty.",
					Changes:        []schemas.CodeChange{{File: loc.File, Search: loc.LineText, Replace: guarded}},
					RegressionTest: "Invoke the renderer with the list prop undefined and assert it renders an empty state.",
					Effort:         "low",
					Risk:           "low",
				})
			},
		},
		{
			name:    "failed-chunk-load",
			matches: func(e schemas.CapturedError) bool { return chunkLoadRegex.MatchString(e.Message) },
			analyze: func(e schemas.CapturedError) schemas.RootCause {
				return schemas.RootCause{
					Type:       schemas.RootCauseConfiguration,
					Hypothesis: "A code-split bundle chunk failed to load; this is usually a stale deployment or CDN cache serving hashed assets from a previous build.",
					Confidence: 0.75,
					Evidence:   []string{e.Message},
				}
			},
			// A stale-asset symptom has no code-level fix to apply; it needs
			// a redeploy or cache purge decided by a human.
			generateFix: func(e schemas.CapturedError, loc sourceLocation) schemas.FixOutcome {
				return schemas.NeedsEscalation("chunk load failures are deployment artifacts, not code defects; redeploy or purge the asset cache")
			},
		},
		{
			name:    "react-hook-order",
			matches: func(e schemas.CapturedError) bool { return hookOrderRegex.MatchString(e.Message) },
			analyze: func(e schemas.CapturedError) schemas.RootCause {
				return schemas.RootCause{
					Type:       schemas.RootCauseFrontend,
					Hypothesis: "Hooks are called conditionally, so the hook order differs between renders.",
					Confidence: 0.8,
					Evidence:   []string{e.Message},
				}
			},
			generateFix: func(e schemas.CapturedError, loc sourceLocation) schemas.FixOutcome {
				return schemas.NeedsEscalation("hook-order violations require restructuring the component; too invasive for a templated fix")
			},
		},
		{
			name:    "unhandled-rejection",
			matches: func(e schemas.CapturedError) bool { return unhandledRegex.MatchString(e.Message) },
			analyze: func(e schemas.CapturedError) schemas.RootCause {
				return schemas.RootCause{
					Type:       schemas.RootCauseFrontend,
					Hypothesis: "A promise chain is missing error handling, likely an awaited call without try/catch or a .then without .catch.",
					Confidence: 0.7,
					Evidence:   []string{e.Message},
				}
			},
			// Wrapping the rejection site in error handling is structural,
			// not a one-line substitution; the shape is left to learned
			// patterns and otherwise escalates as fixless downstream.
		},
		{
			name: "database-error",
			matches: func(e schemas.CapturedError) bool {
				return sqlErrorRegex.MatchString(e.Message) || sqlErrorRegex.MatchString(evidenceText(e))
			},
			analyze: func(e schemas.CapturedError) schemas.RootCause {
				return schemas.RootCause{
					Type:       schemas.RootCauseDatabase,
					Hypothesis: "The backend surfaced a database-level failure; schema drift, constraint violation or connectivity.",
					Confidence: 0.8,
					Evidence:   []string{e.Message},
				}
			},
			// Database root causes are never auto-fixed (see error handling
			// policy); always route to the assistant queue.
			generateFix: func(e schemas.CapturedError, loc sourceLocation) schemas.FixOutcome {
				return schemas.NeedsEscalation("database-involving root causes are excluded from automatic fixing")
			},
		},
		{
			name: "server-5xx",
			matches: func(e schemas.CapturedError) bool {
				return e.Type == schemas.ErrorTypeNetwork && hasStatusAtLeast(e, 500)
			},
			analyze: func(e schemas.CapturedError) schemas.RootCause {
				return schemas.RootCause{
					Type:       schemas.RootCauseBackend,
					Hypothesis: "An API endpoint returned a server error while the page exercised it; the handler threw or a downstream dependency failed.",
					Confidence: 0.65,
					Evidence:   networkEvidence(e),
				}
			},
		},
		{
			name: "auth-failure",
			matches: func(e schemas.CapturedError) bool {
				return e.Type == schemas.ErrorTypeNetwork && (hasStatus(e, 401) || hasStatus(e, 403))
			},
			analyze: func(e schemas.CapturedError) schemas.RootCause {
				return schemas.RootCause{
					Type:       schemas.RootCauseIntegration,
					Hypothesis: "A request was rejected for missing or expired credentials; token refresh or session propagation is broken for this route.",
					Confidence: 0.6,
					Evidence:   networkEvidence(e),
				}
			},
		},
		{
			name:    "graphql-error",
			matches: func(e schemas.CapturedError) bool { return e.Type == schemas.ErrorTypeGraphQL || gqlFieldRegex.MatchString(e.Message) },
			analyze: func(e schemas.CapturedError) schemas.RootCause {
				return schemas.RootCause{
					Type:       schemas.RootCauseIntegration,
					Hypothesis: "A GraphQL operation returned errors; the client query and server schema disagree.",
					Confidence: 0.7,
					Evidence:   []string{e.Message},
				}
			},
		},
		{
			name:    "blank-page",
			matches: func(e schemas.CapturedError) bool { return e.Type == schemas.ErrorTypeBlankPage },
			analyze: func(e schemas.CapturedError) schemas.RootCause {
				return schemas.RootCause{
					Type:       schemas.RootCauseFrontend,
					Hypothesis: "The route rendered an empty document; a top-level render threw before anything was painted.",
					Confidence: 0.6,
					Evidence:   consoleEvidence(e),
				}
			},
		},
	}
}

// guardPropertyAccess inserts optional chaining before the first unguarded
// access to prop on the implicated line. Returns false when the line does not
// contain the access or already guards it.
func guardPropertyAccess(line, prop string) (string, bool) {
	if line == "" || prop == "" || prop == "value" {
		return "", false
	}
	needle := "." + prop
	idx := strings.Index(line, needle)
	if idx < 0 || (idx > 0 && line[idx-1] == '?') {
		return "", false
	}
	return line[:idx] + "?" + line[idx:], true
}

var iterMethods = []string{".map(", ".filter(", ".forEach(", ".reduce("}

// guardIterationCall inserts optional chaining before the first unguarded
// iteration call on the implicated line.
func guardIterationCall(line string) (string, bool) {
	for _, m := range iterMethods {
		idx := strings.Index(line, m)
		if idx < 0 || (idx > 0 && line[idx-1] == '?') {
			continue
		}
		return line[:idx] + "?" + line[idx:], true
	}
	return "", false
}

func extractProperty(message string) string {
	if m := nullDerefRegex.FindStringSubmatch(message); len(m) > 2 && m[2] != "" {
		return m[2]
	}
	if m := notAFuncRegex.FindStringSubmatch(message); len(m) > 1 {
		return m[1]
	}
	return "value"
}

var statusCodeRegex = regexp.MustCompile(`\b([45]\d\d)\b`)

func statusOf(e schemas.CapturedError) int {
	if m := statusCodeRegex.FindStringSubmatch(e.Message); len(m) > 1 {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

func hasStatus(e schemas.CapturedError, code int) bool {
	if statusOf(e) == code {
		return true
	}
	for _, n := range e.Network {
		if n.StatusCode == code {
			return true
		}
	}
	return false
}

func hasStatusAtLeast(e schemas.CapturedError, code int) bool {
	if s := statusOf(e); s >= code {
		return true
	}
	for _, n := range e.Network {
		if n.StatusCode >= code {
			return true
		}
	}
	return false
}

func networkEvidence(e schemas.CapturedError) []string {
	out := []string{e.Message}
	for _, n := range e.Network {
		out = append(out, fmt.Sprintf("%s %s -> %d %s", n.Method, n.URL, n.StatusCode, n.ErrorText))
	}
	return out
}

func consoleEvidence(e schemas.CapturedError) []string {
	out := []string{e.Message}
	for _, c := range e.Console {
		out = append(out, fmt.Sprintf("[%s] %s", c.Level, c.Message))
	}
	return out
}

func evidenceText(e schemas.CapturedError) string {
	var b strings.Builder
	for _, c := range e.Console {
		b.WriteString(c.Message)
		b.WriteString("\n")
	}
	for _, n := range e.Network {
		b.WriteString(n.ErrorText)
		b.WriteString("\n")
	}
	return b.String()
}
