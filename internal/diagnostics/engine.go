// File: internal/diagnostics/engine.go
package diagnostics

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/schemas"
)

// contextRadius is how many lines around the implicated line are extracted
// for the assistant and human readers. The snippet is never executed.
const contextRadius = 5

// Suggester supplies learned fix patterns for an error. Implemented by the
// learning system; nil disables the lookup.
type Suggester interface {
	SuggestFix(e schemas.CapturedError) *schemas.FixPattern
}

// Engine maps captured errors to diagnosed bugs through an ordered pattern
// table with a generic fallback.
type Engine struct {
	logger      *zap.Logger
	projectRoot string
	patterns    []pattern
	suggester   Suggester
}

// New creates a diagnostics engine. projectRoot is used only for
// code-context extraction; suggester may be nil.
func New(logger *zap.Logger, projectRoot string, suggester Suggester) *Engine {
	return &Engine{
		logger:      logger.Named("diagnostics"),
		projectRoot: projectRoot,
		patterns:    builtinPatterns(),
		suggester:   suggester,
	}
}

// Analyze turns a captured error into a diagnosed bug. The first pattern
// whose matcher fires and whose analysis clears confidence 0.5 wins;
// otherwise the generic fallback runs.
func (en *Engine) Analyze(e schemas.CapturedError) schemas.DiagnosedBug {
	var cause schemas.RootCause
	matched := ""

	for _, p := range en.patterns {
		if !p.matches(e) {
			continue
		}
		c := p.analyze(e)
		if c.Confidence > 0.5 {
			cause = c
			matched = p.name
			break
		}
	}
	if matched == "" {
		cause = en.fallbackAnalysis(e)
		matched = "generic-fallback"
	}

	if cause.File == "" {
		if file, line, ok := parseStackLocation(e.Message + "\n" + evidenceText(e)); ok {
			cause.File = file
			cause.Line = line
		}
	}
	if cause.File != "" && cause.Line > 0 {
		cause.CodeContext = en.extractCodeContext(cause.File, cause.Line)
	}

	bug := schemas.DiagnosedBug{
		ID:          uuid.New().String(),
		Title:       bugTitle(e),
		Description: fmt.Sprintf("%s\n\nObserved %d time(s), first at %s on %s.", e.Message, e.Occurrences, e.Timestamp.Format(time.RFC3339), e.URL),
		ReproSteps:  reproSteps(e),
		Severity:    e.Severity,
		Category:    e.Type,
		FixStatus:   schemas.FixStatusPending,
		CreatedAt:   time.Now(),
		Error:       e,
		RootCause:   cause,
	}

	// Fix generation is a separate pass; attach a concrete fix when one
	// exists so callers can gate on it.
	if outcome := en.GenerateFix(e); outcome.Kind == schemas.OutcomeConcrete {
		bug.Fix = outcome.Fix
	}

	en.logger.Info("Error diagnosed.",
		zap.String("pattern", matched),
		zap.String("cause_type", string(cause.Type)),
		zap.Float64("confidence", cause.Confidence),
		zap.String("bug_id", bug.ID))

	return bug
}

// GenerateFix runs the ordered fix-generation pass. Builtin generators come
// first; one that yields no edit falls through to the next, and finally to a
// learned pattern from the suggester. Escalations short-circuit. The result
// is a tagged outcome, never an implicit empty list.
func (en *Engine) GenerateFix(e schemas.CapturedError) schemas.FixOutcome {
	loc := en.resolveLocation(e)

	for _, p := range en.patterns {
		if p.generateFix == nil || !p.matches(e) {
			continue
		}
		outcome := p.generateFix(e, loc)
		switch outcome.Kind {
		case schemas.OutcomeEscalate:
			return outcome
		case schemas.OutcomeConcrete:
			if outcome.Fix != nil && len(outcome.Fix.Changes) > 0 {
				return outcome
			}
		}
	}

	if en.suggester != nil {
		if learned := en.suggester.SuggestFix(e); learned != nil && learned.Template.Search != "" {
			en.logger.Info("Applying learned fix pattern.",
				zap.String("pattern_id", learned.ID),
				zap.Float64("success_rate", learned.SuccessRate))
			return schemas.ConcreteFix(&schemas.SuggestedFix{
				Description: learned.Template.Description,
				Changes: []schemas.CodeChange{{
					File:    learned.Template.FileGlob,
					Search:  learned.Template.Search,
					Replace: learned.Template.Replace,
				}},
				Effort:    "low",
				Risk:      "medium",
				PatternID: learned.ID,
			})
		}
	}

	return schemas.NoFixAvailable()
}

// resolveLocation parses an application frame out of the error and reads the
// implicated source line so generators can build exact-match edits.
func (en *Engine) resolveLocation(e schemas.CapturedError) sourceLocation {
	file, line, ok := parseStackLocation(e.Message + "\n" + evidenceText(e))
	if !ok {
		return sourceLocation{}
	}
	return sourceLocation{
		File:     file,
		Line:     line,
		LineText: en.readSourceLine(file, line),
	}
}

// readSourceLine returns line number `line` of the implicated file, or ""
// when the file cannot be read.
func (en *Engine) readSourceLine(file string, line int) string {
	path := file
	if !filepath.IsAbs(path) && en.projectRoot != "" {
		path = filepath.Join(en.projectRoot, file)
	}
	f, err := os.Open(path)
	if err != nil {
		en.logger.Debug("Source line unavailable.", zap.String("file", file), zap.Error(err))
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		if n == line {
			return scanner.Text()
		}
	}
	return ""
}

var stackLocRegex = regexp.MustCompile(`\(?((?:[\w.\-]+/)*[\w.\-]+\.(?:js|jsx|ts|tsx|go|py|rb)):(\d+)(?::\d+)?\)?`)

// fallbackAnalysis is the generic analyzer: parse a location out of the
// stack if possible, classify the layer from the error shape, and report a
// templated hypothesis with deliberately modest confidence.
func (en *Engine) fallbackAnalysis(e schemas.CapturedError) schemas.RootCause {
	cause := schemas.RootCause{
		Type:       classifyLayer(e),
		Hypothesis: fmt.Sprintf("Unrecognized %s error: %s", e.Type, firstLine(e.Message)),
		Confidence: 0.3,
		Evidence:   []string{e.Message},
	}
	if file, line, ok := parseStackLocation(e.Message + "\n" + evidenceText(e)); ok {
		cause.File = file
		cause.Line = line
		cause.Confidence = 0.6
		cause.Hypothesis = fmt.Sprintf("Unrecognized %s error traced to %s:%d: %s", e.Type, file, line, firstLine(e.Message))
	}
	return cause
}

func classifyLayer(e schemas.CapturedError) schemas.RootCauseType {
	switch e.Type {
	case schemas.ErrorTypeConsole, schemas.ErrorTypeReact, schemas.ErrorTypeBlankPage:
		return schemas.RootCauseFrontend
	case schemas.ErrorTypeNetwork:
		return schemas.RootCauseBackend
	case schemas.ErrorTypeGraphQL:
		return schemas.RootCauseIntegration
	case schemas.ErrorTypeTimeout:
		return schemas.RootCauseIntegration
	}
	return schemas.RootCauseFrontend
}

func parseStackLocation(text string) (string, int, bool) {
	for _, line := range strings.Split(text, "\n") {
		m := stackLocRegex.FindStringSubmatch(line)
		if len(m) != 3 {
			continue
		}
		file := m[1]
		if strings.Contains(file, "node_modules/") || strings.Contains(file, "webpack/") {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		return file, n, true
	}
	return "", 0, false
}

// extractCodeContext reads the implicated file and returns the surrounding
// lines, numbered, with the suspect line marked.
func (en *Engine) extractCodeContext(file string, line int) string {
	path := file
	if !filepath.IsAbs(path) && en.projectRoot != "" {
		path = filepath.Join(en.projectRoot, file)
	}
	f, err := os.Open(path)
	if err != nil {
		en.logger.Debug("Code context unavailable.", zap.String("file", file), zap.Error(err))
		return ""
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		if n < line-contextRadius {
			continue
		}
		if n > line+contextRadius {
			break
		}
		marker := "  "
		if n == line {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%4d | %s\n", marker, n, scanner.Text())
	}
	return b.String()
}

func bugTitle(e schemas.CapturedError) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(e.Type)), truncate(firstLine(e.Message), 100))
}

func reproSteps(e schemas.CapturedError) []string {
	steps := []string{fmt.Sprintf("Navigate to %s", e.URL)}
	switch e.Type {
	case schemas.ErrorTypeNetwork, schemas.ErrorTypeGraphQL:
		steps = append(steps, "Open the network panel and wait for the page's API calls to settle")
	default:
		steps = append(steps, "Open the browser console")
	}
	steps = append(steps, fmt.Sprintf("Observe: %s", firstLine(e.Message)))
	return steps
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
