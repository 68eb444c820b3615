// File: internal/collector/collector.go
package collector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/schemas"
)

// Normalization strips volatile fragments so logically identical errors
// hash to the same value.
var (
	quotedRegex = regexp.MustCompile(`"(?:\\.|[^"\\])*"|'(?:\\.|[^'\\])*'`)
	hexIDRegex  = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	numberRegex = regexp.MustCompile(`\b\d+\b`)
	pathRegex   = regexp.MustCompile(`(/[\w.\-]+)+`)
	reactRegex  = regexp.MustCompile(`(?i)(minified react error|invariant violation|rendered (more|fewer) hooks|cannot update a component)`)
)

// Collector ingests raw page-level signals, drops known noise, deduplicates
// by (type, normalized message, URL) and assigns severity. It is the only
// writer of its record map; a daemon cycle reads snapshots between phases.
type Collector struct {
	logger *zap.Logger
	cfg    config.CollectorConfig

	mu     sync.Mutex
	errors map[string]*schemas.CapturedError
}

// New creates an error collector.
func New(logger *zap.Logger, cfg config.CollectorConfig) *Collector {
	return &Collector{
		logger: logger.Named("collector"),
		cfg:    cfg,
		errors: make(map[string]*schemas.CapturedError),
	}
}

// Ingest records one observation. It returns the captured error the event
// collapsed into and true when the observation minted a new record. Noise
// returns (nil, false).
func (c *Collector) Ingest(ev PageEvent) (*schemas.CapturedError, bool) {
	if c.isNoise(ev.Message) {
		c.logger.Debug("Dropping noisy event.", zap.String("message", truncate(ev.Message, 120)))
		return nil, false
	}

	errType := ev.errorType()
	// React render failures arrive as console errors; reclassify by shape.
	if errType == schemas.ErrorTypeConsole && reactRegex.MatchString(ev.Message) {
		errType = schemas.ErrorTypeReact
	}

	hash := Hash(errType, ev.Message, ev.URL)
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.errors[hash]; ok {
		existing.Occurrences++
		existing.LastSeen = now
		c.logger.Debug("Duplicate observation collapsed.",
			zap.String("hash", hash),
			zap.Int("occurrences", existing.Occurrences))
		copied := *existing
		return &copied, false
	}

	rec := &schemas.CapturedError{
		ID:          uuid.New().String(),
		Timestamp:   now,
		LastSeen:    now,
		URL:         ev.URL,
		Type:        errType,
		Message:     ev.Message,
		Severity:    c.severityOf(ev, errType),
		Console:     capEvidence(ev.Console, c.cfg.MaxEvidence),
		Network:     capEvidence(ev.Network, c.cfg.MaxEvidence),
		Screenshot:  ev.Screenshot,
		Hash:        hash,
		Occurrences: 1,
	}
	c.errors[hash] = rec

	c.logger.Info("New error captured.",
		zap.String("type", string(rec.Type)),
		zap.String("severity", string(rec.Severity)),
		zap.String("url", rec.URL),
		zap.String("message", truncate(rec.Message, 160)))

	copied := *rec
	return &copied, true
}

// Snapshot returns all captured errors ordered by first-seen time.
func (c *Collector) Snapshot() []schemas.CapturedError {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]schemas.CapturedError, 0, len(c.errors))
	for _, e := range c.errors {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Reset clears the record map. Used between daemon sessions, not cycles:
// dedup state must survive cycle boundaries so recurring errors accumulate
// occurrence counts instead of reopening bugs.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = make(map[string]*schemas.CapturedError)
}

// severityOf applies the fixed priority table.
func (c *Collector) severityOf(ev PageEvent, errType schemas.ErrorType) schemas.Severity {
	switch {
	case ev.Kind == KindException || ev.Kind == KindServerCrash:
		return schemas.SeverityCritical
	case ev.Kind == KindNetwork && ev.StatusCode >= 500:
		return schemas.SeverityCritical
	case ev.Kind == KindBlankPage || errType == schemas.ErrorTypeReact:
		return schemas.SeverityHigh
	case ev.Kind == KindNetwork && (ev.StatusCode == 401 || ev.StatusCode == 403):
		return schemas.SeverityHigh
	case ev.Kind == KindNetwork && ev.StatusCode >= 400:
		return schemas.SeverityMedium
	case ev.Kind == KindTimeout || ev.Kind == KindGraphQL:
		return schemas.SeverityMedium
	case ev.Kind == KindConsole && strings.EqualFold(ev.Level, "warning"):
		return schemas.SeverityLow
	}
	return schemas.SeverityMedium
}

func (c *Collector) isNoise(message string) bool {
	for _, p := range c.cfg.NoisePatterns {
		if p != "" && strings.Contains(message, p) {
			return true
		}
	}
	return false
}

// Hash derives the stable identity of an error from its type, normalized
// message and source URL.
func Hash(t schemas.ErrorType, message, url string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", t, Normalize(message), url)))
	return hex.EncodeToString(sum[:16])
}

// Normalize collapses volatile fragments (literals, ids, numbers, paths) so
// the same logical error always produces the same hash.
func Normalize(message string) string {
	m := quotedRegex.ReplaceAllString(message, `"<str>"`)
	m = pathRegex.ReplaceAllString(m, "<path>")
	m = hexIDRegex.ReplaceAllString(m, "<id>")
	m = numberRegex.ReplaceAllString(m, "<n>")
	return strings.TrimSpace(strings.ToLower(m))
}

func capEvidence[T any](in []T, max int) []T {
	if max <= 0 || len(in) <= max {
		return in
	}
	return in[len(in)-max:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
