// File: internal/learning/learner.go
package learning

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/schemas"
	"github.com/vigilhq/vigil/internal/storage"
)

const patternsDoc = "fix-patterns"

// Learner accumulates fix patterns across runs. Every successful fix either
// reinforces an existing pattern or mints a new one; failures decay the
// matching pattern's success rate. Patterns persist as a flat JSON document.
type Learner struct {
	logger *zap.Logger
	cfg    config.LearningConfig
	store  *storage.Store

	mu       sync.Mutex
	patterns []schemas.FixPattern
}

// New loads the persisted pattern set, seeding defaults on first run.
func New(logger *zap.Logger, cfg config.LearningConfig, store *storage.Store) (*Learner, error) {
	l := &Learner{
		logger: logger.Named("learning"),
		cfg:    cfg,
		store:  store,
	}

	var persisted []schemas.FixPattern
	err := store.Load(patternsDoc, &persisted)
	switch {
	case err == nil:
		l.patterns = persisted
	case os.IsNotExist(err):
		l.patterns = seedPatterns()
		if err := l.persistLocked(); err != nil {
			return nil, fmt.Errorf("failed to seed fix patterns: %w", err)
		}
		l.logger.Info("Seeded default fix patterns.", zap.Int("count", len(l.patterns)))
	default:
		return nil, fmt.Errorf("failed to load fix patterns: %w", err)
	}

	return l, nil
}

// LearnFromSuccess records a fix that merged and survived production
// verification. The error message is generalized into a regex; a matching
// existing pattern is reinforced, otherwise a new pattern starts at rate 1.0.
func (l *Learner) LearnFromSuccess(bug schemas.DiagnosedBug, fix schemas.SuggestedFix) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p := l.findByIDLocked(fix.PatternID); p != nil {
		reinforce(p, 1.0)
		l.logger.Info("Reinforced applied fix pattern.",
			zap.String("pattern_id", p.ID),
			zap.Float64("success_rate", p.SuccessRate),
			zap.Int("times_used", p.TimesUsed))
		return l.persistLocked()
	}

	rx := GeneralizeMessage(bug.Error.Message)

	if p := l.findLocked(rx, bug.Category); p != nil {
		reinforce(p, 1.0)
		l.logger.Info("Reinforced fix pattern.",
			zap.String("pattern_id", p.ID),
			zap.Float64("success_rate", p.SuccessRate),
			zap.Int("times_used", p.TimesUsed))
		return l.persistLocked()
	}

	p := schemas.FixPattern{
		ID:          uuid.New().String(),
		ErrorRegex:  rx,
		ErrorType:   bug.Category,
		Template:    templateFrom(fix),
		SuccessRate: 1.0,
		TimesUsed:   1,
		LastUsed:    time.Now(),
	}
	l.patterns = append(l.patterns, p)
	l.logger.Info("Learned new fix pattern.",
		zap.String("pattern_id", p.ID),
		zap.String("error_regex", rx))
	return l.persistLocked()
}

// LearnFromFailure decays the pattern behind a fix that failed its gates or
// was rolled back. The pattern that produced the applied fix is decayed when
// its ID is recorded on the fix; the generalized-message lookup is only a
// fallback. Unknown shapes are ignored; there is nothing to decay.
func (l *Learner) LearnFromFailure(bug schemas.DiagnosedBug) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var p *schemas.FixPattern
	if bug.Fix != nil {
		p = l.findByIDLocked(bug.Fix.PatternID)
	}
	if p == nil {
		p = l.findLocked(GeneralizeMessage(bug.Error.Message), bug.Category)
	}
	if p == nil {
		return nil
	}
	reinforce(p, 0.0)
	l.logger.Info("Decayed fix pattern after failure.",
		zap.String("pattern_id", p.ID),
		zap.Float64("success_rate", p.SuccessRate))
	return l.persistLocked()
}

// SuggestFix returns the highest-rated pattern matching the error, or nil
// when nothing clears the suggestion floor.
func (l *Learner) SuggestFix(e schemas.CapturedError) *schemas.FixPattern {
	l.mu.Lock()
	defer l.mu.Unlock()

	var best *schemas.FixPattern
	for i := range l.patterns {
		p := &l.patterns[i]
		if p.ErrorType != e.Type || p.SuccessRate < l.cfg.MinSuggestRate {
			continue
		}
		rx, err := regexp.Compile(p.ErrorRegex)
		if err != nil {
			l.logger.Warn("Skipping pattern with invalid regex.",
				zap.String("pattern_id", p.ID), zap.Error(err))
			continue
		}
		if !rx.MatchString(e.Message) {
			continue
		}
		if best == nil || p.SuccessRate > best.SuccessRate {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	copied := *best
	return &copied
}

// PruneUnusedPatterns drops patterns idle beyond the age cutoff, keeping any
// that have proven themselves often enough regardless of age.
func (l *Learner) PruneUnusedPatterns() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -l.cfg.PruneMaxAgeDays)
	return l.pruneLocked(func(p schemas.FixPattern) bool {
		return p.LastUsed.Before(cutoff) && p.TimesUsed < l.cfg.KeepIfUsedAtLeast
	})
}

// PruneLowSuccessPatterns drops patterns that have been tried enough times
// to judge and still sit below the success floor.
func (l *Learner) PruneLowSuccessPatterns() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pruneLocked(func(p schemas.FixPattern) bool {
		return p.TimesUsed >= l.cfg.PruneMinUsages && p.SuccessRate < l.cfg.PruneMinRate
	})
}

// Patterns returns a copy of the current pattern set, best-rated first.
func (l *Learner) Patterns() []schemas.FixPattern {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]schemas.FixPattern, len(l.patterns))
	copy(out, l.patterns)
	sort.Slice(out, func(i, j int) bool { return out[i].SuccessRate > out[j].SuccessRate })
	return out
}

func (l *Learner) pruneLocked(drop func(schemas.FixPattern) bool) (int, error) {
	kept := l.patterns[:0]
	removed := 0
	for _, p := range l.patterns {
		if drop(p) {
			removed++
			l.logger.Info("Pruned fix pattern.",
				zap.String("pattern_id", p.ID),
				zap.Float64("success_rate", p.SuccessRate),
				zap.Int("times_used", p.TimesUsed))
			continue
		}
		kept = append(kept, p)
	}
	l.patterns = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, l.persistLocked()
}

func (l *Learner) findByIDLocked(id string) *schemas.FixPattern {
	if id == "" {
		return nil
	}
	for i := range l.patterns {
		if l.patterns[i].ID == id {
			return &l.patterns[i]
		}
	}
	return nil
}

func (l *Learner) findLocked(rx string, t schemas.ErrorType) *schemas.FixPattern {
	for i := range l.patterns {
		if l.patterns[i].ErrorRegex == rx && l.patterns[i].ErrorType == t {
			return &l.patterns[i]
		}
	}
	return nil
}

func (l *Learner) persistLocked() error {
	return l.store.Save(patternsDoc, l.patterns)
}

// reinforce folds one outcome (1.0 success, 0.0 failure) into the running
// weighted average, so established rates move slowly.
func reinforce(p *schemas.FixPattern, outcome float64) {
	p.SuccessRate = (p.SuccessRate*float64(p.TimesUsed) + outcome) / float64(p.TimesUsed+1)
	p.TimesUsed++
	p.LastUsed = time.Now()
}

func templateFrom(fix schemas.SuggestedFix) schemas.FixTemplate {
	t := schemas.FixTemplate{Description: fix.Description}
	if len(fix.Changes) > 0 {
		ch := fix.Changes[0]
		t.FileGlob = ch.File
		t.Search = ch.Search
		t.Replace = ch.Replace
	}
	return t
}

var (
	genQuotedRegex = regexp.MustCompile(`"(?:\\.|[^"\\])*"|'(?:\\.|[^'\\])*'`)
	genPathRegex   = regexp.MustCompile(`(/[\w.\-]+){2,}`)
	genHexRegex    = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	genNumRegex    = regexp.MustCompile(`\b\d+\b`)
)

// GeneralizeMessage turns one concrete error message into a regex that
// matches the whole family: literals, paths, ids and numbers become
// wildcards, everything else is quoted verbatim.
func GeneralizeMessage(message string) string {
	m := genQuotedRegex.ReplaceAllString(message, "\x00STR\x00")
	m = genPathRegex.ReplaceAllString(m, "\x00PATH\x00")
	m = genHexRegex.ReplaceAllString(m, "\x00ID\x00")
	m = genNumRegex.ReplaceAllString(m, "\x00NUM\x00")

	m = regexp.QuoteMeta(m)

	m = strings.ReplaceAll(m, "\x00STR\x00", `["'].*?["']`)
	m = strings.ReplaceAll(m, "\x00PATH\x00", `\S+`)
	m = strings.ReplaceAll(m, "\x00ID\x00", `[0-9a-fA-F]+`)
	m = strings.ReplaceAll(m, "\x00NUM\x00", `\d+`)
	return m
}
