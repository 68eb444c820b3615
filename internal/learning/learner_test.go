// File: internal/learning/learner_test.go
package learning

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vigilhq/vigil/internal/config"
	"github.com/vigilhq/vigil/internal/schemas"
	"github.com/vigilhq/vigil/internal/storage"
)

func testConfig() config.LearningConfig {
	return config.LearningConfig{
		MinSuggestRate:    0.5,
		PruneMaxAgeDays:   30,
		PruneMinRate:      0.3,
		PruneMinUsages:    3,
		KeepIfUsedAtLeast: 5,
	}
}

func newTestLearner(t *testing.T) *Learner {
	t.Helper()
	store, err := storage.New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	l, err := New(zaptest.NewLogger(t), testConfig(), store)
	require.NoError(t, err)
	return l
}

func bugWith(msg string, t schemas.ErrorType) schemas.DiagnosedBug {
	return schemas.DiagnosedBug{
		ID:       "bug-1",
		Category: t,
		Error: schemas.CapturedError{
			Type:    t,
			Message: msg,
		},
	}
}

func sampleFix() schemas.SuggestedFix {
	return schemas.SuggestedFix{
		Description: "Guard the access with optional chaining.",
		Changes: []schemas.CodeChange{{
			File:    "src/components/UserCard.tsx",
			Search:  "user.profile.name",
			Replace: "user?.profile?.name",
		}},
	}
}

func TestNewSeedsDefaultsOnFirstRun(t *testing.T) {
	t.Parallel()
	l := newTestLearner(t)
	assert.Len(t, l.Patterns(), 4)
}

func TestPatternsPersistAcrossRestarts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := storage.New(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	l, err := New(zaptest.NewLogger(t), testConfig(), store)
	require.NoError(t, err)
	require.NoError(t, l.LearnFromSuccess(bugWith("Cannot read property 'email' of undefined in widget", schemas.ErrorTypeConsole), sampleFix()))
	before := len(l.Patterns())

	reloaded, err := New(zaptest.NewLogger(t), testConfig(), store)
	require.NoError(t, err)
	assert.Len(t, reloaded.Patterns(), before)
}

func TestLearnFromSuccessMintsAndReinforces(t *testing.T) {
	t.Parallel()
	l := newTestLearner(t)

	bug := bugWith("ReferenceError: widgetCount is not defined at line 42", schemas.ErrorTypeConsole)
	require.NoError(t, l.LearnFromSuccess(bug, sampleFix()))

	var learned *schemas.FixPattern
	for _, p := range l.Patterns() {
		if p.Template.Search == "user.profile.name" {
			cp := p
			learned = &cp
		}
	}
	require.NotNil(t, learned)
	assert.Equal(t, 1.0, learned.SuccessRate)
	assert.Equal(t, 1, learned.TimesUsed)

	// Same logical error with different literals folds into the same pattern.
	again := bugWith("ReferenceError: widgetCount is not defined at line 97", schemas.ErrorTypeConsole)
	require.NoError(t, l.LearnFromSuccess(again, sampleFix()))

	count := 0
	for _, p := range l.Patterns() {
		if p.Template.Search == "user.profile.name" {
			count++
			assert.Equal(t, 1.0, p.SuccessRate)
			assert.Equal(t, 2, p.TimesUsed)
		}
	}
	assert.Equal(t, 1, count)
}

func TestSuccessRateIsWeightedAverage(t *testing.T) {
	t.Parallel()
	l := newTestLearner(t)

	bug := bugWith("unique failure shape alpha", schemas.ErrorTypeConsole)
	require.NoError(t, l.LearnFromSuccess(bug, sampleFix()))
	require.NoError(t, l.LearnFromSuccess(bug, sampleFix()))
	require.NoError(t, l.LearnFromFailure(bug))

	found := false
	for _, p := range l.Patterns() {
		if p.TimesUsed == 3 && p.Template.Search == "user.profile.name" {
			found = true
			// (1*2 + 0) / 3
			assert.InDelta(t, 2.0/3.0, p.SuccessRate, 0.0001)
		}
	}
	assert.True(t, found)
}

func TestRepeatedFailuresOnlyDecrease(t *testing.T) {
	t.Parallel()
	l := newTestLearner(t)

	bug := bugWith("unique failure shape beta", schemas.ErrorTypeConsole)
	require.NoError(t, l.LearnFromSuccess(bug, sampleFix()))

	prev := 1.0
	for i := 0; i < 5; i++ {
		require.NoError(t, l.LearnFromFailure(bug))
		var rate float64
		for _, p := range l.Patterns() {
			if p.Template.Search == "user.profile.name" {
				rate = p.SuccessRate
			}
		}
		assert.Less(t, rate, prev)
		prev = rate
	}
}

func TestLearnFromFailureDecaysAppliedPattern(t *testing.T) {
	t.Parallel()
	l := newTestLearner(t)

	l.mu.Lock()
	l.patterns = append(l.patterns, schemas.FixPattern{
		ID:          "applied",
		ErrorRegex:  `completely unrelated shape`,
		ErrorType:   schemas.ErrorTypeConsole,
		SuccessRate: 0.9,
		TimesUsed:   4,
		LastUsed:    time.Now(),
	})
	l.mu.Unlock()

	// The generalized message matches nothing; only the recorded pattern ID
	// identifies which pattern produced the applied fix.
	bug := bugWith("TypeError: something novel exploded", schemas.ErrorTypeConsole)
	bug.Fix = &schemas.SuggestedFix{PatternID: "applied"}
	require.NoError(t, l.LearnFromFailure(bug))

	for _, p := range l.Patterns() {
		if p.ID == "applied" {
			assert.Equal(t, 5, p.TimesUsed)
			assert.InDelta(t, (0.9*4+0)/5, p.SuccessRate, 0.0001)
			return
		}
	}
	t.Fatal("applied pattern missing")
}

func TestSeedsCarryNoApplyableTemplate(t *testing.T) {
	t.Parallel()
	for _, p := range seedPatterns() {
		assert.Empty(t, p.Template.Search, p.ID)
		assert.Empty(t, p.Template.Replace, p.ID)
		assert.NotEmpty(t, p.Template.Description, p.ID)
	}
}

func TestLearnFromFailureUnknownShapeIsNoop(t *testing.T) {
	t.Parallel()
	l := newTestLearner(t)
	before := len(l.Patterns())
	require.NoError(t, l.LearnFromFailure(bugWith("never seen before", schemas.ErrorTypeConsole)))
	assert.Len(t, l.Patterns(), before)
}

func TestSuggestFixFloorAndOrdering(t *testing.T) {
	t.Parallel()
	l := newTestLearner(t)

	e := schemas.CapturedError{
		Type:    schemas.ErrorTypeConsole,
		Message: "TypeError: Cannot read property 'name' of undefined",
	}
	got := l.SuggestFix(e)
	require.NotNil(t, got)
	assert.GreaterOrEqual(t, got.SuccessRate, 0.5)

	// A better-rated matching pattern wins over the seeds.
	l.mu.Lock()
	l.patterns = append(l.patterns, schemas.FixPattern{
		ID:          "winner",
		ErrorRegex:  `(?i)cannot read property`,
		ErrorType:   schemas.ErrorTypeConsole,
		SuccessRate: 0.95,
		TimesUsed:   4,
		LastUsed:    time.Now(),
	}, schemas.FixPattern{
		ID:          "below-floor",
		ErrorRegex:  `(?i)cannot read property`,
		ErrorType:   schemas.ErrorTypeConsole,
		SuccessRate: 0.2,
		TimesUsed:   4,
		LastUsed:    time.Now(),
	})
	l.mu.Unlock()

	best := l.SuggestFix(e)
	require.NotNil(t, best)
	assert.Equal(t, "winner", best.ID)
}

func TestSuggestFixRespectsErrorType(t *testing.T) {
	t.Parallel()
	l := newTestLearner(t)

	e := schemas.CapturedError{
		Type:    schemas.ErrorTypeNetwork,
		Message: "TypeError: Cannot read property 'name' of undefined",
	}
	assert.Nil(t, l.SuggestFix(e), "console-typed seed must not fire for a network error")
}

func TestPruneUnusedPatterns(t *testing.T) {
	t.Parallel()
	l := newTestLearner(t)

	l.mu.Lock()
	l.patterns = append(l.patterns,
		schemas.FixPattern{
			ID: "stale", ErrorType: schemas.ErrorTypeConsole,
			LastUsed: time.Now().AddDate(0, 0, -60), TimesUsed: 1, SuccessRate: 0.9,
		},
		schemas.FixPattern{
			ID: "stale-but-proven", ErrorType: schemas.ErrorTypeConsole,
			LastUsed: time.Now().AddDate(0, 0, -60), TimesUsed: 9, SuccessRate: 0.9,
		},
	)
	l.mu.Unlock()

	removed, err := l.PruneUnusedPatterns()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ids := map[string]bool{}
	for _, p := range l.Patterns() {
		ids[p.ID] = true
	}
	assert.False(t, ids["stale"])
	assert.True(t, ids["stale-but-proven"])
}

func TestPruneLowSuccessPatterns(t *testing.T) {
	t.Parallel()
	l := newTestLearner(t)

	l.mu.Lock()
	l.patterns = append(l.patterns,
		schemas.FixPattern{ID: "failing", TimesUsed: 5, SuccessRate: 0.1, LastUsed: time.Now()},
		schemas.FixPattern{ID: "unproven", TimesUsed: 1, SuccessRate: 0.1, LastUsed: time.Now()},
	)
	l.mu.Unlock()

	removed, err := l.PruneLowSuccessPatterns()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ids := map[string]bool{}
	for _, p := range l.Patterns() {
		ids[p.ID] = true
	}
	assert.False(t, ids["failing"])
	assert.True(t, ids["unproven"], "patterns without enough usage stay")
}

func TestGeneralizeMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		a, b     string
		distinct string
	}{
		{
			name: "numbers generalize",
			a:    "timeout after 3000 ms on attempt 2",
			b:    "timeout after 9500 ms on attempt 7",
		},
		{
			name:     "quoted literals generalize",
			a:        `Cannot read property 'name' of undefined`,
			b:        `Cannot read property 'email' of undefined`,
			distinct: `Cannot resolve module 'react'`,
		},
		{
			name: "double-quoted literals generalize",
			a:    `Cannot find module "left-pad"`,
			b:    `Cannot find module "right-pad"`,
		},
		{
			name: "paths generalize",
			a:    "ENOENT: no such file /var/app/build/main.js",
			b:    "ENOENT: no such file /srv/other/dist/app.js",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rx := regexp.MustCompile(GeneralizeMessage(tt.a))
			assert.True(t, rx.MatchString(tt.a), "regex must match its own source")
			assert.True(t, rx.MatchString(tt.b), "regex must match the generalized family")
			if tt.distinct != "" {
				assert.False(t, rx.MatchString(tt.distinct))
			}
		})
	}
}
