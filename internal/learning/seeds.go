// File: internal/learning/seeds.go
package learning

import (
	"time"

	"github.com/vigilhq/vigil/internal/schemas"
)

// seedPatterns bootstraps the store with the error families that come up
// constantly in React frontends. Seeds carry no Search/Replace text: they are
// diagnosis hints, never applied verbatim. Applyable templates only enter the
// store from observed fixes, so the first real outcome per family mints one.
// Rates start modest so real outcomes dominate quickly.
func seedPatterns() []schemas.FixPattern {
	now := time.Now()
	return []schemas.FixPattern{
		{
			ID:         "seed-null-deref-guard",
			ErrorRegex: `(?i)cannot read propert(y|ies) ["'].*?["'] of (undefined|null)`,
			ErrorType:  schemas.ErrorTypeConsole,
			Template: schemas.FixTemplate{
				Description: "Guard the property access with optional chaining.",
			},
			SuccessRate: 0.7,
			LastUsed:    now,
		},
		{
			ID:         "seed-missing-array-check",
			ErrorRegex: `(?i)\.(map|filter|forEach|reduce) is not a function`,
			ErrorType:  schemas.ErrorTypeConsole,
			Template: schemas.FixTemplate{
				Description: "Default the list to an empty array before iterating.",
			},
			SuccessRate: 0.7,
			LastUsed:    now,
		},
		{
			ID:         "seed-missing-await",
			ErrorRegex: `(?i)\[object promise\]|promise is not (a function|iterable)`,
			ErrorType:  schemas.ErrorTypeConsole,
			Template: schemas.FixTemplate{
				Description: "Await the async call whose promise leaked into the render path.",
			},
			SuccessRate: 0.6,
			LastUsed:    now,
		},
		{
			ID:         "seed-default-state-value",
			ErrorRegex: `(?i)cannot read propert(y|ies) ["'].*?["'] of undefined.*useState|useState\(\)`,
			ErrorType:  schemas.ErrorTypeReact,
			Template: schemas.FixTemplate{
				Description: "Give the state hook an explicit initial value.",
			},
			SuccessRate: 0.6,
			LastUsed:    now,
		},
	}
}
