// File: internal/collector/events.go
package collector

import (
	"time"

	"github.com/vigilhq/vigil/internal/schemas"
)

// EventKind identifies the raw signal shape handed to the collector by the
// exploration engine or the server-log watcher.
type EventKind string

const (
	KindConsole     EventKind = "console"
	KindException   EventKind = "exception"
	KindNetwork     EventKind = "network"
	KindTimeout     EventKind = "timeout"
	KindBlankPage   EventKind = "blank_page"
	KindGraphQL     EventKind = "graphql"
	KindServerCrash EventKind = "server_crash"
)

// PageEvent is one anomalous observation from a live session, before
// filtering and deduplication.
type PageEvent struct {
	Kind       EventKind
	URL        string
	Message    string
	Level      string // console level when Kind is console
	Method     string // network details when Kind is network
	StatusCode int
	ErrorText  string
	Timestamp  time.Time

	// Evidence captured alongside the observation.
	Console    []schemas.ConsoleEntry
	Network    []schemas.NetworkEntry
	Screenshot string
}

// errorType maps a raw event to the captured-error taxonomy. Server crashes
// surface to users as failed requests, so they are filed as network errors.
func (e PageEvent) errorType() schemas.ErrorType {
	switch e.Kind {
	case KindConsole, KindException:
		return schemas.ErrorTypeConsole
	case KindNetwork, KindServerCrash:
		return schemas.ErrorTypeNetwork
	case KindTimeout:
		return schemas.ErrorTypeTimeout
	case KindBlankPage:
		return schemas.ErrorTypeBlankPage
	case KindGraphQL:
		return schemas.ErrorTypeGraphQL
	}
	return schemas.ErrorTypeConsole
}
