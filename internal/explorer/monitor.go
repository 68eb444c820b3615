// File: internal/explorer/monitor.go
package explorer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/vigilhq/vigil/internal/collector"
	"github.com/vigilhq/vigil/internal/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// evidenceWindow caps how much recent console/network history rides along
// with each emitted event.
const evidenceWindow = 10

// Monitor listens to CDP events on one browser tab and converts anomalies
// into collector events: console errors, uncaught exceptions, failed or
// error-status requests, and GraphQL responses that carry an errors array.
type Monitor struct {
	logger     *zap.Logger
	sessionCtx context.Context
	events     chan<- collector.PageEvent

	mu            sync.Mutex
	pageURL       string
	requests      map[network.RequestID]*network.Request
	recentConsole []schemas.ConsoleEntry
	recentNetwork []schemas.NetworkEntry
	started       bool
}

// NewMonitor attaches a monitor to a session context. Start must be called
// before navigation so early events are not missed.
func NewMonitor(sessionCtx context.Context, logger *zap.Logger, events chan<- collector.PageEvent) *Monitor {
	return &Monitor{
		logger:     logger.Named("monitor"),
		sessionCtx: sessionCtx,
		events:     events,
		requests:   make(map[network.RequestID]*network.Request),
	}
}

// Start enables the CDP domains and begins dispatching events.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	chromedp.ListenTarget(m.sessionCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			m.handleRequestWillBeSent(e)
		case *network.EventResponseReceived:
			m.handleResponseReceived(e)
		case *network.EventLoadingFailed:
			m.handleLoadingFailed(e)
		case *runtime.EventConsoleAPICalled:
			m.handleConsoleAPICalled(e)
		case *runtime.EventExceptionThrown:
			m.handleExceptionThrown(e)
		case *log.EventEntryAdded:
			m.handleLogEntryAdded(e)
		}
	})

	if err := chromedp.Run(m.sessionCtx,
		network.Enable(),
		runtime.Enable(),
		log.Enable(),
	); err != nil {
		return fmt.Errorf("failed to enable CDP domains: %w", err)
	}

	m.logger.Debug("Monitor listening for page events.")
	return nil
}

// SetPageURL records the route currently being exercised; emitted events are
// attributed to it.
func (m *Monitor) SetPageURL(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageURL = url
	// Evidence from the previous route would mislead diagnosis.
	m.recentConsole = nil
	m.recentNetwork = nil
}

func (m *Monitor) handleRequestWillBeSent(e *network.EventRequestWillBeSent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[e.RequestID] = e.Request
}

func (m *Monitor) handleResponseReceived(e *network.EventResponseReceived) {
	m.mu.Lock()
	req := m.requests[e.RequestID]
	method := "GET"
	if req != nil {
		method = req.Method
	}
	entry := schemas.NetworkEntry{
		Method:     method,
		URL:        e.Response.URL,
		StatusCode: int(e.Response.Status),
		Timestamp:  time.Now(),
	}
	m.recentNetwork = appendCapped(m.recentNetwork, entry, evidenceWindow)
	pageURL := m.pageURL
	consoleEv, networkEv := m.evidenceLocked()
	m.mu.Unlock()

	if e.Response.Status >= 400 {
		m.emit(collector.PageEvent{
			Kind:       collector.KindNetwork,
			URL:        pageURL,
			Message:    fmt.Sprintf("%s %s returned %d", method, e.Response.URL, int(e.Response.Status)),
			Method:     method,
			StatusCode: int(e.Response.Status),
			Timestamp:  time.Now(),
			Console:    consoleEv,
			Network:    networkEv,
		})
		return
	}

	if isGraphQLURL(e.Response.URL) {
		// The body is only available once loading finishes; fetch off the
		// event goroutine to avoid deadlocking the CDP dispatcher.
		go m.scanGraphQLBody(e.RequestID, method, e.Response.URL, pageURL)
	}
}

func (m *Monitor) handleLoadingFailed(e *network.EventLoadingFailed) {
	// Cancellations are routine during navigation, not failures.
	if e.Canceled || strings.Contains(e.ErrorText, "net::ERR_ABORTED") {
		return
	}

	m.mu.Lock()
	req := m.requests[e.RequestID]
	m.mu.Unlock()
	if req == nil || e.Type != network.ResourceTypeXHR && e.Type != network.ResourceTypeFetch && e.Type != network.ResourceTypeDocument {
		return
	}

	m.mu.Lock()
	entry := schemas.NetworkEntry{
		Method:    req.Method,
		URL:       req.URL,
		ErrorText: e.ErrorText,
		Timestamp: time.Now(),
	}
	m.recentNetwork = appendCapped(m.recentNetwork, entry, evidenceWindow)
	pageURL := m.pageURL
	consoleEv, networkEv := m.evidenceLocked()
	m.mu.Unlock()

	m.emit(collector.PageEvent{
		Kind:      collector.KindNetwork,
		URL:       pageURL,
		Message:   fmt.Sprintf("%s %s failed: %s", req.Method, req.URL, e.ErrorText),
		Method:    req.Method,
		ErrorText: e.ErrorText,
		Timestamp: time.Now(),
		Console:   consoleEv,
		Network:   networkEv,
	})
}

func (m *Monitor) handleConsoleAPICalled(e *runtime.EventConsoleAPICalled) {
	var text strings.Builder
	for i, arg := range e.Args {
		if i > 0 {
			text.WriteString(" ")
		}
		var val interface{}
		if arg.Value != nil && json.Unmarshal(arg.Value, &val) == nil {
			fmt.Fprintf(&text, "%v", val)
		} else if arg.Description != "" {
			text.WriteString(arg.Description)
		} else {
			fmt.Fprintf(&text, "[%s]", arg.Type)
		}
	}

	level := string(e.Type)
	entry := schemas.ConsoleEntry{
		Level:     level,
		Message:   text.String(),
		Source:    "console-api",
		Timestamp: eventTime(e.Timestamp),
	}

	m.mu.Lock()
	m.recentConsole = appendCapped(m.recentConsole, entry, evidenceWindow)
	pageURL := m.pageURL
	consoleEv, networkEv := m.evidenceLocked()
	m.mu.Unlock()

	if level != "error" && level != "warning" {
		return
	}

	m.emit(collector.PageEvent{
		Kind:      collector.KindConsole,
		URL:       pageURL,
		Message:   entry.Message,
		Level:     level,
		Timestamp: entry.Timestamp,
		Console:   consoleEv,
		Network:   networkEv,
	})
}

func (m *Monitor) handleExceptionThrown(e *runtime.EventExceptionThrown) {
	if e.ExceptionDetails == nil {
		return
	}
	text := e.ExceptionDetails.Text
	if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
		text = e.ExceptionDetails.Exception.Description
	}

	m.mu.Lock()
	pageURL := m.pageURL
	consoleEv, networkEv := m.evidenceLocked()
	m.mu.Unlock()

	m.emit(collector.PageEvent{
		Kind:      collector.KindException,
		URL:       pageURL,
		Message:   text,
		Timestamp: eventTime(e.Timestamp),
		Console:   consoleEv,
		Network:   networkEv,
	})
}

func (m *Monitor) handleLogEntryAdded(e *log.EventEntryAdded) {
	if e.Entry == nil || e.Entry.Level != log.LevelError {
		return
	}

	entry := schemas.ConsoleEntry{
		Level:     string(e.Entry.Level),
		Message:   e.Entry.Text,
		Source:    string(e.Entry.Source),
		Timestamp: eventTime(e.Entry.Timestamp),
	}

	m.mu.Lock()
	m.recentConsole = appendCapped(m.recentConsole, entry, evidenceWindow)
	pageURL := m.pageURL
	consoleEv, networkEv := m.evidenceLocked()
	m.mu.Unlock()

	m.emit(collector.PageEvent{
		Kind:      collector.KindConsole,
		URL:       pageURL,
		Message:   e.Entry.Text,
		Level:     "error",
		Timestamp: entry.Timestamp,
		Console:   consoleEv,
		Network:   networkEv,
	})
}

// scanGraphQLBody fetches a completed GraphQL response and emits an event
// when the payload carries a non-empty errors array. GraphQL failures hide
// behind HTTP 200, so status-code monitoring never sees them.
func (m *Monitor) scanGraphQLBody(id network.RequestID, method, url, pageURL string) {
	var body []byte
	err := chromedp.Run(m.sessionCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	if err != nil {
		m.logger.Debug("Could not fetch GraphQL response body.", zap.Error(err))
		return
	}

	var payload struct {
		Errors []struct {
			Message string `json:"message"`
			Path    []any  `json:"path"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &payload) != nil || len(payload.Errors) == 0 {
		return
	}

	msgs := make([]string, 0, len(payload.Errors))
	for _, ge := range payload.Errors {
		msgs = append(msgs, ge.Message)
	}

	m.mu.Lock()
	consoleEv, networkEv := m.evidenceLocked()
	m.mu.Unlock()

	m.emit(collector.PageEvent{
		Kind:       collector.KindGraphQL,
		URL:        pageURL,
		Message:    fmt.Sprintf("GraphQL errors from %s: %s", url, strings.Join(msgs, "; ")),
		Method:     method,
		StatusCode: 200,
		Timestamp:  time.Now(),
		Console:    consoleEv,
		Network:    networkEv,
	})
}

func (m *Monitor) evidenceLocked() ([]schemas.ConsoleEntry, []schemas.NetworkEntry) {
	c := make([]schemas.ConsoleEntry, len(m.recentConsole))
	copy(c, m.recentConsole)
	n := make([]schemas.NetworkEntry, len(m.recentNetwork))
	copy(n, m.recentNetwork)
	return c, n
}

func (m *Monitor) emit(ev collector.PageEvent) {
	select {
	case m.events <- ev:
	case <-m.sessionCtx.Done():
	}
}

func eventTime(ts *runtime.Timestamp) time.Time {
	if ts == nil {
		return time.Now()
	}
	return ts.Time()
}

func isGraphQLURL(url string) bool {
	return strings.Contains(strings.ToLower(url), "/graphql")
}

func appendCapped[T any](in []T, v T, max int) []T {
	in = append(in, v)
	if len(in) > max {
		in = in[len(in)-max:]
	}
	return in
}
