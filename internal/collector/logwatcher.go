// File: internal/collector/logwatcher.go
package collector

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
)

var (
	newEntryRegex  = regexp.MustCompile(`^(\d{4}[-/]\d{2}[-/]\d{2}|\{.*"ts":|INFO|WARN|ERROR|DEBUG|panic:)`)
	crashRegex     = regexp.MustCompile(`("level":"(panic|fatal)"|panic:|FATAL ERROR|UnhandledPromiseRejection)`)
	locationRegex  = regexp.MustCompile(`\(?([\w./\-]+\.(?:go|js|ts|jsx|tsx)):(\d+)(?::\d+)?\)?`)
	jsonMsgRegex   = regexp.MustCompile(`"msg":"(.*?)"`)
	traceFlushWait = 100 * time.Millisecond
)

// LogWatcher tails the target application's server log and converts crash
// events into PageEvents for the collector. It buffers multi-line stack
// traces and flushes them either when a fresh log entry appears or after a
// short quiet period.
type LogWatcher struct {
	logger  *zap.Logger
	logPath string
	baseURL string
	events  chan<- PageEvent
}

// NewLogWatcher builds a watcher for the server log at logPath. Crash events
// carry baseURL as their source, since a server-side crash has no page URL.
func NewLogWatcher(logger *zap.Logger, logPath, baseURL string, events chan<- PageEvent) (*LogWatcher, error) {
	if logPath == "" {
		return nil, fmt.Errorf("server log path must be configured for crash detection")
	}
	return &LogWatcher{
		logger:  logger.Named("log-watcher"),
		logPath: logPath,
		baseURL: baseURL,
		events:  events,
	}, nil
}

// Start begins tailing the log. The monitor loop runs until ctx is done.
func (w *LogWatcher) Start(ctx context.Context) error {
	w.logger.Info("Starting server crash watcher.", zap.String("log", w.logPath))

	t, err := tail.TailFile(w.logPath, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: 2},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail server log: %w", err)
	}

	go w.monitorLoop(ctx, t)
	return nil
}

// monitorLoop buffers crash stack traces line by line. A trace ends when a
// new distinct log entry arrives or when the flush timer fires.
func (w *LogWatcher) monitorLoop(ctx context.Context, t *tail.Tail) {
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	var trace []string
	timeout := time.NewTimer(traceFlushWait)
	if !timeout.Stop() {
		<-timeout.C
	}

	flush := func() {
		if len(trace) == 0 {
			return
		}
		w.emitCrash(ctx, strings.Join(trace, "\n"))
		trace = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			w.logger.Info("Stopping server crash watcher.")
			return

		case line, ok := <-t.Lines:
			if !ok {
				flush()
				return
			}
			if line.Err != nil {
				w.logger.Warn("Error reading server log.", zap.Error(line.Err))
				continue
			}

			text := line.Text
			if len(trace) > 0 && newEntryRegex.MatchString(text) && !crashRegex.MatchString(text) {
				flush()
				if !timeout.Stop() {
					select {
					case <-timeout.C:
					default:
					}
				}
			}

			if crashRegex.MatchString(text) {
				if len(trace) == 0 {
					trace = append(trace, text)
					timeout.Reset(traceFlushWait)
				}
			} else if len(trace) > 0 {
				trace = append(trace, text)
				timeout.Reset(traceFlushWait)
			}

		case <-timeout.C:
			flush()
		}
	}
}

// emitCrash turns a buffered stack trace into a server-crash event.
func (w *LogWatcher) emitCrash(ctx context.Context, fullTrace string) {
	lines := strings.Split(fullTrace, "\n")
	msg := extractCrashMessage(lines[0])

	if file, line, ok := parseCrashLocation(fullTrace); ok {
		msg = fmt.Sprintf("%s (at %s:%d)", msg, file, line)
	}

	ev := PageEvent{
		Kind:      KindServerCrash,
		URL:       w.baseURL,
		Message:   msg,
		ErrorText: fullTrace,
		Timestamp: time.Now(),
	}

	w.logger.Warn("Server crash detected.", zap.String("message", msg))

	select {
	case w.events <- ev:
	case <-ctx.Done():
		w.logger.Warn("Context cancelled while reporting server crash.")
	}
}

// parseCrashLocation finds the first stack frame that points at application
// code, skipping runtimes and vendored dependencies.
func parseCrashLocation(trace string) (string, int, bool) {
	for _, line := range strings.Split(trace, "\n") {
		matches := locationRegex.FindStringSubmatch(strings.TrimSpace(line))
		if len(matches) != 3 {
			continue
		}
		file := matches[1]
		if strings.Contains(file, "node_modules/") ||
			strings.Contains(file, "runtime/") ||
			strings.Contains(file, "/go/src/") ||
			strings.Contains(file, "/vendor/") {
			continue
		}
		n, _ := strconv.Atoi(matches[2])
		return file, n, true
	}
	return "", 0, false
}

func extractCrashMessage(first string) string {
	if strings.HasPrefix(first, "{") {
		if m := jsonMsgRegex.FindStringSubmatch(first); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}
	if parts := strings.SplitN(first, "panic: ", 2); len(parts) > 1 {
		return "panic: " + strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(first)
}
