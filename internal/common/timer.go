// Package common provides shared utilities including timing functionality.
package common

import (
	"log/slog"
	"time"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/metrics"
)

// Timer measures the duration of one operation and, when stopped, logs it and
// records it on the bound metrics scope.
type Timer struct {
	start time.Time
	task  string
	scope metrics.Scope
	log   *slog.Logger
}

// StartTimer begins timing a task against a metrics scope.
func StartTimer(log *slog.Logger, scope metrics.Scope, task string) *Timer {
	return &Timer{start: time.Now(), task: task, scope: scope, log: log}
}

// Stop ends the timer, records the duration metric, and emits a debug log
// line. It returns the elapsed duration.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.scope.ObserveDuration(elapsed.Seconds())
	if t.log != nil {
		t.log.Debug(t.task, "duration", elapsed)
	}
	return elapsed
}
