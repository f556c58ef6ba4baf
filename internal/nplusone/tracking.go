package nplusone

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/domain"
)

// QueryTrace is one statement observed during a request.
type QueryTrace struct {
	NormalizedSQL string        `json:"normalized_sql"`
	SQL           string        `json:"sql"`
	Params        []any         `json:"-"`
	Duration      time.Duration `json:"duration"`
	Start         time.Time     `json:"start"`
	CallSite      []string      `json:"call_site,omitempty"`
}

// TrackingContext collects the statements of one request. It stops
// accepting traces once finished.
type TrackingContext struct {
	RequestID string
	StartedAt time.Time

	frames int
	mu     sync.Mutex
	traces []QueryTrace
	closed bool
}

type trackingKey struct{}

func newTrackingContext(requestID string, frames int) *TrackingContext {
	return &TrackingContext{RequestID: requestID, StartedAt: time.Now(), frames: frames}
}

// FromContext returns the tracking context opened for this request, if any.
func FromContext(ctx context.Context) *TrackingContext {
	tc, _ := ctx.Value(trackingKey{}).(*TrackingContext)
	return tc
}

// RecordQuery appends a statement to the request's tracking context. It is a
// no-op when ctx carries none or the context is already finished.
func RecordQuery(ctx context.Context, sql string, params []any, dur time.Duration) {
	tc := FromContext(ctx)
	if tc == nil {
		return
	}
	now := time.Now()
	tc.record(QueryTrace{
		NormalizedSQL: domain.NormalizeSQL(sql),
		SQL:           sql,
		Params:        params,
		Duration:      dur,
		Start:         now.Add(-dur),
		CallSite:      callSite(tc.frames),
	})
}

func (tc *TrackingContext) record(t QueryTrace) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}
	tc.traces = append(tc.traces, t)
}

// Len returns the number of recorded statements.
func (tc *TrackingContext) Len() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.traces)
}

// Closed reports whether FinishTracking already ran.
func (tc *TrackingContext) Closed() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.closed
}

// finish closes the context and hands over its traces. Only the first call
// returns them.
func (tc *TrackingContext) finish() []QueryTrace {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return nil
	}
	tc.closed = true
	traces := tc.traces
	tc.traces = nil
	return traces
}

// Frames from these packages belong to the data-access path, not the caller.
var internalFrames = []string{
	"runtime.",
	"github.com/guillermoBallester/pgtuner/internal/nplusone.",
	"github.com/guillermoBallester/pgtuner/internal/adapter/postgres.",
	"github.com/guillermoBallester/pgtuner/internal/routing.",
	"github.com/jackc/pgx/",
}

// callSite returns up to n "function file:line" entries of the code that
// issued the statement.
func callSite(n int) []string {
	if n <= 0 {
		return nil
	}
	pcs := make([]uintptr, 32)
	count := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:count])

	var out []string
	for len(out) < n {
		f, more := frames.Next()
		if !isInternalFrame(f.Function) {
			out = append(out, fmt.Sprintf("%s %s:%d", f.Function, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	return out
}

func isInternalFrame(fn string) bool {
	for _, prefix := range internalFrames {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}
