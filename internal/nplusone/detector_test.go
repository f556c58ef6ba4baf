package nplusone

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const byIDQuery = "SELECT id, name FROM users WHERE id = $1"

func newTestDetector() *Detector {
	return NewDetector(DefaultConfig(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// recordAt appends a trace with an explicit start time.
func recordAt(tc *TrackingContext, sql string, params []any, start time.Time, dur time.Duration) {
	tc.record(QueryTrace{
		NormalizedSQL: domain.NormalizeSQL(sql),
		SQL:           sql,
		Params:        params,
		Duration:      dur,
		Start:         start,
	})
}

func TestFinishTracking_SelectByIDBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		count int
		want  int
	}{
		{"three lookups", 3, 0},
		{"four lookups", 4, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := newTestDetector()
			ctx, tc := d.StartTracking(context.Background(), "req-1")

			for i := 0; i < tt.count; i++ {
				RecordQuery(ctx, byIDQuery, []any{int64(i + 1)}, time.Millisecond)
			}

			issues := d.FinishTracking(ctx, tc)
			require.Len(t, issues, tt.want)
			if tt.want == 0 {
				return
			}
			issue := issues[0]
			assert.Equal(t, PatternSelectByID, issue.Pattern)
			assert.Equal(t, tt.count, issue.Occurrences)
			assert.Equal(t, "req-1", issue.RequestID)
			assert.Contains(t, issue.Suggestion, "IN (...)")
			assert.Contains(t, issue.Suggestion, "WHERE id")
			assert.InDelta(t, issue.TotalTimeMS-issue.AvgTimeMS, issue.WastedTimeMS, 0.001)
		})
	}
}

func TestFinishTracking_GapTooLarge(t *testing.T) {
	t.Parallel()
	d := newTestDetector()
	_, tc := d.StartTracking(context.Background(), "req")

	base := time.Now()
	for i := 0; i < 6; i++ {
		// 1ms statements, 200ms apart.
		recordAt(tc, byIDQuery, []any{int64(i)}, base.Add(time.Duration(i)*200*time.Millisecond), time.Millisecond)
	}
	assert.Empty(t, d.FinishTracking(context.Background(), tc))
}

func TestFinishTracking_GapMeasuredFromPreviousEnd(t *testing.T) {
	t.Parallel()
	d := newTestDetector()
	_, tc := d.StartTracking(context.Background(), "req")

	base := time.Now()
	for i := 0; i < 4; i++ {
		// 150ms statements starting 200ms apart leave 50ms idle gaps.
		recordAt(tc, byIDQuery, []any{int64(i)}, base.Add(time.Duration(i)*200*time.Millisecond), 150*time.Millisecond)
	}
	issues := d.FinishTracking(context.Background(), tc)
	require.Len(t, issues, 1)
	assert.InDelta(t, 50.0, issues[0].MeanGapMS, 0.01)
}

func TestFinishTracking_MixedParamTypes(t *testing.T) {
	t.Parallel()
	d := newTestDetector()
	ctx, tc := d.StartTracking(context.Background(), "req")

	for i := 0; i < 4; i++ {
		var p any = int64(i)
		if i == 2 {
			p = "2"
		}
		RecordQuery(ctx, byIDQuery, []any{p}, time.Millisecond)
	}
	// Shape differs and 4 <= RepeatThreshold, so nothing is reported.
	assert.Empty(t, d.FinishTracking(ctx, tc))
}

func TestFinishTracking_RepeatedQuery(t *testing.T) {
	t.Parallel()
	d := newTestDetector()
	ctx, tc := d.StartTracking(context.Background(), "req")

	for i := 0; i < 6; i++ {
		RecordQuery(ctx, "SELECT count(*) FROM orders WHERE status IN ('open', 'paid')", nil, time.Millisecond)
	}
	issues := d.FinishTracking(ctx, tc)
	require.Len(t, issues, 1)
	assert.Equal(t, PatternRepeatedQuery, issues[0].Pattern)
	assert.Equal(t, 6, issues[0].Occurrences)
}

func TestFinishTracking_DropsLateRecords(t *testing.T) {
	t.Parallel()
	d := newTestDetector()
	ctx, tc := d.StartTracking(context.Background(), "req")

	RecordQuery(ctx, byIDQuery, []any{int64(1)}, time.Millisecond)
	d.FinishTracking(ctx, tc)
	assert.True(t, tc.Closed())

	RecordQuery(ctx, byIDQuery, []any{int64(2)}, time.Millisecond)
	assert.Equal(t, 0, tc.Len())
	assert.Nil(t, d.FinishTracking(ctx, tc))
}

func TestRecordQuery_WithoutTracking(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() {
		RecordQuery(context.Background(), byIDQuery, nil, time.Millisecond)
	})
	assert.Nil(t, FromContext(context.Background()))
}

func TestStats_AggregateAndEvict(t *testing.T) {
	t.Parallel()
	d := newTestDetector()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	for r := 0; r < 2; r++ {
		ctx, tc := d.StartTracking(context.Background(), "req")
		for i := 0; i < 5; i++ {
			RecordQuery(ctx, byIDQuery, []any{int64(i)}, 2*time.Millisecond)
		}
		require.Len(t, d.FinishTracking(ctx, tc), 1)
	}

	stats := d.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Detections)
	assert.Equal(t, int64(10), stats[0].Queries)
	assert.Equal(t, PatternSelectByID, stats[0].Pattern)

	assert.Equal(t, 0, d.EvictExpired())

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, d.EvictExpired())
	assert.Empty(t, d.Stats())
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	d := newTestDetector()

	var seen *TrackingContext
	h := Middleware(d, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		for i := 0; i < 4; i++ {
			RecordQuery(r.Context(), byIDQuery, []any{int64(i)}, time.Millisecond)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.NotNil(t, seen)
	assert.Equal(t, "abc-123", seen.RequestID)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	assert.True(t, seen.Closed())
	require.Len(t, d.Stats(), 1)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36, "generated uuid")
}
