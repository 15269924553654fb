package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerAggregatesWorstStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Check
		want   Status
	}{
		{
			name:   "all up",
			checks: map[string]Check{"postgres": PingCheck(func(context.Context) error { return nil })},
			want:   StatusUp,
		},
		{
			name: "one degraded",
			checks: map[string]Check{
				"postgres": PingCheck(func(context.Context) error { return nil }),
				"cycles":   StaleCheck(time.Minute, func() time.Time { return time.Now().Add(-time.Hour) }),
			},
			want: StatusDegraded,
		},
		{
			name: "down wins over degraded",
			checks: map[string]Check{
				"postgres": PingCheck(func(context.Context) error { return errors.New("refused") }),
				"cycles":   StaleCheck(time.Minute, func() time.Time { return time.Now().Add(-time.Hour) }),
			},
			want: StatusDown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			for name, check := range tt.checks {
				c.Register(name, check)
			}
			report := c.Run(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Components, len(tt.checks))
		})
	}
}

func TestStaleCheckBeforeFirstCycle(t *testing.T) {
	got := StaleCheck(time.Second, func() time.Time { return time.Time{} })(context.Background())
	assert.Equal(t, StatusUp, got.Status)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("postgres", PingCheck(func(context.Context) error { return errors.New("refused") }))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, "refused", report.Components["postgres"].Message)
}

func TestCheckTimeoutMarksDown(t *testing.T) {
	c := NewChecker()
	c.SetTimeout(20 * time.Millisecond)
	c.Register("redis", PingCheck(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	report := c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Components["redis"].Message)
}

func TestLiveHandlerReportsUptime(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
