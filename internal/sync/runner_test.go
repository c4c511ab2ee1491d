package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		max      time.Duration
		failures int
		want     time.Duration
	}{
		{"no failures", time.Second, time.Minute, 0, 0},
		{"first failure", time.Second, time.Minute, 1, time.Second},
		{"doubles", time.Second, time.Minute, 3, 4 * time.Second},
		{"capped", time.Second, time.Minute, 10, time.Minute},
		{"cap below base", time.Minute, time.Second, 1, time.Second},
		{"uncapped", time.Second, 0, 4, 8 * time.Second},
		{"zero base", 0, time.Minute, 5, 0},
		{"uncapped saturates", time.Hour, 0, 200, longestDelay},
		{"uncapped huge failure count", time.Second, 0, 1 << 30, longestDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, backoffDelay(tt.base, tt.max, tt.failures))
		})
	}
}

func TestRunIsolated_PassesThrough(t *testing.T) {
	t.Parallel()

	report, err := runIsolated(context.Background(), testUser, func(_ context.Context, user string) (*PassReport, error) {
		return &PassReport{UserID: user}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, testUser, report.UserID)

	_, err = runIsolated(context.Background(), testUser, func(context.Context, string) (*PassReport, error) {
		return nil, ErrAuthExpired
	})
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestRunIsolated_RecoversPanic(t *testing.T) {
	t.Parallel()

	report, err := runIsolated(context.Background(), testUser, func(context.Context, string) (*PassReport, error) {
		var m map[string]int
		m["boom"]++

		return &PassReport{}, nil
	})

	assert.Nil(t, report)
	require.ErrorIs(t, err, ErrTransient)
	assert.Contains(t, err.Error(), testUser)
}
