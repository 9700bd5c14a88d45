package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRefresher struct {
	calls int
	err   error
}

func (c *countingRefresher) RefreshPolicies(context.Context) error {
	c.calls++
	return c.err
}

type stubReloader struct {
	paths []string
	err   error
}

func (s *stubReloader) Reload(path string) error {
	s.paths = append(s.paths, path)
	return s.err
}

func TestRefreshScheduler_Run(t *testing.T) {
	policies := &countingRefresher{}
	reloader := &stubReloader{}
	rs, err := NewRefreshScheduler(policies, reloader, "rules.yaml", "0 */5 * * * *")
	require.NoError(t, err)

	require.NoError(t, rs.Run(context.Background()))

	assert.Equal(t, 1, policies.calls)
	assert.Equal(t, []string{"rules.yaml"}, reloader.paths)
}

func TestRefreshScheduler_RulesFailureStillRefreshesPolicies(t *testing.T) {
	// GIVEN: The rules file is broken
	policies := &countingRefresher{}
	reloader := &stubReloader{err: errors.New("line 3: bad indentation")}
	rs, err := NewRefreshScheduler(policies, reloader, "rules.yaml", "@every 1m")
	require.NoError(t, err)

	// WHEN
	err = rs.Run(context.Background())

	// THEN: Policies were still refreshed, the rules error is reported
	assert.Equal(t, 1, policies.calls)
	assert.ErrorContains(t, err, "bad indentation")
}

func TestRefreshScheduler_WithoutRules(t *testing.T) {
	policies := &countingRefresher{err: errors.New("store closed")}
	rs, err := NewRefreshScheduler(policies, nil, "", "@every 1m")
	require.NoError(t, err)

	assert.ErrorContains(t, rs.Run(context.Background()), "store closed")
}

func TestRefreshScheduler_StepSpecsFireEveryFiveMinutes(t *testing.T) {
	from := time.Date(2024, time.June, 3, 10, 2, 30, 0, time.UTC)

	for _, spec := range []string{"0 0/5 * * * *", "0 */5 * * * *"} {
		t.Run(spec, func(t *testing.T) {
			rs, err := NewRefreshScheduler(&countingRefresher{}, nil, "", spec)
			require.NoError(t, err)

			entries := rs.cron.Entries()
			require.Len(t, entries, 1)
			next := entries[0].Schedule.Next(from)
			assert.Equal(t, time.Date(2024, time.June, 3, 10, 5, 0, 0, time.UTC), next)
			assert.Equal(t, time.Date(2024, time.June, 3, 10, 10, 0, 0, time.UTC), entries[0].Schedule.Next(next))
		})
	}
}

func TestRefreshScheduler_InvalidSpec(t *testing.T) {
	_, err := NewRefreshScheduler(&countingRefresher{}, nil, "", "every five minutes")

	assert.Error(t, err)
}

func TestRefreshScheduler_StartStop(t *testing.T) {
	rs, err := NewRefreshScheduler(&countingRefresher{}, nil, "", "0 0 3 * * *")
	require.NoError(t, err)

	rs.Start()
	rs.Start()
	rs.Stop()
	rs.Stop()
}
