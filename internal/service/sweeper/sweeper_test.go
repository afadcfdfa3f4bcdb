package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCalls is a mock implementation of RingingExpirer
type MockCalls struct {
	mock.Mock
}

func (m *MockCalls) ExpireRinging(ctx context.Context, timeout time.Duration) (int, error) {
	args := m.Called(ctx, timeout)
	return args.Int(0), args.Error(1)
}

// MockGroups is a mock implementation of GroupExpirer
type MockGroups struct {
	mock.Mock
}

func (m *MockGroups) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

func testConfig() Config {
	return Config{Interval: 5 * time.Second, RingingTimeout: 60 * time.Second, GroupInviteTimeout: 45 * time.Second}
}

func TestSweep_UsesConfiguredTimeouts(t *testing.T) {
	calls, groups := new(MockCalls), new(MockGroups)

	// Setup expectations
	calls.On("ExpireRinging", mock.Anything, 60*time.Second).Return(2, nil).Once()
	groups.On("ExpireStale", mock.Anything, 45*time.Second).Return(1, nil).Once()

	s, err := New(calls, groups, testConfig(), nil)
	require.NoError(t, err)

	// Execute
	s.Sweep(context.Background())

	// Assert
	calls.AssertExpectations(t)
	groups.AssertExpectations(t)
}

func TestSweep_ContinuesAfterFailure(t *testing.T) {
	calls, groups := new(MockCalls), new(MockGroups)

	calls.On("ExpireRinging", mock.Anything, mock.Anything).Return(0, errors.New("db down")).Once()
	groups.On("ExpireStale", mock.Anything, mock.Anything).Return(0, nil).Once()

	s, err := New(calls, groups, testConfig(), nil)
	require.NoError(t, err)

	s.Sweep(context.Background())

	groups.AssertExpectations(t)
}

func TestSchedule_RunsAndStops(t *testing.T) {
	calls := new(MockCalls)
	ran := make(chan struct{}, 10)
	calls.On("ExpireRinging", mock.Anything, mock.Anything).Return(0, nil).Run(func(mock.Arguments) {
		ran <- struct{}{}
	})

	cfg := testConfig()
	cfg.Interval = time.Second
	s, err := New(calls, nil, cfg, nil)
	require.NoError(t, err)

	s.Start()
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("sweep did not run")
	}
	s.Stop()

	assert.GreaterOrEqual(t, len(calls.Calls), 1)
}
