package iceserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callcore-backend/internal/domain"
	"callcore-backend/pkg/config"
)

// MockRepository is a mock implementation of Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) ListActive(ctx context.Context, region string) ([]domain.ICEServer, error) {
	args := m.Called(ctx, region)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ICEServer), args.Error(1)
}

var configured = []config.ICEServerConfig{
	{URLs: []string{"stun:stun.example.org:3478"}, ServerType: "stun", Priority: 1},
}

func TestList_MergesStoredAndConfiguredByPriority(t *testing.T) {
	repo := new(MockRepository)
	expired := time.Now().Add(-time.Hour)

	// Setup expectations
	repo.On("ListActive", mock.Anything, "eu").Return([]domain.ICEServer{
		{URLs: []string{"turn:turn-eu.example.org:3478"}, Username: "u", Credential: "p", ServerType: domain.ICEServerTURN, Priority: 10, Region: "eu", IsActive: true},
		{URLs: []string{"turn:old.example.org:3478"}, ServerType: domain.ICEServerTURN, Priority: 50, Region: "eu", IsActive: true, ExpiresAt: &expired},
	}, nil).Once()

	svc := NewService(repo, configured)

	// Execute
	servers := svc.List(context.Background(), " EU ")
	again := svc.List(context.Background(), "eu")

	// Assert
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"turn:turn-eu.example.org:3478"}, servers[0].URLs)
	assert.Equal(t, "u", servers[0].Username)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, servers[1].URLs)
	assert.Empty(t, servers[1].Username)
	assert.Equal(t, servers, again)
	repo.AssertExpectations(t)
}

func TestList_FallsBackToConfiguredOnError(t *testing.T) {
	repo := new(MockRepository)
	repo.On("ListActive", mock.Anything, domain.GlobalRegion).Return(nil, errors.New("db down"))

	svc := NewService(repo, configured)
	servers := svc.List(context.Background(), "")

	require.Len(t, servers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, servers[0].URLs)
}

func TestList_WithoutRepository(t *testing.T) {
	svc := NewService(nil, []config.ICEServerConfig{
		{URLs: []string{"stun:a"}, Region: "us"},
		{URLs: []string{"stun:b"}},
	})

	assert.Len(t, svc.List(context.Background(), "us"), 2)
	assert.Len(t, svc.List(context.Background(), "eu"), 1)
}
