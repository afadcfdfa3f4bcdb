package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (h *fakeHandle) Send(frame []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame)
	return true
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

// MockMirror is a mock implementation of Mirror
type MockMirror struct {
	mock.Mock
}

func (m *MockMirror) DeviceOnline(ctx context.Context, userID uuid.UUID, deviceID string) error {
	args := m.Called(ctx, userID, deviceID)
	return args.Error(0)
}

func (m *MockMirror) DeviceOffline(ctx context.Context, userID uuid.UUID, deviceID string) error {
	args := m.Called(ctx, userID, deviceID)
	return args.Error(0)
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil, nil)
	userID := uuid.New()
	h1, h2 := &fakeHandle{}, &fakeHandle{}

	assert.Nil(t, r.Register(userID, "phone", h1))
	assert.Nil(t, r.Register(userID, "laptop", h2))

	assert.True(t, r.IsOnline(userID))
	assert.ElementsMatch(t, []string{"phone", "laptop"}, r.Devices(userID))
	assert.Len(t, r.ConnectionsFor(userID), 2)
	assert.Equal(t, 2, r.Count())

	conn, ok := r.Lookup("phone")
	require.True(t, ok)
	assert.Equal(t, userID, conn.UserID)
	assert.Same(t, h1, conn.Handle)
}

func TestRegistry_ReRegisterReturnsSuperseded(t *testing.T) {
	r := NewRegistry(nil, nil)
	userID := uuid.New()
	oldHandle, newHandle := &fakeHandle{}, &fakeHandle{}

	r.Register(userID, "phone", oldHandle)
	superseded := r.Register(userID, "phone", newHandle)

	assert.Same(t, oldHandle, superseded)
	assert.Equal(t, 1, r.Count())

	// The stale connection shutting down must not remove the replacement.
	assert.False(t, r.UnregisterHandle("phone", oldHandle))
	conn, ok := r.Lookup("phone")
	require.True(t, ok)
	assert.Same(t, newHandle, conn.Handle)

	assert.True(t, r.UnregisterHandle("phone", newHandle))
	assert.False(t, r.IsOnline(userID))
}

func TestRegistry_DeviceMovesBetweenUsers(t *testing.T) {
	r := NewRegistry(nil, nil)
	alice, bob := uuid.New(), uuid.New()

	r.Register(alice, "shared-tablet", &fakeHandle{})
	r.Register(bob, "shared-tablet", &fakeHandle{})

	assert.False(t, r.IsOnline(alice))
	assert.True(t, r.IsOnline(bob))
	assert.Empty(t, r.ConnectionsFor(alice))
}

func TestRegistry_UnregisterReportsOffline(t *testing.T) {
	r := NewRegistry(nil, nil)
	userID := uuid.New()
	r.Register(userID, "phone", &fakeHandle{})
	r.Register(userID, "laptop", &fakeHandle{})

	owner, offline := r.Unregister("phone")
	assert.Equal(t, userID, owner)
	assert.False(t, offline)

	owner, offline = r.Unregister("laptop")
	assert.Equal(t, userID, owner)
	assert.True(t, offline)

	owner, offline = r.Unregister("unknown")
	assert.Equal(t, uuid.Nil, owner)
	assert.False(t, offline)
}

func TestRegistry_OnChangeEdges(t *testing.T) {
	r := NewRegistry(nil, nil)
	userID := uuid.New()
	var edges []bool
	r.OnChange(func(id uuid.UUID, online bool) {
		assert.Equal(t, userID, id)
		edges = append(edges, online)
	})

	r.Register(userID, "phone", &fakeHandle{})
	r.Register(userID, "laptop", &fakeHandle{})
	r.Register(userID, "phone", &fakeHandle{})
	r.Unregister("phone")
	r.Unregister("laptop")

	assert.Equal(t, []bool{true, false}, edges)
}

func TestRegistry_MirrorFailureDoesNotAffectState(t *testing.T) {
	mirror := new(MockMirror)
	r := NewRegistry(mirror, nil)
	userID := uuid.New()

	// Setup expectations
	mirror.On("DeviceOnline", mock.Anything, userID, "phone").Return(errors.New("redis down"))
	mirror.On("DeviceOffline", mock.Anything, userID, "phone").Return(nil)

	// Execute
	r.Register(userID, "phone", &fakeHandle{})

	// Assert
	assert.True(t, r.IsOnline(userID))
	r.Unregister("phone")
	assert.False(t, r.IsOnline(userID))
	mirror.AssertExpectations(t)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil, nil)
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := users[i%len(users)]
			device := fmt.Sprintf("device-%d", i%10)
			h := &fakeHandle{}
			r.Register(userID, device, h)
			r.ConnectionsFor(userID)
			r.UnregisterHandle(device, h)
		}(i)
	}
	wg.Wait()

	// Every device appears at most once and empty users are removed.
	for _, u := range users {
		for _, c := range r.ConnectionsFor(u) {
			conn, ok := r.Lookup(c.DeviceID)
			require.True(t, ok)
			assert.Equal(t, u, conn.UserID)
		}
		assert.Equal(t, len(r.ConnectionsFor(u)) > 0, r.IsOnline(u))
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry(nil, nil)
	h := &fakeHandle{}
	r.Register(uuid.New(), "phone", h)

	r.CloseAll()

	assert.True(t, h.closed)
}
