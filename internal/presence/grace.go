package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callcore-backend/pkg/constants"
	"callcore-backend/pkg/logger"
)

// ExpireFunc runs when a user stayed offline for the whole grace period
type ExpireFunc func(ctx context.Context, userID uuid.UUID)

// graceTimer identifies one arming so a superseded timer can tell it is stale
type graceTimer struct {
	timer *time.Timer
}

// GraceTracker delays disconnect handling so a quick reconnect keeps calls alive
type GraceTracker struct {
	mu       sync.Mutex
	timers   map[uuid.UUID]*graceTimer
	grace    time.Duration
	isOnline func(uuid.UUID) bool
	onExpire []ExpireFunc
}

// NewGraceTracker attaches a tracker to registry
func NewGraceTracker(registry *Registry, grace time.Duration, hooks ...ExpireFunc) *GraceTracker {
	g := &GraceTracker{
		timers:   make(map[uuid.UUID]*graceTimer),
		grace:    grace,
		isOnline: registry.IsOnline,
		onExpire: hooks,
	}
	registry.OnChange(g.observe)
	return g
}

func (g *GraceTracker) observe(userID uuid.UUID, online bool) {
	if online {
		g.Cancel(userID)
		return
	}
	g.Arm(userID)
}

// Arm starts (or restarts) the grace timer of userID
func (g *GraceTracker) Arm(userID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.timers[userID]; ok {
		prev.timer.Stop()
	}
	entry := &graceTimer{}
	entry.timer = time.AfterFunc(g.grace, func() { g.expire(userID, entry) })
	g.timers[userID] = entry
}

// Cancel stops the grace timer of userID if one is pending
func (g *GraceTracker) Cancel(userID uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.timers[userID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(g.timers, userID)
	return true
}

// Pending returns the number of armed timers
func (g *GraceTracker) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}

// Stop cancels every pending timer
func (g *GraceTracker) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, entry := range g.timers {
		entry.timer.Stop()
		delete(g.timers, id)
	}
}

// expire runs for one arming. A timer that already fired when Stop was called
// by a re-Arm must leave the newer entry alone.
func (g *GraceTracker) expire(userID uuid.UUID, entry *graceTimer) {
	g.mu.Lock()
	if g.timers[userID] != entry {
		g.mu.Unlock()
		return
	}
	delete(g.timers, userID)
	g.mu.Unlock()

	if g.isOnline(userID) {
		return
	}

	logger.Info("Disconnect grace expired",
		zap.String("user_id", userID.String()))

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()
	for _, fn := range g.onExpire {
		fn(ctx, userID)
	}
}
