// Package iceserver serves the STUN/TURN directory handed to clients.
package iceserver

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
	"callcore-backend/pkg/cache"
	"callcore-backend/pkg/config"
	"callcore-backend/pkg/logger"
)

const directoryTTL = time.Minute

// Repository lists stored servers for a region and the global region
type Repository interface {
	ListActive(ctx context.Context, region string) ([]domain.ICEServer, error)
}

// Service merges stored servers with the configured ones
type Service struct {
	repo   Repository
	static []domain.ICEServer
	cache  *cache.MemoryCache
	now    func() time.Time
}

// NewService creates a directory. repo may be nil, in which case only the
// configured servers are offered.
func NewService(repo Repository, configured []config.ICEServerConfig) *Service {
	static := lo.Map(configured, func(c config.ICEServerConfig, _ int) domain.ICEServer {
		region := c.Region
		if region == "" {
			region = domain.GlobalRegion
		}
		return domain.ICEServer{
			URLs:       c.URLs,
			Username:   c.Username,
			Credential: c.Credential,
			Priority:   c.Priority,
			ServerType: domain.ICEServerType(c.ServerType),
			Region:     region,
			IsActive:   true,
		}
	})

	return &Service{
		repo:   repo,
		static: static,
		cache:  cache.NewMemoryCache(directoryTTL, 256),
		now:    time.Now,
	}
}

// List returns the servers usable in region, highest priority first.
// Lookup failures fall back to the configured servers.
func (s *Service) List(ctx context.Context, region string) []webrtc.ICEServer {
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" {
		region = domain.GlobalRegion
	}

	v, err := s.cache.GetOrLoad("ice:"+region, directoryTTL, func() (interface{}, error) {
		return s.load(ctx, region)
	})
	if err != nil {
		logger.Warn("ICE server lookup failed, using configured servers",
			zap.String("region", region),
			zap.Error(err))
		return s.convert(s.forRegion(s.static, region))
	}
	return s.convert(v.([]domain.ICEServer))
}

func (s *Service) load(ctx context.Context, region string) ([]domain.ICEServer, error) {
	var stored []domain.ICEServer
	if s.repo != nil {
		var err error
		if stored, err = s.repo.ListActive(ctx, region); err != nil {
			return nil, err
		}
	}
	return s.forRegion(append(stored, s.static...), region), nil
}

func (s *Service) forRegion(servers []domain.ICEServer, region string) []domain.ICEServer {
	now := s.now()
	matched := lo.Filter(servers, func(srv domain.ICEServer, _ int) bool {
		return srv.Usable(now) && (srv.Region == region || srv.Region == domain.GlobalRegion)
	})
	matched = lo.UniqBy(matched, func(srv domain.ICEServer) string {
		return strings.Join(srv.URLs, ",")
	})
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})
	return matched
}

func (s *Service) convert(servers []domain.ICEServer) []webrtc.ICEServer {
	return lo.Map(servers, func(srv domain.ICEServer, _ int) webrtc.ICEServer {
		return srv.WebRTC()
	})
}
