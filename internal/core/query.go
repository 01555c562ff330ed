package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/gateway/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// deviceCacheTTL is deliberately short: telemetry mutates devices constantly
// and the cache is never invalidated on write.
const deviceCacheTTL = 30 * time.Second

// QueryService is the read-only surface over the store: pass-through reads,
// no reconciliation logic. Callers observe only persisted end state.
type QueryService struct {
	repo   Repository
	cache  *infrastructure.Cache
	logger *logrus.Logger
}

func NewQueryService(repo Repository, cache *infrastructure.Cache, logger *logrus.Logger) *QueryService {
	return &QueryService{
		repo:   repo,
		cache:  cache,
		logger: logger,
	}
}

func (s *QueryService) ListDevices(ctx context.Context) ([]*Device, error) {
	return s.repo.ListDevices(ctx)
}

func (s *QueryService) GetDevice(ctx context.Context, id uint) (*Device, error) {
	if cached := s.getCachedDevice(ctx, id); cached != nil {
		return cached, nil
	}

	device, err := s.repo.FindDeviceByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	s.cacheDevice(ctx, device)
	return device, nil
}

func (s *QueryService) ListDeviceModules(ctx context.Context, deviceID uint) ([]*Module, error) {
	if _, err := s.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	return s.repo.ListModules(ctx, deviceID)
}

func (s *QueryService) ListDeviceLogs(ctx context.Context, deviceID uint, limit int) ([]*AuditLogEntry, error) {
	if _, err := s.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, deviceID, limit)
}

func (s *QueryService) cacheDevice(ctx context.Context, device *Device) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(device)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, deviceCacheKey(device.ID), string(data), deviceCacheTTL); err != nil {
		s.logger.WithError(err).WithField("device_id", device.ID).Debug("Failed to cache device")
	}
}

func (s *QueryService) getCachedDevice(ctx context.Context, id uint) *Device {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, deviceCacheKey(id))
	if err != nil {
		return nil
	}
	var device Device
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		return nil
	}
	return &device
}

func deviceCacheKey(id uint) string {
	return fmt.Sprintf("device:%d", id)
}

// Services bundles the gateway's service layer for wiring.
type Services struct {
	Ingest   *IngestionRouter
	Dispatch *ControlDispatcher
	Query    *QueryService
}
