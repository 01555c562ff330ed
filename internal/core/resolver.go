package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// IdentityResolver maps a (project, name) identity to a device record,
// creating one on first contact.
type IdentityResolver struct {
	logger *logrus.Logger
}

func NewIdentityResolver(logger *logrus.Logger) *IdentityResolver {
	return &IdentityResolver{logger: logger}
}

// ResolveOrCreate looks up a device by identity and registers it if absent.
// The repo argument carries the caller's unit of work, so the registration
// and its audit entry commit or roll back with the enclosing transaction.
//
// Safe under concurrent first contact: a lost creation race is resolved as a
// find, never as a second row.
func (r *IdentityResolver) ResolveOrCreate(ctx context.Context, repo Repository, project, name string) (*Device, error) {
	device, err := repo.FindDeviceByIdentity(ctx, project, name)
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("resolve device %s/%s: %w", project, name, err)
	}

	now := time.Now().UTC()
	device = &Device{
		Project:      project,
		Name:         name,
		Active:       true,
		LastSeen:     &now,
		ControlTopic: ControlTopic(project, name),
	}

	if err := repo.CreateDevice(ctx, device); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Another first-contact event won the race.
			return repo.FindDeviceByIdentity(ctx, project, name)
		}
		return nil, fmt.Errorf("register device %s/%s: %w", project, name, err)
	}

	if err := repo.AppendAuditLog(ctx, newAuditEntry(device.ID, AuditStatusChange, "New device registered.")); err != nil {
		return nil, fmt.Errorf("audit device registration: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"device_id": device.ID,
		"project":   project,
		"name":      name,
		"topic":     device.ControlTopic,
	}).Info("New device registered")

	return device, nil
}
