package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Publisher is the outbound transport capability the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// DispatchReport aggregates the per-device outcome of one control batch.
type DispatchReport struct {
	Published      []uint          `json:"published"`
	UnknownDevices []uint          `json:"unknown_devices"`
	PublishFailed  map[uint]string `json:"publish_failed,omitempty"`
}

func newDispatchReport() *DispatchReport {
	return &DispatchReport{PublishFailed: make(map[uint]string)}
}

// ControlDispatcher groups module-control intents by owning device and
// publishes one command message per device to its private control topic.
type ControlDispatcher struct {
	repo      Repository
	publisher Publisher
	logger    *logrus.Logger
}

func NewControlDispatcher(repo Repository, publisher Publisher, logger *logrus.Logger) *ControlDispatcher {
	return &ControlDispatcher{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// Dispatch sends a heterogeneous batch of intents, grouped by each intent's
// DeviceID. A device that cannot be found or published to is recorded in the
// report and the rest of the batch proceeds; the returned error covers only
// store failures that prevent processing at all.
//
// When a single module appears more than once within one device's group, the
// execution order of those intents on the device is unspecified.
func (d *ControlDispatcher) Dispatch(ctx context.Context, intents []ControlIntent) (*DispatchReport, error) {
	groups := make(map[uint][]ControlIntent)
	for _, intent := range intents {
		groups[intent.DeviceID] = append(groups[intent.DeviceID], intent)
	}

	report := newDispatchReport()
	for deviceID, group := range groups {
		if err := d.dispatchGroup(ctx, deviceID, group, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// DispatchToDevice sends a batch already scoped to one device, overriding
// any device ids carried by the intents themselves.
func (d *ControlDispatcher) DispatchToDevice(ctx context.Context, deviceID uint, intents []ControlIntent) (*DispatchReport, error) {
	report := newDispatchReport()
	if err := d.dispatchGroup(ctx, deviceID, intents, report); err != nil {
		return report, err
	}
	return report, nil
}

func (d *ControlDispatcher) dispatchGroup(ctx context.Context, deviceID uint, intents []ControlIntent, report *DispatchReport) error {
	device, err := d.repo.FindDeviceByID(ctx, deviceID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		d.logger.WithFields(logrus.Fields{
			"device_id": deviceID,
			"intents":   len(intents),
		}).Error("Dropping control intents for unknown device")
		report.UnknownDevices = append(report.UnknownDevices, deviceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up device %d: %w", deviceID, err)
	}

	commands := make([]controlCommand, 0, len(intents))
	for _, intent := range intents {
		commands = append(commands, controlCommand{
			Module: intent.Module,
			Name:   intent.Name,
			Action: intent.Action,
			Value:  intent.Value,
		})
	}

	payload, err := json.Marshal(commands)
	if err != nil {
		return fmt.Errorf("encode control payload for device %d: %w", deviceID, err)
	}

	if err := d.publisher.Publish(ctx, device.ControlTopic, payload); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"device_id": deviceID,
			"topic":     device.ControlTopic,
		}).Error("Failed to publish control message")
		report.PublishFailed[deviceID] = err.Error()
		return nil
	}

	// The audit trail records only commands that actually went out.
	entry := newAuditEntry(deviceID, AuditOutgoingControl, string(payload))
	if err := d.repo.AppendAuditLog(ctx, entry); err != nil {
		return fmt.Errorf("audit control dispatch for device %d: %w", deviceID, err)
	}

	d.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"topic":     device.ControlTopic,
		"commands":  len(commands),
	}).Info("Control message dispatched")
	report.Published = append(report.Published, deviceID)
	return nil
}
