package core

import (
	"context"
	"time"

	"example.com/backstage/services/gateway/internal/infrastructure"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Notifier is the outbound notification port the ingestion router calls
// after a successful commit. Delivery is at most once and fire-and-forget;
// no subscriber is assumed to exist.
type Notifier interface {
	DeviceInactive(ctx context.Context, device *Device)
	DeviceError(ctx context.Context, device *Device, errText string)
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (NoopNotifier) DeviceInactive(context.Context, *Device)      {}
func (NoopNotifier) DeviceError(context.Context, *Device, string) {}

// FleetEvent is the envelope published to the notification queue.
type FleetEvent struct {
	EventID   string    `json:"event_id"`
	Event     string    `json:"event"`
	Device    *Device   `json:"device"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	eventDeviceInactive = "device_inactive"
	eventDeviceError    = "device_error"
)

// FleetNotifier publishes fleet events to the messaging queue. Publish
// failures are logged, never propagated: a lost notification must not fail
// an already committed ingest.
type FleetNotifier struct {
	messaging *infrastructure.Messaging
	logger    *logrus.Logger
}

func NewFleetNotifier(messaging *infrastructure.Messaging, logger *logrus.Logger) *FleetNotifier {
	return &FleetNotifier{messaging: messaging, logger: logger}
}

func (n *FleetNotifier) DeviceInactive(ctx context.Context, device *Device) {
	n.publish(ctx, &FleetEvent{
		EventID:   uuid.New().String(),
		Event:     eventDeviceInactive,
		Device:    device,
		Timestamp: time.Now().UTC(),
	})
}

func (n *FleetNotifier) DeviceError(ctx context.Context, device *Device, errText string) {
	n.publish(ctx, &FleetEvent{
		EventID:   uuid.New().String(),
		Event:     eventDeviceError,
		Device:    device,
		Error:     errText,
		Timestamp: time.Now().UTC(),
	})
}

func (n *FleetNotifier) publish(ctx context.Context, event *FleetEvent) {
	if err := n.messaging.Publish(ctx, event.Event, event); err != nil {
		n.logger.WithError(err).WithFields(logrus.Fields{
			"event":     event.Event,
			"device_id": event.Device.ID,
		}).Error("Failed to publish fleet event")
	}
}
