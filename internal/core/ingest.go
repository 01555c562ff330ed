package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// errMissingErrorField is written to the audit trail when a device reports
// on the error topic without an error description. Device payloads do not
// reliably carry the field.
const errMissingErrorField = "Error message is missing!"

// IngestionRouter consumes inbound telemetry messages, classifies them by
// topic and applies them to the store. Every message is handled inside one
// transaction spanning identity resolution, field updates, module
// reconciliation and audit writes; notifications go out only after commit.
//
// The router is stateless and safe for concurrent invocation.
type IngestionRouter struct {
	repo       Repository
	resolver   *IdentityResolver
	reconciler *ModuleReconciler
	notifier   Notifier
	logger     *logrus.Logger
}

func NewIngestionRouter(repo Repository, resolver *IdentityResolver, reconciler *ModuleReconciler, notifier Notifier, logger *logrus.Logger) *IngestionRouter {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &IngestionRouter{
		repo:       repo,
		resolver:   resolver,
		reconciler: reconciler,
		notifier:   notifier,
		logger:     logger,
	}
}

// Handle processes one inbound telemetry message. Messages on unknown
// topics are logged and dropped without error; parse and persistence
// failures are surfaced to the caller, which owns redelivery.
func (r *IngestionRouter) Handle(ctx context.Context, topic string, payload []byte) error {
	switch topic {
	case TopicStatus:
		return r.handleStatus(ctx, payload)
	case TopicInactive:
		return r.handleInactive(ctx, payload)
	case TopicError:
		return r.handleError(ctx, payload)
	default:
		r.logger.WithField("topic", topic).Warn("Unrecognized topic, message dropped")
		return nil
	}
}

func (r *IngestionRouter) handleStatus(ctx context.Context, payload []byte) error {
	var body statusPayload
	if err := parsePayload(payload, &body, &body.ID); err != nil {
		r.logger.WithError(err).WithField("payload", string(payload)).Error("Dropping malformed status message")
		return err
	}

	return r.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		device, err := r.resolver.ResolveOrCreate(ctx, tx, body.ID.Project, body.ID.name())
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		device.Active = true
		device.LastSeen = &now
		if err := tx.SaveDevice(ctx, device); err != nil {
			return fmt.Errorf("save device %d: %w", device.ID, err)
		}

		_, err = r.reconciler.Reconcile(ctx, tx, device.ID, body.Modules)
		return err
	})
}

func (r *IngestionRouter) handleInactive(ctx context.Context, payload []byte) error {
	var body eventPayload
	if err := parsePayload(payload, &body, &body.ID); err != nil {
		r.logger.WithError(err).WithField("payload", string(payload)).Error("Dropping malformed inactive message")
		return err
	}

	var device *Device
	err := r.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		device, err = r.resolver.ResolveOrCreate(ctx, tx, body.ID.Project, body.ID.name())
		if err != nil {
			return err
		}

		device.Active = false
		if device.LastSeen == nil {
			// Last seen reflects the last positive contact; only fill it
			// in when the inactivity notice is the first contact ever.
			now := time.Now().UTC()
			device.LastSeen = &now
		}
		if err := tx.SaveDevice(ctx, device); err != nil {
			return fmt.Errorf("save device %d: %w", device.ID, err)
		}

		return tx.AppendAuditLog(ctx, newAuditEntry(device.ID, AuditIncomingInactive, "Device is inactive."))
	})
	if err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"device_id": device.ID,
		"project":   device.Project,
		"name":      device.Name,
	}).Info("Device went inactive")
	r.notifier.DeviceInactive(ctx, device)
	return nil
}

func (r *IngestionRouter) handleError(ctx context.Context, payload []byte) error {
	var body eventPayload
	if err := parsePayload(payload, &body, &body.ID); err != nil {
		r.logger.WithError(err).WithField("payload", string(payload)).Error("Dropping malformed error message")
		return err
	}

	var device *Device
	errText := body.Error

	err := r.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		device, err = r.resolver.ResolveOrCreate(ctx, tx, body.ID.Project, body.ID.name())
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		device.Active = true
		device.LastSeen = &now
		if err := tx.SaveDevice(ctx, device); err != nil {
			return fmt.Errorf("save device %d: %w", device.ID, err)
		}

		if errText == "" {
			r.logger.WithFields(logrus.Fields{
				"device_id": device.ID,
				"project":   device.Project,
				"name":      device.Name,
			}).Error("Error report without error message")
			errText = errMissingErrorField
		}

		return tx.AppendAuditLog(ctx, newAuditEntry(device.ID, AuditIncomingError, errText))
	})
	if err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"device_id": device.ID,
		"error":     errText,
	}).Warn("Device reported an error")
	r.notifier.DeviceError(ctx, device, errText)
	return nil
}

// parsePayload decodes an inbound payload and validates its identity block.
func parsePayload(payload []byte, dst any, id *deviceIdentity) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if id.Project == "" || id.name() == "" {
		return fmt.Errorf("%w: missing device identity", ErrMalformedPayload)
	}
	return nil
}
