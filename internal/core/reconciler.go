package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ModuleReconciler reconciles a freshly reported module set against the
// persisted module state of one device.
type ModuleReconciler struct {
	logger *logrus.Logger
}

func NewModuleReconciler(logger *logrus.Logger) *ModuleReconciler {
	return &ModuleReconciler{logger: logger}
}

// Reconcile applies one status snapshot's module readings to the store:
// unknown modules are created, inactive ones reactivated, changed values
// overwritten, and previously active modules missing from the report are
// inactivated. Creation, reactivation and inactivation each append an audit
// entry; pure value changes do not.
//
// An empty readings slice inactivates every active module of the device.
// When a report carries duplicate entries for the same (module, name), the
// later entry's value wins; callers must not rely on that ordering.
func (r *ModuleReconciler) Reconcile(ctx context.Context, repo Repository, deviceID uint, readings []ModuleReading) ([]*Module, error) {
	reported := make([]*Module, 0, len(readings))
	for _, reading := range readings {
		module, err := r.applyReading(ctx, repo, deviceID, reading)
		if err != nil {
			return nil, err
		}
		reported = append(reported, module)
	}

	active, err := repo.FindActiveModules(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list active modules for device %d: %w", deviceID, err)
	}

	for _, module := range active {
		if containsIdentity(reported, module) {
			continue
		}
		module.Active = false
		if err := repo.SaveModule(ctx, module); err != nil {
			return nil, fmt.Errorf("inactivate module %d: %w", module.ID, err)
		}
		msg := fmt.Sprintf("Module inactivated: %s", module)
		if err := repo.AppendAuditLog(ctx, newAuditEntry(deviceID, AuditStatusChange, msg)); err != nil {
			return nil, fmt.Errorf("audit module inactivation: %w", err)
		}
		r.logger.WithFields(logrus.Fields{
			"device_id": deviceID,
			"module":    module.ModuleType,
			"name":      module.Name,
		}).Info("Module inactivated")
	}

	return reported, nil
}

func (r *ModuleReconciler) applyReading(ctx context.Context, repo Repository, deviceID uint, reading ModuleReading) (*Module, error) {
	module, err := repo.FindModule(ctx, deviceID, reading.Module, reading.Name)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.registerModule(ctx, repo, deviceID, reading)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve module %s/%s: %w", reading.Module, reading.Name, err)
	}

	dirty := false

	if !module.Active {
		module.Active = true
		dirty = true
		msg := fmt.Sprintf("Module reactivated: %s", module)
		if err := repo.AppendAuditLog(ctx, newAuditEntry(deviceID, AuditStatusChange, msg)); err != nil {
			return nil, fmt.Errorf("audit module reactivation: %w", err)
		}
		r.logger.WithFields(logrus.Fields{
			"device_id": deviceID,
			"module":    module.ModuleType,
			"name":      module.Name,
		}).Info("Module reactivated")
	}

	// Value churn is expected and not state-worthy on its own.
	if module.Value != reading.Value {
		module.Value = reading.Value
		dirty = true
		r.logger.WithFields(logrus.Fields{
			"device_id": deviceID,
			"module":    module.ModuleType,
			"name":      module.Name,
			"value":     reading.Value,
		}).Debug("Module value updated")
	}

	if dirty {
		if err := repo.SaveModule(ctx, module); err != nil {
			return nil, fmt.Errorf("save module %d: %w", module.ID, err)
		}
	}

	return module, nil
}

func (r *ModuleReconciler) registerModule(ctx context.Context, repo Repository, deviceID uint, reading ModuleReading) (*Module, error) {
	module := &Module{
		DeviceID:   deviceID,
		ModuleType: reading.Module,
		Name:       reading.Name,
		Value:      reading.Value,
		Active:     true,
	}
	if err := repo.SaveModule(ctx, module); err != nil {
		return nil, fmt.Errorf("register module %s/%s: %w", reading.Module, reading.Name, err)
	}

	msg := fmt.Sprintf("New module registered: %s", module)
	if err := repo.AppendAuditLog(ctx, newAuditEntry(deviceID, AuditStatusChange, msg)); err != nil {
		return nil, fmt.Errorf("audit module registration: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"module":    module.ModuleType,
		"name":      module.Name,
	}).Info("New module registered")

	return module, nil
}

func containsIdentity(modules []*Module, target *Module) bool {
	for _, m := range modules {
		if m.SameIdentity(target) {
			return true
		}
	}
	return false
}
