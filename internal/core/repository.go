package core

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository defines the store contract the core consumes. All operations
// participate in the caller's active unit of work when invoked through the
// Repository handed to a WithTransaction callback.
type Repository interface {
	// Device operations
	CreateDevice(ctx context.Context, device *Device) error
	SaveDevice(ctx context.Context, device *Device) error
	FindDeviceByIdentity(ctx context.Context, project, name string) (*Device, error)
	FindDeviceByID(ctx context.Context, id uint) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)

	// Module operations
	SaveModule(ctx context.Context, module *Module) error
	FindModule(ctx context.Context, deviceID uint, moduleType, name string) (*Module, error)
	FindActiveModules(ctx context.Context, deviceID uint) ([]*Module, error)
	ListModules(ctx context.Context, deviceID uint) ([]*Module, error)

	// Audit log operations
	AppendAuditLog(ctx context.Context, entry *AuditLogEntry) error
	ListAuditLogs(ctx context.Context, deviceID uint, limit int) ([]*AuditLogEntry, error)

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository wraps a gorm handle in the store contract.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// WithTransaction runs fn inside a database transaction. The Repository
// passed to fn is bound to the transaction; an error from fn rolls back
// every write made through it.
func (r *repository) WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewRepository(tx))
	})
}

// CreateDevice inserts a new device row. Two racing first-contact events for
// the same (project, name) must not produce two rows: the insert backs off
// on the identity uniqueness constraint and reports gorm.ErrDuplicatedKey so
// the caller can re-resolve by identity.
func (r *repository) CreateDevice(ctx context.Context, d *Device) error {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project"}, {Name: "name"}},
		DoNothing: true,
	}).Create(d)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrDuplicatedKey
	}
	return nil
}

func (r *repository) SaveDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Save(d).Error
}

func (r *repository) FindDeviceByIdentity(ctx context.Context, project, name string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).
		Where("project = ? AND name = ?", project, name).
		First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *repository) FindDeviceByID(ctx context.Context, id uint) (*Device, error) {
	var d Device
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *repository) ListDevices(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	return devices, r.db.WithContext(ctx).Order("project, name").Find(&devices).Error
}

func (r *repository) SaveModule(ctx context.Context, m *Module) error {
	return r.db.WithContext(ctx).Save(m).Error
}

// FindModule resolves a module by its identity triple. Inside a transaction
// the row is locked for update so two racing status snapshots for the same
// device cannot lose each other's writes.
func (r *repository) FindModule(ctx context.Context, deviceID uint, moduleType, name string) (*Module, error) {
	var m Module
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("device_id = ? AND module_type = ? AND name = ?", deviceID, moduleType, name).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *repository) FindActiveModules(ctx context.Context, deviceID uint) ([]*Module, error) {
	var modules []*Module
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("device_id = ? AND active = ?", deviceID, true).
		Find(&modules).Error
	return modules, err
}

func (r *repository) ListModules(ctx context.Context, deviceID uint) ([]*Module, error) {
	var modules []*Module
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("module_type, name").
		Find(&modules).Error
	return modules, err
}

func (r *repository) AppendAuditLog(ctx context.Context, entry *AuditLogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListAuditLogs returns a device's audit trail in insertion order, ascending.
func (r *repository) ListAuditLogs(ctx context.Context, deviceID uint, limit int) ([]*AuditLogEntry, error) {
	var entries []*AuditLogEntry
	q := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return entries, q.Find(&entries).Error
}
