package core

import (
	"fmt"
	"time"
)

// Device represents a field unit (an MCU hosting one or more modules).
// Identity is the (project, name) pair; the numeric ID is assigned by the
// store on first contact.
type Device struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	Project      string     `json:"project" gorm:"uniqueIndex:idx_devices_project_name;not null"`
	Name         string     `json:"name" gorm:"uniqueIndex:idx_devices_project_name;not null"`
	Active       bool       `json:"active" gorm:"default:true"`
	LastSeen     *time.Time `json:"last_seen"`
	ControlTopic string     `json:"control_topic" gorm:"not null"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Module is an addressable component on a device, e.g. a relay or a
// temperature sensor. Identity is (DeviceID, ModuleType, Name); Value and
// Active are state, not identity.
type Module struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	DeviceID   uint      `json:"device_id" gorm:"uniqueIndex:idx_modules_identity;index;not null"`
	ModuleType string    `json:"module" gorm:"uniqueIndex:idx_modules_identity;not null"`
	Name       string    `json:"name" gorm:"uniqueIndex:idx_modules_identity;not null"`
	Value      float64   `json:"value"`
	Active     bool      `json:"active" gorm:"default:true"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SameIdentity reports whether two modules address the same component.
func (m *Module) SameIdentity(other *Module) bool {
	return m.DeviceID == other.DeviceID &&
		m.ModuleType == other.ModuleType &&
		m.Name == other.Name
}

func (m *Module) String() string {
	return fmt.Sprintf("device=%d type=%s name=%s value=%v active=%t",
		m.DeviceID, m.ModuleType, m.Name, m.Value, m.Active)
}

// AuditKind classifies audit log entries.
type AuditKind string

const (
	AuditIncomingError    AuditKind = "INCOMING_ERROR"
	AuditIncomingInactive AuditKind = "INCOMING_INACTIVE"
	AuditOutgoingControl  AuditKind = "OUTGOING_CONTROL"
	AuditStatusChange     AuditKind = "STATUS_CHANGE"
)

// AuditLogEntry is an immutable record of a state transition or an
// inbound/outbound event, scoped to one device. Entries are append-only and
// never mutated.
type AuditLogEntry struct {
	ID       uint      `json:"id" gorm:"primaryKey"`
	DeviceID uint      `json:"device_id" gorm:"index;not null"`
	TimeUTC  time.Time `json:"time_utc" gorm:"column:time_utc;not null"`
	Kind     AuditKind `json:"kind" gorm:"type:varchar(32);index;not null"`
	Entry    string    `json:"entry" gorm:"column:log_entry;not null"`
}

func newAuditEntry(deviceID uint, kind AuditKind, entry string) *AuditLogEntry {
	return &AuditLogEntry{
		DeviceID: deviceID,
		TimeUTC:  time.Now().UTC(),
		Kind:     kind,
		Entry:    entry,
	}
}

// TableName overrides for GORM
func (Device) TableName() string        { return "devices" }
func (Module) TableName() string        { return "modules" }
func (AuditLogEntry) TableName() string { return "audit_logs" }

// Global broker topics shared by the whole fleet. Each device additionally
// owns a private control topic, see ControlTopic.
const (
	TopicStatusRequest = "/global/status_request"
	TopicStatus        = "/global/status"
	TopicInactive      = "/global/inactive"
	TopicError         = "/global/error"
)

// IngressTopics returns the topics the gateway consumes telemetry from.
func IngressTopics() []string {
	return []string{TopicStatus, TopicInactive, TopicError}
}

// ControlTopic derives a device's private control topic from its identity.
// The derivation is one-way: the value stored on the device record at
// creation stays authoritative even if project or name change later.
func ControlTopic(project, name string) string {
	return fmt.Sprintf("/units/%s-%s/control", project, name)
}

// ModuleReading is one module's reported state inside a status payload.
type ModuleReading struct {
	Module string  `json:"module"`
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Action string  `json:"action,omitempty"`
}

// deviceIdentity is the "id" object carried by every inbound payload.
// Older firmware reports the device name as mcuName instead of unitName.
type deviceIdentity struct {
	Project  string `json:"project"`
	UnitName string `json:"unitName"`
	McuName  string `json:"mcuName"`
}

func (id deviceIdentity) name() string {
	if id.UnitName != "" {
		return id.UnitName
	}
	return id.McuName
}

type statusPayload struct {
	ID      deviceIdentity  `json:"id"`
	Modules []ModuleReading `json:"modules"`
}

type eventPayload struct {
	ID    deviceIdentity `json:"id"`
	Error string         `json:"error"`
}

// ControlIntent is a request to set one module's value on one device. It is
// transient: it is never persisted standalone, only via the audit entry the
// dispatch produces.
type ControlIntent struct {
	DeviceID uint    `json:"device_id"`
	Module   string  `json:"module"`
	Name     string  `json:"name"`
	Action   string  `json:"action"`
	Value    float64 `json:"value"`
}

// controlCommand is the outbound wire shape published to a control topic.
type controlCommand struct {
	Module string  `json:"module"`
	Name   string  `json:"name"`
	Action string  `json:"action"`
	Value  float64 `json:"value"`
}
