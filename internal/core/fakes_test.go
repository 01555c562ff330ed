package core

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeRepo is an in-memory Repository. It enforces the same identity
// uniqueness the real store carries via constraints and returns the same
// gorm sentinels the services branch on.
type fakeRepo struct {
	mu           sync.Mutex
	devices      map[uint]*Device
	modules      map[uint]*Module
	logs         []*AuditLogEntry
	nextDeviceID uint
	nextModuleID uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		devices: make(map[uint]*Device),
		modules: make(map[uint]*Module),
	}
}

func (f *fakeRepo) WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, f)
}

func (f *fakeRepo) CreateDevice(ctx context.Context, d *Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.devices {
		if existing.Project == d.Project && existing.Name == d.Name {
			return gorm.ErrDuplicatedKey
		}
	}

	f.nextDeviceID++
	d.ID = f.nextDeviceID
	stored := *d
	f.devices[d.ID] = &stored
	return nil
}

func (f *fakeRepo) SaveDevice(ctx context.Context, d *Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d.ID == 0 {
		return fmt.Errorf("save of unpersisted device")
	}
	stored := *d
	f.devices[d.ID] = &stored
	return nil
}

func (f *fakeRepo) FindDeviceByIdentity(ctx context.Context, project, name string) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, d := range f.devices {
		if d.Project == project && d.Name == name {
			found := *d
			return &found, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) FindDeviceByID(ctx context.Context, id uint) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.devices[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	found := *d
	return &found, nil
}

func (f *fakeRepo) ListDevices(ctx context.Context) ([]*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	devices := make([]*Device, 0, len(f.devices))
	for _, d := range f.devices {
		found := *d
		devices = append(devices, &found)
	}
	return devices, nil
}

func (f *fakeRepo) SaveModule(ctx context.Context, m *Module) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m.ID == 0 {
		f.nextModuleID++
		m.ID = f.nextModuleID
	}
	stored := *m
	f.modules[m.ID] = &stored
	return nil
}

func (f *fakeRepo) FindModule(ctx context.Context, deviceID uint, moduleType, name string) (*Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, m := range f.modules {
		if m.DeviceID == deviceID && m.ModuleType == moduleType && m.Name == name {
			found := *m
			return &found, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) FindActiveModules(ctx context.Context, deviceID uint) ([]*Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var modules []*Module
	for _, m := range f.modules {
		if m.DeviceID == deviceID && m.Active {
			found := *m
			modules = append(modules, &found)
		}
	}
	return modules, nil
}

func (f *fakeRepo) ListModules(ctx context.Context, deviceID uint) ([]*Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var modules []*Module
	for _, m := range f.modules {
		if m.DeviceID == deviceID {
			found := *m
			modules = append(modules, &found)
		}
	}
	return modules, nil
}

func (f *fakeRepo) AppendAuditLog(ctx context.Context, entry *AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := *entry
	stored.ID = uint(len(f.logs) + 1)
	f.logs = append(f.logs, &stored)
	return nil
}

func (f *fakeRepo) ListAuditLogs(ctx context.Context, deviceID uint, limit int) ([]*AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entries []*AuditLogEntry
	for _, e := range f.logs {
		if e.DeviceID == deviceID {
			found := *e
			entries = append(entries, &found)
		}
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

// logsOfKind returns a device's audit entries of one kind, insertion order.
func (f *fakeRepo) logsOfKind(deviceID uint, kind AuditKind) []*AuditLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entries []*AuditLogEntry
	for _, e := range f.logs {
		if e.DeviceID == deviceID && e.Kind == kind {
			entries = append(entries, e)
		}
	}
	return entries
}

func (f *fakeRepo) deviceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices)
}

func (f *fakeRepo) logCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs)
}

// fakePublisher records publishes and can fail selected topics.
type fakePublisher struct {
	mu         sync.Mutex
	published  map[string][][]byte
	failTopics map[string]error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		published:  make(map[string][][]byte),
		failTopics: make(map[string]error),
	}
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failTopics[topic]; ok {
		return err
	}
	p.published[topic] = append(p.published[topic], payload)
	return nil
}

func (p *fakePublisher) payloads(topic string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[topic]
}

// fakeNotifier records emitted fleet notifications.
type fakeNotifier struct {
	mu       sync.Mutex
	inactive []*Device
	errored  []*Device
	errTexts []string
}

func (n *fakeNotifier) DeviceInactive(ctx context.Context, device *Device) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inactive = append(n.inactive, device)
}

func (n *fakeNotifier) DeviceError(ctx context.Context, device *Device, errText string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errored = append(n.errored, device)
	n.errTexts = append(n.errTexts, errText)
}
