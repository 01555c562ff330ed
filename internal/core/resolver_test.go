package core

import (
	"context"
	"sync"
	"testing"
)

func TestResolveOrCreateRegistersNewDevice(t *testing.T) {
	repo := newFakeRepo()
	resolver := NewIdentityResolver(testLogger())

	device, err := resolver.ResolveOrCreate(context.Background(), repo, "greenhouse", "unit-01")
	if err != nil {
		t.Fatalf("ResolveOrCreate() error = %v", err)
	}

	if device.ID == 0 {
		t.Error("device was not persisted")
	}
	if !device.Active {
		t.Error("new device should be active")
	}
	if device.LastSeen == nil {
		t.Error("new device should have last seen set")
	}
	if got, want := device.ControlTopic, "/units/greenhouse-unit-01/control"; got != want {
		t.Errorf("ControlTopic = %q, want %q", got, want)
	}

	logs := repo.logsOfKind(device.ID, AuditStatusChange)
	if len(logs) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(logs))
	}
	if logs[0].Entry != "New device registered." {
		t.Errorf("audit entry = %q", logs[0].Entry)
	}
}

func TestResolveOrCreateReturnsExisting(t *testing.T) {
	repo := newFakeRepo()
	resolver := NewIdentityResolver(testLogger())
	ctx := context.Background()

	first, err := resolver.ResolveOrCreate(ctx, repo, "greenhouse", "unit-01")
	if err != nil {
		t.Fatalf("ResolveOrCreate() error = %v", err)
	}
	second, err := resolver.ResolveOrCreate(ctx, repo, "greenhouse", "unit-01")
	if err != nil {
		t.Fatalf("ResolveOrCreate() error = %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("resolved ids differ: %d vs %d", first.ID, second.ID)
	}
	if repo.deviceCount() != 1 {
		t.Errorf("device rows = %d, want 1", repo.deviceCount())
	}
	if got := repo.logCount(); got != 1 {
		t.Errorf("audit entries = %d, want 1", got)
	}
}

func TestResolveOrCreateConcurrentFirstContact(t *testing.T) {
	repo := newFakeRepo()
	resolver := NewIdentityResolver(testLogger())

	const workers = 16
	ids := make([]uint, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			device, err := resolver.ResolveOrCreate(context.Background(), repo, "greenhouse", "unit-01")
			if err != nil {
				t.Errorf("ResolveOrCreate() error = %v", err)
				return
			}
			ids[i] = device.ID
		}(i)
	}
	wg.Wait()

	if repo.deviceCount() != 1 {
		t.Fatalf("device rows = %d, want 1", repo.deviceCount())
	}
	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Errorf("worker %d resolved id %d, want %d", i, ids[i], ids[0])
		}
	}
}

func TestControlTopicDerivation(t *testing.T) {
	tests := []struct {
		project, name, want string
	}{
		{"greenhouse", "unit-01", "/units/greenhouse-unit-01/control"},
		{"plant", "mcu7", "/units/plant-mcu7/control"},
	}

	for _, tt := range tests {
		if got := ControlTopic(tt.project, tt.name); got != tt.want {
			t.Errorf("ControlTopic(%q, %q) = %q, want %q", tt.project, tt.name, got, tt.want)
		}
	}
}
