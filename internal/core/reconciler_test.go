package core

import (
	"context"
	"strings"
	"testing"
)

func seedDevice(t *testing.T, repo *fakeRepo) *Device {
	t.Helper()
	device, err := NewIdentityResolver(testLogger()).ResolveOrCreate(context.Background(), repo, "greenhouse", "unit-01")
	if err != nil {
		t.Fatalf("seed device: %v", err)
	}
	return device
}

func activeModuleNames(t *testing.T, repo *fakeRepo, deviceID uint) map[string]bool {
	t.Helper()
	modules, err := repo.FindActiveModules(context.Background(), deviceID)
	if err != nil {
		t.Fatalf("FindActiveModules() error = %v", err)
	}
	names := make(map[string]bool, len(modules))
	for _, m := range modules {
		names[m.Name] = true
	}
	return names
}

func TestReconcileConvergence(t *testing.T) {
	repo := newFakeRepo()
	device := seedDevice(t, repo)
	reconciler := NewModuleReconciler(testLogger())
	ctx := context.Background()

	_, err := reconciler.Reconcile(ctx, repo, device.ID, []ModuleReading{
		{Module: "relay", Name: "a", Value: 1},
		{Module: "relay", Name: "b", Value: 1},
	})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	_, err = reconciler.Reconcile(ctx, repo, device.ID, []ModuleReading{
		{Module: "relay", Name: "b", Value: 1},
		{Module: "relay", Name: "c", Value: 1},
	})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	active := activeModuleNames(t, repo, device.ID)
	if len(active) != 2 || !active["b"] || !active["c"] {
		t.Errorf("active modules = %v, want {b, c}", active)
	}

	a, err := repo.FindModule(ctx, device.ID, "relay", "a")
	if err != nil {
		t.Fatalf("module a disappeared: %v", err)
	}
	if a.Active {
		t.Error("module a should be inactive")
	}
}

func TestReconcileValueChangeWritesNoAudit(t *testing.T) {
	repo := newFakeRepo()
	device := seedDevice(t, repo)
	reconciler := NewModuleReconciler(testLogger())
	ctx := context.Background()

	_, err := reconciler.Reconcile(ctx, repo, device.ID, []ModuleReading{
		{Module: "ds18b20", Name: "greenhouse", Value: 20.5},
	})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	logsBefore := repo.logCount()

	_, err = reconciler.Reconcile(ctx, repo, device.ID, []ModuleReading{
		{Module: "ds18b20", Name: "greenhouse", Value: 21.25},
	})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	module, err := repo.FindModule(ctx, device.ID, "ds18b20", "greenhouse")
	if err != nil {
		t.Fatalf("FindModule() error = %v", err)
	}
	if module.Value != 21.25 {
		t.Errorf("Value = %v, want 21.25", module.Value)
	}
	if got := repo.logCount(); got != logsBefore {
		t.Errorf("audit entries = %d, want %d (value churn must not be audited)", got, logsBefore)
	}
}

func TestReconcileEmptyReportDeactivatesAll(t *testing.T) {
	repo := newFakeRepo()
	device := seedDevice(t, repo)
	reconciler := NewModuleReconciler(testLogger())
	ctx := context.Background()

	_, err := reconciler.Reconcile(ctx, repo, device.ID, []ModuleReading{
		{Module: "relay", Name: "a", Value: 1},
		{Module: "relay", Name: "b", Value: 0},
	})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	reported, err := reconciler.Reconcile(ctx, repo, device.ID, nil)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(reported) != 0 {
		t.Errorf("reported set = %d modules, want 0", len(reported))
	}
	if active := activeModuleNames(t, repo, device.ID); len(active) != 0 {
		t.Errorf("active modules = %v, want none", active)
	}
}

func TestReconcileReactivation(t *testing.T) {
	repo := newFakeRepo()
	device := seedDevice(t, repo)
	reconciler := NewModuleReconciler(testLogger())
	ctx := context.Background()

	readings := []ModuleReading{{Module: "relay", Name: "light", Value: 1}}

	if _, err := reconciler.Reconcile(ctx, repo, device.ID, readings); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if _, err := reconciler.Reconcile(ctx, repo, device.ID, nil); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if _, err := reconciler.Reconcile(ctx, repo, device.ID, readings); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	module, err := repo.FindModule(ctx, device.ID, "relay", "light")
	if err != nil {
		t.Fatalf("FindModule() error = %v", err)
	}
	if !module.Active {
		t.Error("module should be active again")
	}

	var reactivated bool
	for _, entry := range repo.logsOfKind(device.ID, AuditStatusChange) {
		if strings.HasPrefix(entry.Entry, "Module reactivated") {
			reactivated = true
		}
	}
	if !reactivated {
		t.Error("reactivation audit entry missing")
	}
}

func TestReconcileDuplicateReadingsLastWins(t *testing.T) {
	repo := newFakeRepo()
	device := seedDevice(t, repo)
	reconciler := NewModuleReconciler(testLogger())

	reported, err := reconciler.Reconcile(context.Background(), repo, device.ID, []ModuleReading{
		{Module: "relay", Name: "light", Value: 0},
		{Module: "relay", Name: "light", Value: 1},
	})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(reported) != 2 {
		t.Fatalf("reported = %d entries, want 2 (one per reading)", len(reported))
	}
	if reported[0].ID != reported[1].ID {
		t.Error("duplicate readings should resolve to the same module row")
	}

	module, err := repo.FindModule(context.Background(), device.ID, "relay", "light")
	if err != nil {
		t.Fatalf("FindModule() error = %v", err)
	}
	if module.Value != 1 {
		t.Errorf("Value = %v, want 1 (later reading wins)", module.Value)
	}
}
