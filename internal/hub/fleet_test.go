package hub

import (
	"sync"
	"testing"

	"github.com/infinibay/rtsync/internal/protocol"
)

func TestFleet_GetMissing(t *testing.T) {
	f := NewFleet()
	if _, ok := f.Get("ns-1", "nope"); ok {
		t.Error("Get for missing VM returned ok=true")
	}
	if _, ok := f.Update("ns-1", "nope", func(*VMState) {}); ok {
		t.Error("Update for missing VM returned ok=true")
	}
	if _, ok := f.Snapshot("ns-1", "nope"); ok {
		t.Error("Snapshot for missing VM returned ok=true")
	}
}

func TestFleet_NamespacesAreSeparate(t *testing.T) {
	f := NewFleet()
	f.Upsert("ns-1", VMState{ID: "a"})
	f.Upsert("ns-2", VMState{ID: "a"})
	f.Upsert("ns-2", VMState{ID: "b"})

	if got := f.Count(); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}
	if got := len(f.List("ns-1")); got != 1 {
		t.Errorf("List(ns-1) has %d VMs, want 1", got)
	}
	if _, ok := f.Get("ns-3", "a"); ok {
		t.Error("VM visible from another namespace")
	}
}

func TestFleet_GetReturnsCopy(t *testing.T) {
	f := NewFleet()
	f.Upsert("ns-1", VMState{ID: "a", Services: map[string]bool{"rdp": true}})

	got, _ := f.Get("ns-1", "a")
	got.Services["rdp"] = false

	again, _ := f.Get("ns-1", "a")
	if !again.Services["rdp"] {
		t.Error("Get did not return a copy; mutation leaked into fleet")
	}
}

func TestFleet_UpdateInitializesMaps(t *testing.T) {
	f := NewFleet()
	f.Upsert("ns-1", VMState{ID: "a"})

	vm, ok := f.Update("ns-1", "a", func(vm *VMState) {
		vm.Services["ssh"] = true
		vm.Pending["r1"] = protocol.Remediation{ID: "r1"}
	})
	if !ok {
		t.Fatal("Update returned ok=false")
	}
	if !vm.Services["ssh"] || vm.Pending["r1"].ID != "r1" {
		t.Errorf("Update result = %+v", vm)
	}
}

func TestFleet_Snapshot(t *testing.T) {
	f := NewFleet()
	f.Upsert("ns-1", VMState{
		ID:           "vm-1",
		DepartmentID: "dept-1",
		Health:       72.5,
		Firewall:     protocol.FirewallActive,
		Services:     map[string]bool{"ssh": false, "rdp": true},
		Pending:      map[string]protocol.Remediation{"r1": {ID: "r1", Title: "Restart"}},
	})

	events, ok := f.Snapshot("ns-1", "vm-1")
	if !ok {
		t.Fatal("Snapshot returned ok=false")
	}

	want := []protocol.EventType{
		protocol.EventHealthScoreUpdated,
		protocol.EventFirewallStatusUpdated,
		protocol.EventFirewallServiceToggled,
		protocol.EventFirewallServiceToggled,
		protocol.EventRemediationAvailable,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("events[%d].Type = %s, want %s", i, ev.Type, want[i])
		}
		if ev.Namespace != "ns-1" || ev.Refs.VMID != "vm-1" || ev.Refs.DepartmentID != "dept-1" {
			t.Errorf("events[%d] = %+v", i, ev)
		}
	}
	if p := events[2].Payload.(protocol.ServiceToggledPayload); p.ServiceID != "rdp" || !p.Enabled {
		t.Errorf("services not sorted: first toggle = %+v", p)
	}
}

func TestFleet_SnapshotSkipsUnknownFirewall(t *testing.T) {
	f := NewFleet()
	f.Upsert("ns-1", VMState{ID: "vm-1", Health: 90})

	events, _ := f.Snapshot("ns-1", "vm-1")
	if len(events) != 1 || events[0].Type != protocol.EventHealthScoreUpdated {
		t.Errorf("events = %+v, want only the health score", events)
	}
}

func TestFleet_ConcurrentUpdates(t *testing.T) {
	f := NewFleet()
	f.Upsert("ns-1", VMState{ID: "a"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Update("ns-1", "a", func(vm *VMState) { vm.Health++ })
			f.List("ns-1")
		}()
	}
	wg.Wait()

	vm, _ := f.Get("ns-1", "a")
	if vm.Health != 50 {
		t.Errorf("Health = %v, want 50", vm.Health)
	}
}
