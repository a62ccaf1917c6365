package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/infinibay/rtsync/internal/protocol"
)

// VMState is what the hub knows about one VM.
type VMState struct {
	ID           string
	DepartmentID string
	Health       float64
	Firewall     string
	Services     map[string]bool
	// Pending holds remediations offered but not yet applied, by id.
	Pending   map[string]protocol.Remediation
	UpdatedAt time.Time
}

func (v VMState) clone() VMState {
	out := v
	out.Services = make(map[string]bool, len(v.Services))
	for k, on := range v.Services {
		out.Services[k] = on
	}
	out.Pending = make(map[string]protocol.Remediation, len(v.Pending))
	for k, r := range v.Pending {
		out.Pending[k] = r
	}
	return out
}

// Refs returns the entity refs events about v carry.
func (v VMState) Refs() protocol.EntityRefs {
	return protocol.EntityRefs{VMID: v.ID, DepartmentID: v.DepartmentID}
}

// Fleet is the per-namespace VM state the hub answers request-data from.
type Fleet struct {
	mu  sync.RWMutex
	vms map[string]map[string]*VMState
	now func() time.Time
}

func NewFleet() *Fleet {
	return &Fleet{
		vms: make(map[string]map[string]*VMState),
		now: time.Now,
	}
}

// Get returns a copy of the VM's state.
func (f *Fleet) Get(ns, id string) (VMState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	vm, ok := f.vms[ns][id]
	if !ok {
		return VMState{}, false
	}
	return vm.clone(), true
}

// List returns copies of all VMs in ns ordered by id.
func (f *Fleet) List(ns string) []VMState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]VMState, 0, len(f.vms[ns]))
	for _, vm := range f.vms[ns] {
		out = append(out, vm.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of VMs across all namespaces.
func (f *Fleet) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, vms := range f.vms {
		n += len(vms)
	}
	return n
}

// Upsert stores vm, replacing any previous state with the same id.
func (f *Fleet) Upsert(ns string, vm VMState) {
	vm = vm.clone()
	vm.UpdatedAt = f.now()

	f.mu.Lock()
	defer f.mu.Unlock()
	vms, ok := f.vms[ns]
	if !ok {
		vms = make(map[string]*VMState)
		f.vms[ns] = vms
	}
	vms[vm.ID] = &vm
}

// Update applies fn to the stored VM under the lock and returns the
// updated copy. It reports false when the VM is unknown.
func (f *Fleet) Update(ns, id string, fn func(vm *VMState)) (VMState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[ns][id]
	if !ok {
		return VMState{}, false
	}
	if vm.Services == nil {
		vm.Services = make(map[string]bool)
	}
	if vm.Pending == nil {
		vm.Pending = make(map[string]protocol.Remediation)
	}
	fn(vm)
	vm.UpdatedAt = f.now()
	return vm.clone(), true
}

// Snapshot builds the events that bring a client up to date on one VM:
// its health score, firewall status, service states and pending
// remediations.
func (f *Fleet) Snapshot(ns, id string) ([]Event, bool) {
	vm, ok := f.Get(ns, id)
	if !ok {
		return nil, false
	}
	refs := vm.Refs()
	events := []Event{
		{Namespace: ns, Type: protocol.EventHealthScoreUpdated, Refs: refs, Payload: protocol.HealthScorePayload{
			VMID: vm.ID, Score: vm.Health, PreviousScore: vm.Health,
		}},
	}
	if vm.Firewall != "" {
		events = append(events, Event{Namespace: ns, Type: protocol.EventFirewallStatusUpdated, Refs: refs, Payload: protocol.FirewallStatusPayload{
			VMID: vm.ID, Status: vm.Firewall,
		}})
	}

	services := make([]string, 0, len(vm.Services))
	for svc := range vm.Services {
		services = append(services, svc)
	}
	sort.Strings(services)
	for _, svc := range services {
		events = append(events, Event{Namespace: ns, Type: protocol.EventFirewallServiceToggled, Refs: refs, Payload: protocol.ServiceToggledPayload{
			VMID: vm.ID, ServiceID: svc, Enabled: vm.Services[svc],
		}})
	}

	pending := make([]string, 0, len(vm.Pending))
	for rid := range vm.Pending {
		pending = append(pending, rid)
	}
	sort.Strings(pending)
	for _, rid := range pending {
		events = append(events, Event{Namespace: ns, Type: protocol.EventRemediationAvailable, Refs: refs, Payload: protocol.RemediationAvailablePayload{
			VMID: vm.ID, Remediation: vm.Pending[rid],
		}})
	}
	return events, true
}
