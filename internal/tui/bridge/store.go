// Package bridge connects the sync engine to the bubbletea program. Store
// is the console's state store; Bridge forwards store changes,
// notifications and status to the program as messages.
package bridge

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/infinibay/rtsync/internal/protocol"
	"github.com/infinibay/rtsync/internal/realtime"
)

const maxIssues = 5

// VM is the console's view of one VM.
type VM struct {
	ID             string
	Health         float64
	PreviousHealth float64
	HasHealth      bool
	Firewall       string
	Services       map[string]bool
	Issues         []protocol.IssueDetectedPayload
	Remediations   map[string]protocol.Remediation
	Checking       string
	LastCheck      string
	LastResult     *protocol.RemediationResult
	LastRollback   *protocol.RolledBackPayload
	UpdatedAt      time.Time
}

func newVM(id string) *VM {
	return &VM{
		ID:           id,
		Services:     make(map[string]bool),
		Remediations: make(map[string]protocol.Remediation),
	}
}

func (v *VM) clone() VM {
	out := *v
	out.Services = make(map[string]bool, len(v.Services))
	for k, on := range v.Services {
		out.Services[k] = on
	}
	out.Remediations = make(map[string]protocol.Remediation, len(v.Remediations))
	for k, r := range v.Remediations {
		out.Remediations[k] = r
	}
	out.Issues = append([]protocol.IssueDetectedPayload(nil), v.Issues...)
	return out
}

// PendingApproval counts remediations waiting for sign-off.
func (v VM) PendingApproval() int {
	n := 0
	for _, r := range v.Remediations {
		if r.RequiresApproval {
			n++
		}
	}
	return n
}

// Store applies router actions to per-VM state. It is safe for concurrent
// use: the router dispatches from the connection goroutine while the UI
// reads snapshots.
type Store struct {
	mu  sync.RWMutex
	vms map[string]*VM
	now func() time.Time
}

func NewStore() *Store {
	return &Store{vms: make(map[string]*VM), now: time.Now}
}

// Track makes sure a VM appears even before any event arrives for it.
func (s *Store) Track(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vms[id]; !ok {
		s.vms[id] = newVM(id)
	}
}

// Dispatch implements realtime.StateStore.
func (s *Store) Dispatch(a realtime.Action) {
	if a.VMID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[a.VMID]
	if !ok {
		vm = newVM(a.VMID)
		s.vms[a.VMID] = vm
	}
	vm.UpdatedAt = s.now()

	switch p := a.Payload.(type) {
	case protocol.IssueDetectedPayload:
		vm.Issues = append(vm.Issues, p)
		if len(vm.Issues) > maxIssues {
			vm.Issues = vm.Issues[len(vm.Issues)-maxIssues:]
		}
	case protocol.RemediationAvailablePayload:
		vm.Remediations[p.Remediation.ID] = p.Remediation
	case protocol.ApprovalRequiredPayload:
		r := p.Remediation
		r.RequiresApproval = true
		vm.Remediations[r.ID] = r
	case protocol.RemediationCompletedPayload:
		delete(vm.Remediations, p.Result.RemediationID)
		res := p.Result
		vm.LastResult = &res
	case protocol.RolledBackPayload:
		delete(vm.Remediations, p.RemediationID)
		rb := p
		vm.LastRollback = &rb
	case protocol.AutocheckStartedPayload:
		vm.Checking = p.CheckName
	case protocol.AutocheckCompletedPayload:
		vm.Checking = ""
		vm.LastCheck = p.Check
	case protocol.HealthScorePayload:
		vm.PreviousHealth = p.PreviousScore
		vm.Health = p.Score
		vm.HasHealth = true
	case protocol.FirewallStatusPayload:
		vm.Firewall = p.Status
	case protocol.ServiceToggledPayload:
		vm.Services[p.ServiceID] = p.Enabled
	}
}

// Select implements realtime.StateStore. Paths are "vms/<id>" and
// "remediations/<vm>/<remediation>".
func (s *Store) Select(path string) any {
	parts := strings.Split(path, "/")
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case len(parts) == 2 && parts[0] == "vms":
		if vm, ok := s.vms[parts[1]]; ok {
			return vm.clone()
		}
	case len(parts) == 3 && parts[0] == "remediations":
		if vm, ok := s.vms[parts[1]]; ok {
			if r, ok := vm.Remediations[parts[2]]; ok {
				return r
			}
		}
	}
	return nil
}

// Get returns a copy of one VM.
func (s *Store) Get(id string) (VM, bool) {
	vm, ok := s.Select("vms/" + id).(VM)
	return vm, ok
}

// Snapshot returns copies of every VM ordered by id.
func (s *Store) Snapshot() []VM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VM, 0, len(s.vms))
	for _, vm := range s.vms {
		out = append(out, vm.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reconcile overwrites health and firewall from a REST listing. VMs the
// listing does not mention are left alone.
func (s *Store) Reconcile(vms []VMRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range vms {
		vm, ok := s.vms[row.ID]
		if !ok {
			continue
		}
		if !vm.HasHealth || vm.Health != row.Health {
			vm.PreviousHealth = vm.Health
			vm.Health = row.Health
			vm.HasHealth = true
		}
		if row.Firewall != "" {
			vm.Firewall = row.Firewall
		}
		for svc, on := range row.Services {
			vm.Services[svc] = on
		}
	}
}

// VMRow is the subset of a REST listing the store reconciles from.
type VMRow struct {
	ID       string
	Health   float64
	Firewall string
	Services map[string]bool
}
