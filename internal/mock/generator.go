// Package mock drives a fake VM fleet through the hub so the console has
// something to show without a real backend.
package mock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/infinibay/rtsync/internal/config"
	"github.com/infinibay/rtsync/internal/hub"
	"github.com/infinibay/rtsync/internal/logging"
	"github.com/infinibay/rtsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

// LocalVM is the VM whose health follows the host's load when a sampler is set.
const LocalVM = "local"

// Publisher fans events out to connected clients.
type Publisher interface {
	Publish(ev hub.Event) (int, error)
}

type pattern int

const (
	patternSteady pattern = iota
	patternFlaky
	patternApproval
	patternFirewall
	patternHost
)

func (p pattern) String() string {
	switch p {
	case patternSteady:
		return "steady"
	case patternFlaky:
		return "flaky"
	case patternApproval:
		return "approval"
	case patternFirewall:
		return "firewall"
	case patternHost:
		return "host"
	}
	return "unknown"
}

var (
	checks     = []string{"disk-space", "windows-updates", "defender-signatures", "pending-reboot", "service-health"}
	severities = []protocol.Severity{protocol.SeverityLow, protocol.SeverityMedium, protocol.SeverityHigh, protocol.SeverityCritical}
	services   = []string{"rdp", "ssh", "smb", "http"}
)

type mockVM struct {
	id       string
	pattern  pattern
	base     float64
	health   float64
	issue    int
	open     string
	degraded bool
	fwIdx    int

	// offset staggers the cycles so VMs do not all fire on the same tick.
	offset int
}

type Generator struct {
	cfg     config.MockConfig
	fleet   *hub.Fleet
	pub     Publisher
	sampler HostSampler
	log     logrus.FieldLogger
	rng     *rand.Rand
	vms     []*mockVM
}

func NewGenerator(cfg config.MockConfig, fleet *hub.Fleet, pub Publisher, log logrus.FieldLogger) *Generator {
	g := &Generator{
		cfg:   cfg,
		fleet: fleet,
		pub:   pub,
		log:   logging.OrDiscard(log).WithField("component", "mock"),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.HostSampling {
		g.sampler = HostLoad{}
	}
	return g
}

// SetSampler replaces the host sampler. A nil sampler makes the local VM
// behave like any other steady VM.
func (g *Generator) SetSampler(p HostSampler) { g.sampler = p }

// Start seeds the fleet, publishes each VM's initial health and begins
// ticking in the background until ctx is done.
func (g *Generator) Start(ctx context.Context) {
	g.seed()
	go g.run(ctx)
}

func (g *Generator) seed() {
	g.vms = g.vms[:0]
	nonLocal := 0
	for i, id := range g.cfg.VMs {
		vm := &mockVM{id: id, offset: i * 3}
		if id == LocalVM {
			vm.pattern = patternHost
		} else {
			vm.pattern = []pattern{patternFlaky, patternFirewall, patternApproval, patternSteady}[nonLocal%4]
			nonLocal++
		}
		vm.base = 80 + float64(g.rng.Intn(15))
		vm.health = vm.base
		g.vms = append(g.vms, vm)

		g.fleet.Upsert(g.cfg.Namespace, hub.VMState{
			ID:           id,
			DepartmentID: departmentOf(id),
			Health:       vm.health,
			Firewall:     protocol.FirewallActive,
			Services:     map[string]bool{"rdp": true, "ssh": false},
		})
		g.emit(vm, protocol.EventHealthScoreUpdated, protocol.EntityRefs{}, protocol.HealthScorePayload{
			VMID: id, Score: vm.health, PreviousScore: vm.health,
		})
		g.log.WithFields(logrus.Fields{"vm": id, "pattern": vm.pattern}).Debug("mock vm seeded")
	}
}

func (g *Generator) run(ctx context.Context) {
	tick := g.cfg.Tick
	if tick <= 0 {
		tick = 2 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			for _, vm := range g.vms {
				g.advance(ctx, vm, n)
			}
		}
	}
}

func (g *Generator) advance(ctx context.Context, vm *mockVM, tick int) {
	switch vm.pattern {
	case patternFlaky:
		g.advanceFlaky(vm, tick)
	case patternApproval:
		g.advanceApproval(vm, tick)
	case patternFirewall:
		g.advanceFirewall(vm, tick)
	case patternHost:
		if g.advanceHost(ctx, vm) {
			return
		}
	}
	g.drift(vm, tick)
}

// drift moves health along a slow sine around the VM's base score.
func (g *Generator) drift(vm *mockVM, tick int) {
	target := vm.base + 4*math.Sin(float64(tick+vm.offset)/6.0) + g.rng.Float64() - 0.5
	g.setHealth(vm, target)
}

func (g *Generator) setHealth(vm *mockVM, score float64) {
	score = math.Round(math.Max(0, math.Min(100, score))*10) / 10
	prev := vm.health
	if score == prev {
		return
	}
	vm.health = score
	g.fleet.Update(g.cfg.Namespace, vm.id, func(s *hub.VMState) { s.Health = score })
	g.emit(vm, protocol.EventHealthScoreUpdated, protocol.EntityRefs{}, protocol.HealthScorePayload{
		VMID: vm.id, Score: score, PreviousScore: prev,
	})
}

// advanceFlaky runs a twelve-tick autocheck cycle: a check starts, finds
// an issue, offers a fix and applies it.
func (g *Generator) advanceFlaky(vm *mockVM, tick int) {
	switch (tick + vm.offset) % 12 {
	case 0:
		vm.issue++
		g.emit(vm, protocol.EventAutocheckStarted, protocol.EntityRefs{}, protocol.AutocheckStartedPayload{
			VMID: vm.id, CheckName: g.check(vm),
		})
	case 1:
		if !vm.degraded {
			vm.base -= 15
			vm.degraded = true
		}
		g.emit(vm, protocol.EventIssueDetected, protocol.EntityRefs{}, protocol.IssueDetectedPayload{
			VMID: vm.id, Check: g.check(vm), Severity: severities[vm.issue%len(severities)],
		})
	case 2:
		g.emit(vm, protocol.EventAutocheckCompleted, protocol.EntityRefs{}, protocol.AutocheckCompletedPayload{
			VMID: vm.id, Check: g.check(vm),
		})
		r := g.remediation(vm, false)
		g.offer(vm, r, protocol.EventRemediationAvailable)
	case 6:
		if vm.open == "" {
			return
		}
		rid := vm.open
		g.resolve(vm)
		if vm.degraded {
			vm.base += 15
			vm.degraded = false
		}
		g.emit(vm, protocol.EventRemediationCompleted, protocol.EntityRefs{}, protocol.RemediationCompletedPayload{
			VMID:   vm.id,
			Result: protocol.RemediationResult{RemediationID: rid, Success: true, Message: "applied"},
		})
	}
}

// advanceApproval offers a fix that needs sign-off, then rolls it back.
func (g *Generator) advanceApproval(vm *mockVM, tick int) {
	switch (tick + vm.offset) % 16 {
	case 3:
		vm.issue++
		r := g.remediation(vm, true)
		g.offer(vm, r, protocol.EventApprovalRequired)
	case 9:
		if vm.open == "" {
			return
		}
		rid := vm.open
		g.resolve(vm)
		g.emit(vm, protocol.EventRolledBack, protocol.EntityRefs{}, protocol.RolledBackPayload{
			VMID: vm.id, RemediationID: rid, Reason: "approval window expired",
		})
	}
}

// advanceFirewall toggles a service every five ticks and resyncs the
// firewall every twenty.
func (g *Generator) advanceFirewall(vm *mockVM, tick int) {
	phase := (tick + vm.offset) % 20
	switch {
	case phase == 0:
		g.setFirewall(vm, protocol.FirewallSyncing)
	case phase == 1:
		g.setFirewall(vm, protocol.FirewallActive)
	case phase%5 == 0:
		svc := services[vm.fwIdx%len(services)]
		vm.fwIdx++
		state, ok := g.fleet.Update(g.cfg.Namespace, vm.id, func(s *hub.VMState) {
			s.Services[svc] = !s.Services[svc]
		})
		if !ok {
			return
		}
		g.emit(vm, protocol.EventFirewallServiceToggled, protocol.EntityRefs{RuleID: "rule-" + svc}, protocol.ServiceToggledPayload{
			VMID: vm.id, ServiceID: svc, Enabled: state.Services[svc],
		})
	}
}

func (g *Generator) setFirewall(vm *mockVM, status string) {
	g.fleet.Update(g.cfg.Namespace, vm.id, func(s *hub.VMState) { s.Firewall = status })
	g.emit(vm, protocol.EventFirewallStatusUpdated, protocol.EntityRefs{}, protocol.FirewallStatusPayload{
		VMID: vm.id, Status: status,
	})
}

// advanceHost sets the local VM's health from host load. It reports false
// when no sample is available so the caller falls back to drift.
func (g *Generator) advanceHost(ctx context.Context, vm *mockVM) bool {
	if g.sampler == nil {
		return false
	}
	load, err := g.sampler.Sample(ctx)
	if err != nil {
		g.log.WithError(err).Debug("host sampler")
		return false
	}
	g.setHealth(vm, load.Health())
	return true
}

func (g *Generator) check(vm *mockVM) string {
	return checks[vm.issue%len(checks)]
}

func (g *Generator) remediation(vm *mockVM, approval bool) protocol.Remediation {
	check := g.check(vm)
	return protocol.Remediation{
		ID:               fmt.Sprintf("rem-%s-%d", vm.id, vm.issue),
		Title:            "Fix " + strings.ReplaceAll(check, "-", " "),
		Description:      fmt.Sprintf("Automated remediation for %s on %s", check, vm.id),
		RequiresApproval: approval,
	}
}

func (g *Generator) offer(vm *mockVM, r protocol.Remediation, typ protocol.EventType) {
	vm.open = r.ID
	g.fleet.Update(g.cfg.Namespace, vm.id, func(s *hub.VMState) { s.Pending[r.ID] = r })

	var payload any = protocol.RemediationAvailablePayload{VMID: vm.id, Remediation: r}
	if typ == protocol.EventApprovalRequired {
		payload = protocol.ApprovalRequiredPayload{VMID: vm.id, Remediation: r, Reason: "changes a firewall rule"}
	}
	g.emit(vm, typ, protocol.EntityRefs{}, payload)
}

func (g *Generator) resolve(vm *mockVM) {
	rid := vm.open
	vm.open = ""
	g.fleet.Update(g.cfg.Namespace, vm.id, func(s *hub.VMState) { delete(s.Pending, rid) })
}

// emit publishes an event about vm. extra adds refs beyond the VM and its
// department.
func (g *Generator) emit(vm *mockVM, typ protocol.EventType, extra protocol.EntityRefs, payload any) {
	refs := protocol.EntityRefs{VMID: vm.id, DepartmentID: departmentOf(vm.id), RuleID: extra.RuleID}
	n, err := g.pub.Publish(hub.Event{
		Namespace: g.cfg.Namespace,
		Type:      typ,
		Refs:      refs,
		Payload:   payload,
	})
	if err != nil {
		g.log.WithError(err).WithField("type", typ).Warn("publish")
		return
	}
	g.log.WithFields(logrus.Fields{"vm": vm.id, "type": typ, "recipients": n}).Debug("mock event")
}

// departmentOf derives a department id from names like vm-finance-01.
func departmentOf(vmID string) string {
	parts := strings.Split(vmID, "-")
	if len(parts) >= 3 && parts[0] == "vm" {
		return "dept-" + parts[1]
	}
	return "dept-" + parts[0]
}
