package mock

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/infinibay/rtsync/internal/config"
	"github.com/infinibay/rtsync/internal/hub"
	"github.com/infinibay/rtsync/internal/protocol"
)

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []hub.Event
}

func (p *recordingPublisher) Publish(ev hub.Event) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return 1, nil
}

func (p *recordingPublisher) all() []hub.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]hub.Event(nil), p.events...)
}

func (p *recordingPublisher) ofType(typ protocol.EventType) []hub.Event {
	var out []hub.Event
	for _, ev := range p.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixedSampler struct {
	load Load
	err  error
}

func (p fixedSampler) Sample(context.Context) (Load, error) { return p.load, p.err }

func newTestGenerator(t *testing.T, vms ...string) (*Generator, *hub.Fleet, *recordingPublisher) {
	t.Helper()
	fleet := hub.NewFleet()
	pub := &recordingPublisher{}
	g := NewGenerator(config.MockConfig{
		Namespace: "ns-demo",
		Tick:      time.Hour,
		VMs:       vms,
	}, fleet, pub, nil)
	g.rng = rand.New(rand.NewSource(1))
	return g, fleet, pub
}

// drive advances one VM through ticks 1..n.
func drive(g *Generator, vm *mockVM, n int) {
	for tick := 1; tick <= n; tick++ {
		g.advance(context.Background(), vm, tick)
	}
}

func TestGenerator_SeedsFleetOnStart(t *testing.T) {
	g, fleet, pub := newTestGenerator(t, "vm-finance-01", "vm-finance-02", "vm-design-01", LocalVM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	if got := fleet.Count(); got != 4 {
		t.Fatalf("fleet.Count() = %d after Start, want 4", got)
	}
	health := pub.ofType(protocol.EventHealthScoreUpdated)
	if len(health) != 4 {
		t.Fatalf("Start published %d health events, want one per VM", len(health))
	}
	for _, ev := range health {
		if ev.Namespace != "ns-demo" {
			t.Errorf("event namespace = %q, want ns-demo", ev.Namespace)
		}
		if ev.Refs.VMID == "" || ev.Refs.DepartmentID == "" {
			t.Errorf("event refs = %+v, want vm and department", ev.Refs)
		}
	}

	vm, ok := fleet.Get("ns-demo", "vm-design-01")
	if !ok {
		t.Fatal("vm-design-01 missing from fleet")
	}
	if vm.DepartmentID != "dept-design" || vm.Firewall != protocol.FirewallActive {
		t.Errorf("seeded state = %+v", vm)
	}
}

func TestGenerator_FlakyCycle(t *testing.T) {
	g, fleet, pub := newTestGenerator(t, "vm-finance-01")
	g.seed()
	vm := g.vms[0]
	if vm.pattern != patternFlaky {
		t.Fatalf("first VM pattern = %v, want flaky", vm.pattern)
	}

	drive(g, vm, 2)
	offered := pub.ofType(protocol.EventRemediationAvailable)
	if len(offered) != 1 {
		t.Fatalf("remediation-available events = %d after tick 2, want 1", len(offered))
	}
	rem := offered[0].Payload.(protocol.RemediationAvailablePayload).Remediation
	state, _ := fleet.Get("ns-demo", vm.id)
	if _, ok := state.Pending[rem.ID]; !ok {
		t.Errorf("pending = %v, want %s", state.Pending, rem.ID)
	}
	if len(pub.ofType(protocol.EventIssueDetected)) != 1 {
		t.Error("no issue-detected before the remediation offer")
	}

	for tick := 3; tick <= 12; tick++ {
		g.advance(context.Background(), vm, tick)
	}
	done := pub.ofType(protocol.EventRemediationCompleted)
	if len(done) != 1 {
		t.Fatalf("remediation-completed events = %d, want 1", len(done))
	}
	res := done[0].Payload.(protocol.RemediationCompletedPayload).Result
	if res.RemediationID != rem.ID || !res.Success {
		t.Errorf("result = %+v, want success for %s", res, rem.ID)
	}
	state, _ = fleet.Get("ns-demo", vm.id)
	if len(state.Pending) != 0 {
		t.Errorf("pending = %v after completion, want empty", state.Pending)
	}
	if vm.degraded {
		t.Error("VM still degraded after remediation")
	}
	if len(pub.ofType(protocol.EventAutocheckStarted)) != 1 {
		t.Error("tick 12 should start the next autocheck")
	}
}

func TestGenerator_ApprovalCycle(t *testing.T) {
	g, fleet, pub := newTestGenerator(t, "vm-a-01", "vm-b-01", "vm-c-01")
	g.seed()
	vm := g.vms[2]
	if vm.pattern != patternApproval {
		t.Fatalf("third VM pattern = %v, want approval", vm.pattern)
	}

	drive(g, vm, 20)

	asked := pub.ofType(protocol.EventApprovalRequired)
	rolled := pub.ofType(protocol.EventRolledBack)
	if len(asked) != 1 || len(rolled) != 1 {
		t.Fatalf("approval-required = %d, rolled-back = %d, want 1 each", len(asked), len(rolled))
	}
	p := asked[0].Payload.(protocol.ApprovalRequiredPayload)
	if !p.Remediation.RequiresApproval {
		t.Error("approval remediation does not require approval")
	}
	if got := rolled[0].Payload.(protocol.RolledBackPayload).RemediationID; got != p.Remediation.ID {
		t.Errorf("rolled back %q, want %q", got, p.Remediation.ID)
	}
	state, _ := fleet.Get("ns-demo", vm.id)
	if len(state.Pending) != 0 {
		t.Errorf("pending = %v after rollback, want empty", state.Pending)
	}
}

func TestGenerator_FirewallCycle(t *testing.T) {
	g, fleet, pub := newTestGenerator(t, "vm-a-01", "vm-b-01")
	g.seed()
	vm := g.vms[1]
	if vm.pattern != patternFirewall {
		t.Fatalf("second VM pattern = %v, want firewall", vm.pattern)
	}

	drive(g, vm, 20)

	toggles := pub.ofType(protocol.EventFirewallServiceToggled)
	if len(toggles) != 3 {
		t.Fatalf("service toggles = %d, want 3", len(toggles))
	}
	for _, ev := range toggles {
		svc := ev.Payload.(protocol.ServiceToggledPayload).ServiceID
		if ev.Refs.RuleID != "rule-"+svc {
			t.Errorf("toggle of %s carries rule %q", svc, ev.Refs.RuleID)
		}
	}

	state, _ := fleet.Get("ns-demo", vm.id)
	want := map[string]bool{"rdp": false, "ssh": true, "smb": true}
	for svc, on := range want {
		if state.Services[svc] != on {
			t.Errorf("service %s enabled = %v, want %v", svc, state.Services[svc], on)
		}
	}

	var statuses []string
	for _, ev := range pub.ofType(protocol.EventFirewallStatusUpdated) {
		statuses = append(statuses, ev.Payload.(protocol.FirewallStatusPayload).Status)
	}
	if len(statuses) != 2 || statuses[0] != protocol.FirewallSyncing || statuses[1] != protocol.FirewallActive {
		t.Errorf("firewall statuses = %v, want [syncing active]", statuses)
	}
	if state.Firewall != protocol.FirewallActive {
		t.Errorf("firewall = %q, want active", state.Firewall)
	}
}

func TestGenerator_HostSampler(t *testing.T) {
	g, fleet, pub := newTestGenerator(t, LocalVM)
	g.SetSampler(fixedSampler{load: Load{CPU: 50, Memory: 25}})
	g.seed()
	vm := g.vms[0]
	base := vm.health

	g.advance(context.Background(), vm, 1)

	state, _ := fleet.Get("ns-demo", LocalVM)
	if state.Health != 60 {
		t.Errorf("local health = %v, want 60", state.Health)
	}
	health := pub.ofType(protocol.EventHealthScoreUpdated)
	last := health[len(health)-1].Payload.(protocol.HealthScorePayload)
	if last.Score != 60 || last.PreviousScore != base {
		t.Errorf("last health event = %+v, want 60 from %v", last, base)
	}
}

func TestGenerator_HostSamplerErrorFallsBackToDrift(t *testing.T) {
	g, fleet, pub := newTestGenerator(t, LocalVM)
	g.SetSampler(fixedSampler{err: errors.New("no /proc")})
	g.seed()
	vm := g.vms[0]

	g.advance(context.Background(), vm, 1)

	if n := len(pub.ofType(protocol.EventHealthScoreUpdated)); n != 2 {
		t.Fatalf("health events = %d, want seed plus one drift", n)
	}
	state, _ := fleet.Get("ns-demo", LocalVM)
	if state.Health != vm.health {
		t.Errorf("fleet health %v out of step with generator %v", state.Health, vm.health)
	}
}

func TestGenerator_RunStopsOnCancel(t *testing.T) {
	fleet := hub.NewFleet()
	pub := &recordingPublisher{}
	g := NewGenerator(config.MockConfig{
		Namespace: "ns-demo",
		Tick:      5 * time.Millisecond,
		VMs:       []string{"vm-finance-01", "vm-finance-02"},
	}, fleet, pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	g.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.all()) <= 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(pub.all()) <= 2 {
		t.Fatal("no events published after the first ticks")
	}

	cancel()
	time.Sleep(20 * time.Millisecond)
	n := len(pub.all())
	time.Sleep(30 * time.Millisecond)
	if got := len(pub.all()); got != n {
		t.Errorf("published %d events after cancel", got-n)
	}
}

func TestLoad_Health(t *testing.T) {
	tests := []struct {
		name string
		load Load
		want float64
	}{
		{"idle", Load{}, 100},
		{"mixed", Load{CPU: 50, Memory: 25}, 60},
		{"saturated", Load{CPU: 100, Memory: 100}, 0},
		{"over", Load{CPU: 150, Memory: 100}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.load.Health(); got != tt.want {
				t.Errorf("Health() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDepartmentOf(t *testing.T) {
	tests := []struct {
		vm   string
		want string
	}{
		{"vm-finance-01", "dept-finance"},
		{"vm-design-02", "dept-design"},
		{"local", "dept-local"},
		{"kiosk-7", "dept-kiosk"},
	}
	for _, tt := range tests {
		if got := departmentOf(tt.vm); got != tt.want {
			t.Errorf("departmentOf(%q) = %q, want %q", tt.vm, got, tt.want)
		}
	}
}
