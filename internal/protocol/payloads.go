package protocol

// Severity tags carried by issue-detected events.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// FirewallStatus values reported by firewall:status-updated.
const (
	FirewallActive   = "active"
	FirewallInactive = "inactive"
	FirewallSyncing  = "syncing"
	FirewallFailed   = "failed"
)

// IssueDetectedPayload mirrors autocheck:issue-detected.
type IssueDetectedPayload struct {
	VMID     string   `json:"vmId"`
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
}

// Remediation describes a proposed fix for a detected issue.
type Remediation struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	RequiresApproval bool   `json:"requiresApproval,omitempty"`
}

// RemediationAvailablePayload mirrors autocheck:remediation-available.
type RemediationAvailablePayload struct {
	VMID        string      `json:"vmId"`
	Remediation Remediation `json:"remediation"`
}

// RemediationResult is the outcome of an applied remediation.
type RemediationResult struct {
	RemediationID string `json:"remediationId"`
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
}

// RemediationCompletedPayload mirrors autocheck:remediation-completed.
type RemediationCompletedPayload struct {
	VMID   string            `json:"vmId"`
	Result RemediationResult `json:"result"`
}

// HealthScorePayload mirrors health:score-updated.
type HealthScorePayload struct {
	VMID          string  `json:"vmId"`
	Score         float64 `json:"score"`
	PreviousScore float64 `json:"previousScore"`
}

// AutocheckStartedPayload mirrors autocheck:started.
type AutocheckStartedPayload struct {
	VMID      string `json:"vmId"`
	CheckName string `json:"checkName"`
}

// AutocheckCompletedPayload mirrors autocheck:completed.
type AutocheckCompletedPayload struct {
	VMID  string `json:"vmId"`
	Check string `json:"check"`
}

// FirewallStatusPayload mirrors firewall:status-updated.
type FirewallStatusPayload struct {
	VMID   string `json:"vmId"`
	Status string `json:"status"`
}

// ServiceToggledPayload mirrors firewall:service-toggled.
type ServiceToggledPayload struct {
	VMID      string `json:"vmId"`
	ServiceID string `json:"serviceId"`
	Enabled   bool   `json:"enabled"`
}

// ApprovalRequiredPayload mirrors remediation:approval-required.
type ApprovalRequiredPayload struct {
	VMID        string      `json:"vmId"`
	Remediation Remediation `json:"remediation"`
	Reason      string      `json:"reason"`
}

// RolledBackPayload mirrors remediation:rolled-back.
type RolledBackPayload struct {
	VMID          string `json:"vmId"`
	RemediationID string `json:"remediationId"`
	Reason        string `json:"reason"`
}
