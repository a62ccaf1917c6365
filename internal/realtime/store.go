package realtime

import "time"

// Action is a state-store mutation produced by an inbound event.
type Action struct {
	Type    ActionType
	VMID    string
	Payload any
}

type ActionType string

const (
	ActionIssueDetected         ActionType = "autocheck/issueDetected"
	ActionRemediationAvailable  ActionType = "autocheck/remediationAvailable"
	ActionRemediationCompleted  ActionType = "autocheck/remediationCompleted"
	ActionAutocheckStarted      ActionType = "autocheck/started"
	ActionAutocheckCompleted    ActionType = "autocheck/completed"
	ActionHealthScoreUpdated    ActionType = "health/scoreUpdated"
	ActionFirewallStatusUpdated ActionType = "firewall/statusUpdated"
	ActionServiceToggled        ActionType = "firewall/serviceToggled"
	ActionApprovalRequired      ActionType = "remediation/approvalRequired"
	ActionRolledBack            ActionType = "remediation/rolledBack"
)

// StateStore is the UI state store. Select returns the value at path, or
// nil when absent.
type StateStore interface {
	Dispatch(Action)
	Select(path string) any
}

// RemediationPath is where a store keeps the remediation offered for a VM.
// The router reads it to name remediations in notifications.
func RemediationPath(vmID, remediationID string) string {
	return "remediations/" + vmID + "/" + remediationID
}

// Level selects how a notification is presented.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a user-facing message.
type Notification struct {
	Level   Level
	Title   string
	Message string
	VMID    string
	At      time.Time
}

// Notifier shows notifications to the user.
type Notifier interface {
	Notify(Notification)
}

type nopStore struct{}

func (nopStore) Dispatch(Action)    {}
func (nopStore) Select(string) any { return nil }

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}
