// Package confirm decides when a tool call needs human approval and
// tracks the in-flight approval requests until they are resolved or
// time out.
package confirm

import (
	"github.com/toolplane/toolplane/pkg/models"
)

// Auto-approve reasons reported on tool_auto_approved events.
const (
	ReasonPolicyNone     = "policy_none"
	ReasonWhitelisted    = "whitelisted"
	ReasonNotBlacklisted = "not_blacklisted"
	ReasonAlwaysAllowed  = "always_allowed"
	ReasonThreadAllowed  = "thread_allowed"
)

// Decision is the gate's verdict for one tool call.
type Decision struct {
	Required bool
	// Reason is set when Required is false.
	Reason string
}

// Check decides whether a tool call needs human confirmation. Precedence:
// admin mode none, then a whitelist hit, then a blacklist miss, then the
// user's persisted always-allow list, then the thread allow-list. The admin
// whitelist/blacklist short-circuit to "not required" only; the later steps
// add exemptions but can never force a requirement back on. Pure function
// of its inputs.
func Check(policy *models.ConfirmPolicy, serverID, toolName string, userAlwaysAllow []string, threadAllowed *models.ThreadAllowList) Decision {
	toolID := models.ToolID(serverID, toolName)

	switch policy.Mode {
	case models.ConfirmNone:
		return Decision{Reason: ReasonPolicyNone}
	case models.ConfirmWhitelist:
		if listed(policy.Tools, toolID, toolName) {
			return Decision{Reason: ReasonWhitelisted}
		}
	case models.ConfirmBlacklist:
		if !listed(policy.Tools, toolID, toolName) {
			return Decision{Reason: ReasonNotBlacklisted}
		}
	}

	for _, id := range userAlwaysAllow {
		if id == toolID {
			return Decision{Reason: ReasonAlwaysAllowed}
		}
	}

	if threadAllowed != nil && threadAllowed.Has(toolID) {
		return Decision{Reason: ReasonThreadAllowed}
	}

	return Decision{Required: true}
}

// listed matches either the full serverID:toolName id or the bare name.
func listed(entries []string, toolID, toolName string) bool {
	for _, e := range entries {
		if e == toolID || e == toolName {
			return true
		}
	}
	return false
}
