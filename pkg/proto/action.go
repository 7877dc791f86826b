package proto

import "fmt"

// ActionKind enumerates the routing decisions the workflow router can emit.
type ActionKind string

const (
	// ActionInvoke dispatches the named role for the group.
	ActionInvoke ActionKind = "invoke"
	// ActionMerge hands the group to the merge queue.
	ActionMerge ActionKind = "merge"
	// ActionHold parks the group pending human arbitration.
	ActionHold ActionKind = "hold"
	// ActionEscalate bumps the group's tier before re-invoking.
	ActionEscalate ActionKind = "escalate"
	// ActionEnterInvestigation starts a bounded hypothesis loop.
	ActionEnterInvestigation ActionKind = "enter_investigation"
	// ActionCompleteGroup marks the group done after merge.
	ActionCompleteGroup ActionKind = "complete_group"
	// ActionRejectAndRetry returns a rejected completion to the pipeline
	// with remediation scope attached.
	ActionRejectAndRetry ActionKind = "reject_and_retry"
)

// Action is a single routing decision. Kind is always set; NextRole is set
// for invoke and escalate actions, Tier for escalate.
type Action struct {
	Kind     ActionKind
	NextRole Role
	Tier     Tier
	Reason   string
}

func (a Action) String() string {
	switch a.Kind {
	case ActionInvoke:
		return fmt.Sprintf("invoke %s", a.NextRole)
	case ActionEscalate:
		return fmt.Sprintf("escalate to %s then invoke %s", a.Tier, a.NextRole)
	default:
		return string(a.Kind)
	}
}

// Invoke builds an invoke action for the given role.
func Invoke(role Role, reason string) Action {
	return Action{Kind: ActionInvoke, NextRole: role, Reason: reason}
}

// Escalate builds an escalate action targeting role at tier.
func Escalate(role Role, tier Tier, reason string) Action {
	return Action{Kind: ActionEscalate, NextRole: role, Tier: tier, Reason: reason}
}

// Hold builds a hold action with the given reason.
func Hold(reason string) Action {
	return Action{Kind: ActionHold, Reason: reason}
}
