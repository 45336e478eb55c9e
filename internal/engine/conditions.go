package engine

import (
	"taskline/internal/domain"
	"taskline/internal/engine/auth"
)

// ActionConditionsFor computes the eligibility flag set for a task as seen by
// one actor. This is the single source of truth clients render actions from.
func ActionConditionsFor(t domain.Task, p domain.Project, caps auth.Capabilities) domain.ActionConditions {
	clocking := caps.ClockingFor(t.Assignee)
	nonTerminal := !domain.TerminalStatus(t.Status)
	var c domain.ActionConditions
	if !t.IsGroup {
		c.StartTask = clocking && t.Status == domain.StatusOpen
		c.PauseTask = clocking && t.Status == domain.StatusWorking
		c.ResumeTask = clocking && t.Status == domain.StatusOnHold
		c.CompleteTask = clocking && (t.Status == domain.StatusWorking || t.Status == domain.StatusOnHold)
		c.SplitTask = caps.CanCreate && caps.CanWrite && nonTerminal && !p.ReadyToClose
	}
	c.CancelTask = caps.CanWrite && nonTerminal
	c.ReopenTask = caps.CanWrite && domain.TerminalStatus(t.Status) && !p.ReadyToClose
	c.EditTask = caps.CanWrite && t.Status != domain.StatusCompleted && !p.ReadyToClose
	return c
}

// ActionNames lists the action identifiers enabled in a condition set, in
// presentation order.
func ActionNames(c domain.ActionConditions) []string {
	var names []string
	for _, a := range []struct {
		name string
		on   bool
	}{
		{"start", c.StartTask},
		{"complete", c.CompleteTask},
		{"pause", c.PauseTask},
		{"resume", c.ResumeTask},
		{"reopen", c.ReopenTask},
		{"edit", c.EditTask},
		{"split", c.SplitTask},
		{"cancel", c.CancelTask},
	} {
		if a.on {
			names = append(names, a.name)
		}
	}
	return names
}
