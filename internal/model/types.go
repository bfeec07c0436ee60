package model

import "time"

// VMSlot binds a logical role name ("server1") to the hypervisor VM
// cloned for it. Slots keep the configured role order.
type VMSlot struct {
	Role string `json:"role"`
	VMID int    `json:"vmId"`
}

// ExamSession is the unit of ownership for a set of cloned VMs. It is
// written once at creation and never mutated afterwards; the store holds
// the only long-lived copy.
type ExamSession struct {
	ID        string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Slots     []VMSlot  `json:"vmSlots"`
	CreatedAt time.Time `json:"createdAt"`
}

// VMID resolves a role to its VM identifier.
func (s ExamSession) VMID(role string) (int, bool) {
	for _, slot := range s.Slots {
		if slot.Role == role {
			return slot.VMID, true
		}
	}
	return 0, false
}

// VMIDs returns the session's VM identifiers in slot order.
func (s ExamSession) VMIDs() []int {
	out := make([]int, 0, len(s.Slots))
	for _, slot := range s.Slots {
		out = append(out, slot.VMID)
	}
	return out
}

// VMStatus is a point-in-time view of one VM, produced fresh on every
// query and never cached.
type VMStatus struct {
	VMID          int    `json:"vmId"`
	Status        string `json:"status"`
	Name          string `json:"name"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// StatusUnknown is substituted when the hypervisor cannot account for a
// VM during a whole-session status query.
const StatusUnknown = "unknown"

// VMSummary is one row of the node's VM inventory.
type VMSummary struct {
	VMID   int    `json:"vmid"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ConsoleTicket is a short-lived console credential. It must not be
// persisted or logged; callers request a fresh one per console launch.
type ConsoleTicket struct {
	Ticket string
	Port   int
	TaskID string
}

// ConsoleDescriptor is the launchable console endpoint handed back to
// the caller.
type ConsoleDescriptor struct {
	URL    string `json:"url"`
	Port   int    `json:"port"`
	Ticket string `json:"ticket"`
}
