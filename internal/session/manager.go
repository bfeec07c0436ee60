// Package session orchestrates the exam session lifecycle: template set
// to cloned VM set at start, per-VM control operations while active, and
// best-effort multi-VM teardown at end or expiry.
package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/examforge/vmlab-control-plane/internal/config"
	"github.com/examforge/vmlab-control-plane/internal/metrics"
	"github.com/examforge/vmlab-control-plane/internal/model"
	"github.com/examforge/vmlab-control-plane/internal/store"
)

// Hypervisor is the subset of the Proxmox client the manager drives.
type Hypervisor interface {
	CloneFromTemplate(ctx context.Context, templateID int, name string) (int, error)
	Start(ctx context.Context, vmid int) bool
	Stop(ctx context.Context, vmid int) bool
	Delete(ctx context.Context, vmid int) bool
	GetStatus(ctx context.Context, vmid int) (model.VMStatus, bool)
}

// Action is a per-VM control command.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

func ParseAction(raw string) (Action, bool) {
	switch Action(raw) {
	case ActionStart, ActionStop:
		return Action(raw), true
	default:
		return "", false
	}
}

type Manager struct {
	hv    Hypervisor
	store *store.Store
	roles []config.RoleTemplate
}

func NewManager(hv Hypervisor, st *store.Store, roles []config.RoleTemplate) *Manager {
	return &Manager{hv: hv, store: st, roles: roles}
}

// StartSession clones one VM per configured role and registers the
// resulting session. Clones run sequentially in configured order: each
// clone consumes a fresh "next free identifier" from the hypervisor, and
// issuing them concurrently would race that allocation.
//
// A clone failure partway through surfaces the error and leaves the
// already-cloned VMs allocated; they are logged per-vmid so an operator
// can reclaim them.
func (m *Manager) StartSession(ctx context.Context, userID string) (model.ExamSession, error) {
	sessionID := uuid.NewString()
	slots := make([]model.VMSlot, 0, len(m.roles))
	for _, rt := range m.roles {
		name := fmt.Sprintf("exam-%s-%s", sessionID, rt.Role)
		vmid, err := m.hv.CloneFromTemplate(ctx, rt.TemplateID, name)
		if err != nil {
			for _, cloned := range slots {
				log.Printf("event=session_start_orphaned_vm session_id=%s role=%s vmid=%d", sessionID, cloned.Role, cloned.VMID)
			}
			return model.ExamSession{}, fmt.Errorf("clone %s from template %d: %w", rt.Role, rt.TemplateID, err)
		}
		slots = append(slots, model.VMSlot{Role: rt.Role, VMID: vmid})
	}

	sess := model.ExamSession{
		ID:        sessionID,
		UserID:    userID,
		Slots:     slots,
		CreatedAt: time.Now().UTC(),
	}
	m.store.Put(sess)
	metrics.Default().IncCounter("vmlab_sessions_started_total", nil)
	log.Printf("event=session_started session_id=%s user_id=%s vm_count=%d", sess.ID, userID, len(slots))
	return sess, nil
}

// ResolveVM maps a session and role to the owning VM identifier. The
// console broker shares this resolution so both surfaces report the same
// error taxonomy.
func (m *Manager) ResolveVM(sessionID, role string) (int, error) {
	sess, ok := m.store.Get(sessionID)
	if !ok {
		return 0, ErrSessionNotFound
	}
	vmid, ok := sess.VMID(role)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return vmid, nil
}

// ControlVM starts or stops one of the session's VMs, passing the
// hypervisor's boolean result through unchanged.
func (m *Manager) ControlVM(ctx context.Context, sessionID, role string, action Action) (bool, error) {
	vmid, err := m.ResolveVM(sessionID, role)
	if err != nil {
		return false, err
	}
	switch action {
	case ActionStart:
		return m.hv.Start(ctx, vmid), nil
	case ActionStop:
		return m.hv.Stop(ctx, vmid), nil
	default:
		return false, fmt.Errorf("invalid action %q", action)
	}
}

// GetVMStatus fetches the live status of one VM. An absent hypervisor
// record maps to ErrVMNotFound.
func (m *Manager) GetVMStatus(ctx context.Context, sessionID, role string) (model.VMStatus, error) {
	vmid, err := m.ResolveVM(sessionID, role)
	if err != nil {
		return model.VMStatus{}, err
	}
	status, ok := m.hv.GetStatus(ctx, vmid)
	if !ok {
		return model.VMStatus{}, fmt.Errorf("%w: vmid %d", ErrVMNotFound, vmid)
	}
	return status, nil
}

// GetSessionStatus queries every role of the session. Roles whose VM
// status comes back absent get a placeholder instead of failing the
// whole call: one hypervisor hiccup must not blank the dashboard.
func (m *Manager) GetSessionStatus(ctx context.Context, sessionID string) (map[string]model.VMStatus, error) {
	sess, ok := m.store.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make(map[string]model.VMStatus, len(sess.Slots))
	for _, slot := range sess.Slots {
		status, ok := m.hv.GetStatus(ctx, slot.VMID)
		if !ok {
			status = model.VMStatus{VMID: slot.VMID, Status: model.StatusUnknown}
		}
		out[slot.Role] = status
	}
	return out, nil
}

// EndSession atomically claims the session, then best-effort deletes
// every VM it owned, attempting all even after failures. The returned
// slice holds the VM identifiers whose delete failed. Ending an unknown
// (or already ended) session reports ErrSessionNotFound.
func (m *Manager) EndSession(ctx context.Context, sessionID string) ([]int, error) {
	sess, ok := m.store.Remove(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	failed := m.teardown(ctx, sess)
	metrics.Default().IncCounter("vmlab_sessions_ended_total", map[string]string{"reason": "explicit"})
	log.Printf("event=session_ended session_id=%s user_id=%s failed_deletes=%d", sess.ID, sess.UserID, len(failed))
	return failed, nil
}

// SweepExpiredSessions removes every session older than maxAge and tears
// down its VMs, returning the number of sessions cleaned.
func (m *Manager) SweepExpiredSessions(ctx context.Context, maxAge time.Duration) int {
	removed := m.store.SweepExpired(maxAge)
	for _, sess := range removed {
		failed := m.teardown(ctx, sess)
		metrics.Default().IncCounter("vmlab_sessions_ended_total", map[string]string{"reason": "expired"})
		log.Printf("event=session_expired session_id=%s user_id=%s age=%s failed_deletes=%d",
			sess.ID, sess.UserID, time.Since(sess.CreatedAt).Round(time.Second), len(failed))
	}
	return len(removed)
}

func (m *Manager) teardown(ctx context.Context, sess model.ExamSession) []int {
	var failed []int
	for _, slot := range sess.Slots {
		if !m.hv.Delete(ctx, slot.VMID) {
			failed = append(failed, slot.VMID)
			metrics.Default().IncCounter("vmlab_session_vm_delete_failures_total", nil)
		}
	}
	return failed
}
