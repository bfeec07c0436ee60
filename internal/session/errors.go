package session

import "errors"

var (
	// ErrSessionNotFound: the session id is unknown (never existed, was
	// ended, or was swept).
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnknownRole: the role name is not one of the session's slots.
	ErrUnknownRole = errors.New("unknown role")
	// ErrVMNotFound: the hypervisor has no record of a VM the session
	// believes it owns. Distinct from ErrSessionNotFound.
	ErrVMNotFound = errors.New("vm not found")
)
