package proxmox

import "fmt"

// UpstreamError reports a failed hypervisor call: transport failure,
// non-success HTTP status, or an undecodable response body. StatusCode
// is 0 when the request never produced an HTTP response.
type UpstreamError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("proxmox %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("proxmox %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func upstream(op string, status int, err error) *UpstreamError {
	return &UpstreamError{Op: op, StatusCode: status, Err: err}
}
