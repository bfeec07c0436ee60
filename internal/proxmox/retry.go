package proxmox

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/examforge/vmlab-control-plane/internal/metrics"
)

// retryRead retries an idempotent hypervisor read on transient failures.
// Writes (clone, start, stop, delete) are issued exactly once: the
// hypervisor offers no idempotency primitive and a blind clone retry
// races its identifier allocation.
func retryRead(ctx context.Context, op string, fn func(context.Context) error) error {
	const (
		maxAttempts = 3
		baseDelay   = 250 * time.Millisecond
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
		if attempt == maxAttempts {
			metrics.Default().IncCounter("vmlab_hypervisor_retry_exhausted_total", map[string]string{"op": op})
			return err
		}
		metrics.Default().IncCounter("vmlab_hypervisor_retries_total", map[string]string{
			"op":     op,
			"reason": transientReason(err),
		})
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		log.Printf("event=hypervisor_retry op=%s attempt=%d delay_ms=%d err=%q", op, attempt, delay.Milliseconds(), err.Error())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// isTransient treats transport failures and 5xx responses as retryable.
// 4xx is a definitive answer (bad request, unknown VM, bad credentials)
// and is never retried.
func isTransient(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	return ue.StatusCode == 0 || ue.StatusCode >= 500
}

func transientReason(err error) string {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return "unknown"
	}
	if ue.StatusCode == 0 {
		return "transport"
	}
	return "status_" + strconv.Itoa(ue.StatusCode)
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}
