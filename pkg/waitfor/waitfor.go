// Package waitfor is the single bounded-retry primitive behind every wait in
// the orchestrator. Nothing here blocks without a deadline, and hitting the
// deadline comes back as a typed result rather than a hang or a bare error.
package waitfor

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrTimeout is returned when the condition never held within the bound.
var ErrTimeout = errors.New("condition not reached within timeout")

// Until polls cond at the given interval until it returns true, it returns
// an error, or timeout elapses. The first poll happens immediately.
func Until(ctx context.Context, interval, timeout time.Duration, cond func(ctx context.Context) (bool, error)) error {
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, cond)
	if err == nil {
		return nil
	}
	if wait.Interrupted(err) && ctx.Err() == nil {
		return ErrTimeout
	}
	return err
}
