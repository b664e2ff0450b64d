package health

import (
	"context"
	"log"
	"time"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/cluster"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/waitfor"
)

const defaultPollInterval = 5 * time.Second

// Verifier polls workload readiness with a fixed interval and a hard bound.
type Verifier struct {
	cluster  cluster.Interface
	interval time.Duration
	verbose  bool
}

func New(cl cluster.Interface, verbose bool) *Verifier {
	return &Verifier{cluster: cl, interval: defaultPollInterval, verbose: verbose}
}

// WithInterval overrides the poll interval (tests use a short one).
func (v *Verifier) WithInterval(d time.Duration) *Verifier {
	v.interval = d
	return v
}

// WaitReady blocks until the workload reports at least minReady ready
// replicas, or the timeout elapses. Timeout comes back as
// waitfor.ErrTimeout, never as an unbounded hang.
func (v *Verifier) WaitReady(ctx context.Context, id types.Identity, minReady int32, timeout time.Duration) error {
	v.logf("waiting for %s to reach %d ready replicas (timeout %s)", id, minReady, timeout)

	return waitfor.Until(ctx, v.interval, timeout, func(ctx context.Context) (bool, error) {
		state, err := v.cluster.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if state == nil {
			// Not created yet; keep polling until the bound.
			return false, nil
		}
		v.logf("%s: %d/%d ready", id, state.ReadyReplicas, minReady)
		return state.ReadyReplicas >= minReady, nil
	})
}

// WaitStable requires readiness to hold across two consecutive polls, so a
// replica that flaps right after recreation does not count as verified.
func (v *Verifier) WaitStable(ctx context.Context, id types.Identity, minReady int32, timeout time.Duration) error {
	consecutive := 0
	return waitfor.Until(ctx, v.interval, timeout, func(ctx context.Context) (bool, error) {
		state, err := v.cluster.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if state == nil || state.ReadyReplicas < minReady {
			consecutive = 0
			return false, nil
		}
		consecutive++
		v.logf("%s stable check %d/2", id, consecutive)
		return consecutive >= 2, nil
	})
}

func (v *Verifier) logf(format string, args ...interface{}) {
	if v.verbose {
		log.Printf("[health] "+format, args...)
	}
}
