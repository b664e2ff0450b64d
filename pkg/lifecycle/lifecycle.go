// Package lifecycle drives the destructive half of a recreate cycle:
// scale-down, delete with storage preserved, and declarative apply.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/cluster"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/waitfor"

	corev1 "k8s.io/api/core/v1"
)

const pollInterval = 2 * time.Second

// Controller sequences control-plane calls for one workload at a time.
type Controller struct {
	cluster  cluster.Interface
	interval time.Duration
	verbose  bool
}

func New(cl cluster.Interface, verbose bool) *Controller {
	return &Controller{cluster: cl, interval: pollInterval, verbose: verbose}
}

func (c *Controller) WithInterval(d time.Duration) *Controller {
	c.interval = d
	return c
}

// ScaleTo sets the replica count and waits for the pod count to converge.
// Scaling to zero that times out returns a TerminationTimeout; callers treat
// it as non-fatal since the control plane force-terminates on delete.
func (c *Controller) ScaleTo(ctx context.Context, id types.Identity, n int32, timeout time.Duration) error {
	c.logf("scaling %s to %d", id, n)
	if err := c.cluster.Scale(ctx, id, n); err != nil {
		return err
	}

	err := waitfor.Until(ctx, c.interval, timeout, func(ctx context.Context) (bool, error) {
		pods, err := c.cluster.ListPods(ctx, id)
		if err != nil {
			return false, err
		}
		running := runningPods(pods)
		c.logf("%s: %d pods still up (target %d)", id, running, n)
		return running <= int(n), nil
	})
	if errors.Is(err, waitfor.ErrTimeout) && n == 0 {
		return types.NewOpError(types.TerminationTimeout, "",
			fmt.Errorf("pods of %s did not drain within %s", id, timeout))
	}
	return err
}

// DeletePreservingStorage removes the workload controller object and waits
// for it to be gone. Storage claim objects are never touched.
func (c *Controller) DeletePreservingStorage(ctx context.Context, id types.Identity, timeout time.Duration) error {
	c.logf("deleting %s, storage preserved", id)
	if err := c.cluster.Delete(ctx, id, true); err != nil {
		return err
	}

	return waitfor.Until(ctx, c.interval, timeout, func(ctx context.Context) (bool, error) {
		state, err := c.cluster.Get(ctx, id)
		if err != nil {
			return false, err
		}
		return state == nil, nil
	})
}

// Apply is a declarative upsert. A stale-resource-version conflict is
// retried exactly once after a refetch inside the cluster client.
func (c *Controller) Apply(ctx context.Context, spec types.WorkloadSpec, timeout time.Duration) error {
	applyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := c.cluster.Apply(applyCtx, spec)
	if types.KindOf(err) == types.ApplyConflict {
		c.logf("conflict applying %s, refetching and retrying once", spec.Identity)
		err = c.cluster.Apply(applyCtx, spec)
	}
	return err
}

func runningPods(pods []corev1.Pod) int {
	n := 0
	for _, p := range pods {
		switch p.Status.Phase {
		case corev1.PodSucceeded, corev1.PodFailed:
		default:
			n++
		}
	}
	return n
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.verbose {
		log.Printf("[lifecycle] "+format, args...)
	}
}
