package cluster

import (
	"context"
	"fmt"
	"log"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
)

// Interface is the control-plane collaborator. Implementations must
// distinguish transport failures from semantic rejections: an apply that the
// control plane refuses because a protected field changed comes back as
// RejectedImmutableField, never as a generic error.
type Interface interface {
	// Get returns the observed state of the workload, or (nil, nil) when
	// no live object exists.
	Get(ctx context.Context, id types.Identity) (*types.LiveWorkloadState, error)

	// Apply declaratively upserts the workload object.
	Apply(ctx context.Context, spec types.WorkloadSpec) error

	// Delete removes the workload controller object. With keepStorage the
	// storage claims are left untouched.
	Delete(ctx context.Context, id types.Identity, keepStorage bool) error

	// Scale sets the replica count.
	Scale(ctx context.Context, id types.Identity, n int32) error

	// ListPods returns the pods selected by the workload.
	ListPods(ctx context.Context, id types.Identity) ([]corev1.Pod, error)
}

// Client implements Interface against a Kubernetes cluster, modeling the
// stateful workload as a StatefulSet.
type Client struct {
	client  kubernetes.Interface
	verbose bool
}

func New(client kubernetes.Interface, verbose bool) *Client {
	return &Client{client: client, verbose: verbose}
}

func (c *Client) Get(ctx context.Context, id types.Identity) (*types.LiveWorkloadState, error) {
	var ss *appsv1.StatefulSet
	err := withTransportRetry(func() error {
		var err error
		ss, err = c.client.AppsV1().StatefulSets(id.Namespace).Get(ctx, id.Name, metav1.GetOptions{})
		return err
	})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, transportErr("getting %s: %w", id, err)
	}

	state := FromStatefulSet(ss)

	pods, err := c.ListPods(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, pod := range pods {
		state.Pods = append(state.Pods, pod.Status.Phase)
	}

	c.logf("%s: %d ready replicas, %d pods", id, state.ReadyReplicas, len(state.Pods))
	return state, nil
}

func (c *Client) Apply(ctx context.Context, spec types.WorkloadSpec) error {
	id := spec.Identity

	var live *appsv1.StatefulSet
	err := withTransportRetry(func() error {
		var err error
		live, err = c.client.AppsV1().StatefulSets(id.Namespace).Get(ctx, id.Name, metav1.GetOptions{})
		return err
	})
	if apierrors.IsNotFound(err) {
		c.logf("creating %s", id)
		err = withTransportRetry(func() error {
			_, err := c.client.AppsV1().StatefulSets(id.Namespace).Create(ctx, ToStatefulSet(spec), metav1.CreateOptions{})
			return err
		})
		return classifyApply(id, err)
	}
	if err != nil {
		return transportErr("fetching %s before apply: %w", id, err)
	}

	desired := ToStatefulSet(spec)
	desired.ResourceVersion = live.ResourceVersion
	c.logf("updating %s", id)
	err = withTransportRetry(func() error {
		_, err := c.client.AppsV1().StatefulSets(id.Namespace).Update(ctx, desired, metav1.UpdateOptions{})
		return err
	})
	return classifyApply(id, err)
}

func (c *Client) Delete(ctx context.Context, id types.Identity, keepStorage bool) error {
	if keepStorage {
		if err := c.ensureClaimsRetained(ctx, id); err != nil {
			return err
		}
	}

	policy := metav1.DeletePropagationBackground
	if keepStorage {
		// Orphan dependents so claim objects are never swept up with the
		// controller object.
		policy = metav1.DeletePropagationOrphan
	}

	c.logf("deleting %s (keepStorage=%v)", id, keepStorage)
	err := withTransportRetry(func() error {
		return c.client.AppsV1().StatefulSets(id.Namespace).Delete(ctx, id.Name, metav1.DeleteOptions{
			PropagationPolicy: &policy,
		})
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return transportErr("deleting %s: %w", id, err)
	}
	return nil
}

// ensureClaimsRetained forces the claim retention policy to Retain before
// deletion, so the control plane keeps PVCs regardless of what the object
// was created with.
func (c *Client) ensureClaimsRetained(ctx context.Context, id types.Identity) error {
	var ss *appsv1.StatefulSet
	err := withTransportRetry(func() error {
		var err error
		ss, err = c.client.AppsV1().StatefulSets(id.Namespace).Get(ctx, id.Name, metav1.GetOptions{})
		return err
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return transportErr("fetching %s before delete: %w", id, err)
	}

	retain := retainPolicy()
	if ss.Spec.PersistentVolumeClaimRetentionPolicy != nil &&
		*ss.Spec.PersistentVolumeClaimRetentionPolicy == *retain {
		return nil
	}

	ss.Spec.PersistentVolumeClaimRetentionPolicy = retain
	err = withTransportRetry(func() error {
		_, err := c.client.AppsV1().StatefulSets(id.Namespace).Update(ctx, ss, metav1.UpdateOptions{})
		return err
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return transportErr("retaining claims for %s: %w", id, err)
	}
	return nil
}

func (c *Client) Scale(ctx context.Context, id types.Identity, n int32) error {
	err := withTransportRetry(func() error {
		ss, err := c.client.AppsV1().StatefulSets(id.Namespace).Get(ctx, id.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		ss.Spec.Replicas = &n
		_, err = c.client.AppsV1().StatefulSets(id.Namespace).Update(ctx, ss, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return transportErr("scaling %s to %d: %w", id, n, err)
	}
	c.logf("scaled %s to %d", id, n)
	return nil
}

func (c *Client) ListPods(ctx context.Context, id types.Identity) ([]corev1.Pod, error) {
	var ss *appsv1.StatefulSet
	err := withTransportRetry(func() error {
		var err error
		ss, err = c.client.AppsV1().StatefulSets(id.Namespace).Get(ctx, id.Name, metav1.GetOptions{})
		return err
	})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, transportErr("getting %s for pod list: %w", id, err)
	}

	selector := labels.SelectorFromSet(ss.Spec.Selector.MatchLabels).String()
	var pods *corev1.PodList
	err = withTransportRetry(func() error {
		var err error
		pods, err = c.client.CoreV1().Pods(id.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: selector,
		})
		return err
	})
	if err != nil {
		return nil, transportErr("listing pods for %s: %w", id, err)
	}
	return pods.Items, nil
}

// withTransportRetry runs fn and retries exactly once on a transport-level
// failure. Semantic rejections (not-found, conflict, invalid, forbidden)
// are returned as-is on the first attempt.
func withTransportRetry(fn func() error) error {
	err := fn()
	if err == nil || !isTransport(err) {
		return err
	}
	return fn()
}

func isTransport(err error) bool {
	switch {
	case apierrors.IsNotFound(err),
		apierrors.IsConflict(err),
		apierrors.IsInvalid(err),
		apierrors.IsForbidden(err),
		apierrors.IsAlreadyExists(err),
		apierrors.IsBadRequest(err):
		return false
	}
	return true
}

// classifyApply turns an apply rejection into the typed result callers
// branch on. Invalid/forbidden responses are the control plane refusing an
// immutable-field change, which is the expected recreate trigger.
func classifyApply(id types.Identity, err error) error {
	if err == nil {
		return nil
	}
	if apierrors.IsInvalid(err) || apierrors.IsForbidden(err) {
		return types.NewOpError(types.RejectedImmutableField, "",
			fmt.Errorf("apply %s: %w", id, err))
	}
	if apierrors.IsConflict(err) {
		return types.NewOpError(types.ApplyConflict, "",
			fmt.Errorf("apply %s: %w", id, err))
	}
	return transportErr("apply %s: %w", id, err)
}

func transportErr(format string, args ...interface{}) error {
	return types.NewOpError(types.TransportError, "", fmt.Errorf(format, args...))
}

func retainPolicy() *appsv1.StatefulSetPersistentVolumeClaimRetentionPolicy {
	return &appsv1.StatefulSetPersistentVolumeClaimRetentionPolicy{
		WhenDeleted: appsv1.RetainPersistentVolumeClaimRetentionPolicyType,
		WhenScaled:  appsv1.RetainPersistentVolumeClaimRetentionPolicyType,
	}
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.verbose {
		log.Printf("[cluster] "+format, args...)
	}
}
