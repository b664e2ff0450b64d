package backup

import (
	"context"
	"fmt"
	"log"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
)

// PathResolver maps a live workload to the node-local path of its primary
// dataset, for volume-archive fallback backups.
type PathResolver interface {
	DataPath(ctx context.Context, live *types.LiveWorkloadState) (string, error)
}

// PVResolver resolves the path by walking the workload's first volume claim
// to its bound persistent volume. Only single-node path-backed volumes
// (CSI hostpath, local, hostPath) are supported, matching the clusters the
// deployment scripts targeted.
type PVResolver struct {
	client  kubernetes.Interface
	verbose bool
}

func NewPVResolver(client kubernetes.Interface, verbose bool) *PVResolver {
	return &PVResolver{client: client, verbose: verbose}
}

func (r *PVResolver) DataPath(ctx context.Context, live *types.LiveWorkloadState) (string, error) {
	spec := live.Spec
	if len(spec.VolumeClaims) == 0 {
		return "", fmt.Errorf("workload %s declares no volume claims", spec.Identity)
	}

	// StatefulSet claim naming: <template>-<name>-<ordinal>. Ordinal 0
	// holds the primary replica's dataset.
	claimName := fmt.Sprintf("%s-%s-0", spec.VolumeClaims[0].Name, spec.Identity.Name)

	pvc, err := r.client.CoreV1().PersistentVolumeClaims(spec.Identity.Namespace).Get(ctx, claimName, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("getting claim %q: %w", claimName, err)
	}
	if pvc.Spec.VolumeName == "" {
		return "", fmt.Errorf("claim %q is not bound to a volume", claimName)
	}

	pv, err := r.client.CoreV1().PersistentVolumes().Get(ctx, pvc.Spec.VolumeName, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("getting volume %q: %w", pvc.Spec.VolumeName, err)
	}

	path := resolveHostPath(pv)
	if path == "" {
		return "", fmt.Errorf("volume %q is not path-backed", pv.Name)
	}
	r.logf("claim %s -> volume %s -> path %s", claimName, pv.Name, path)
	return path, nil
}

// resolveHostPath extracts the node-local path from a PV spec. Supports CSI
// volumeAttributes, local volumes, and hostPath volumes.
func resolveHostPath(pv *corev1.PersistentVolume) string {
	// CSI with volumeAttributes.path (e.g. hostpath provisioner)
	if pv.Spec.CSI != nil {
		if path, ok := pv.Spec.CSI.VolumeAttributes["path"]; ok {
			return path
		}
	}

	if pv.Spec.Local != nil {
		return pv.Spec.Local.Path
	}

	if pv.Spec.HostPath != nil {
		return pv.Spec.HostPath.Path
	}

	return ""
}

func (r *PVResolver) logf(format string, args ...interface{}) {
	if r.verbose {
		log.Printf("[backup] "+format, args...)
	}
}
