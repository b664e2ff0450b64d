package cluster

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
)

const containerName = "workload"

// ToStatefulSet renders a WorkloadSpec as the StatefulSet object that is
// sent to the control plane.
func ToStatefulSet(spec types.WorkloadSpec) *appsv1.StatefulSet {
	podLabels := map[string]string{}
	for k, v := range spec.Selector {
		podLabels[k] = v
	}
	for k, v := range spec.Labels {
		podLabels[k] = v
	}

	container := corev1.Container{
		Name:  containerName,
		Image: spec.Image,
	}
	if spec.Readiness != nil {
		container.ReadinessProbe = readinessProbe(spec.Readiness)
	}
	if spec.DataPath != "" && len(spec.VolumeClaims) > 0 {
		container.VolumeMounts = []corev1.VolumeMount{{
			Name:      spec.VolumeClaims[0].Name,
			MountPath: spec.DataPath,
		}}
	}

	ss := &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Identity.Name,
			Namespace: spec.Identity.Namespace,
			Labels:    spec.Labels,
		},
		Spec: appsv1.StatefulSetSpec{
			Replicas:    ptr.To(spec.Replicas),
			ServiceName: spec.ServiceName,
			Selector:    &metav1.LabelSelector{MatchLabels: spec.Selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
				},
			},
			PersistentVolumeClaimRetentionPolicy: retainPolicy(),
		},
	}

	for _, vc := range spec.VolumeClaims {
		ss.Spec.VolumeClaimTemplates = append(ss.Spec.VolumeClaimTemplates, corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{Name: vc.Name},
			Spec: corev1.PersistentVolumeClaimSpec{
				AccessModes:      vc.AccessModes,
				StorageClassName: storageClassPtr(vc.StorageClass),
				Resources: corev1.VolumeResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceStorage: vc.Size,
					},
				},
			},
		})
	}

	return ss
}

// FromStatefulSet mirrors a live StatefulSet back into the declarative model.
func FromStatefulSet(ss *appsv1.StatefulSet) *types.LiveWorkloadState {
	spec := types.WorkloadSpec{
		Identity: types.Identity{
			Name:      ss.Name,
			Namespace: ss.Namespace,
		},
		Replicas:    1,
		ServiceName: ss.Spec.ServiceName,
		Labels:      ss.Labels,
	}
	if ss.Spec.Replicas != nil {
		spec.Replicas = *ss.Spec.Replicas
	}
	if ss.Spec.Selector != nil {
		spec.Selector = ss.Spec.Selector.MatchLabels
	}

	for _, c := range ss.Spec.Template.Spec.Containers {
		if c.Name != containerName {
			continue
		}
		spec.Image = c.Image
		if p := c.ReadinessProbe; p != nil {
			spec.Readiness = fromReadinessProbe(p)
		}
		if len(c.VolumeMounts) > 0 {
			spec.DataPath = c.VolumeMounts[0].MountPath
		}
	}

	for _, vct := range ss.Spec.VolumeClaimTemplates {
		vc := types.VolumeClaimSpec{
			Name:        vct.Name,
			AccessModes: vct.Spec.AccessModes,
		}
		if vct.Spec.StorageClassName != nil {
			vc.StorageClass = *vct.Spec.StorageClassName
		}
		if size, ok := vct.Spec.Resources.Requests[corev1.ResourceStorage]; ok {
			vc.Size = size
		}
		spec.VolumeClaims = append(spec.VolumeClaims, vc)
	}

	return &types.LiveWorkloadState{
		Spec:            spec,
		ReadyReplicas:   ss.Status.ReadyReplicas,
		ResourceVersion: ss.ResourceVersion,
	}
}

func readinessProbe(r *types.ReadinessProbe) *corev1.Probe {
	probe := &corev1.Probe{
		PeriodSeconds:    5,
		FailureThreshold: 3,
	}
	if r.Path != "" {
		probe.HTTPGet = &corev1.HTTPGetAction{
			Path: r.Path,
			Port: intstr.FromInt32(int32(r.Port)),
		}
	} else {
		probe.TCPSocket = &corev1.TCPSocketAction{
			Port: intstr.FromInt32(int32(r.Port)),
		}
	}
	return probe
}

func fromReadinessProbe(p *corev1.Probe) *types.ReadinessProbe {
	switch {
	case p.HTTPGet != nil:
		return &types.ReadinessProbe{
			Port: int(p.HTTPGet.Port.IntValue()),
			Path: p.HTTPGet.Path,
		}
	case p.TCPSocket != nil:
		return &types.ReadinessProbe{
			Port: int(p.TCPSocket.Port.IntValue()),
		}
	}
	return nil
}

func storageClassPtr(name string) *string {
	if name == "" {
		return nil
	}
	return &name
}
