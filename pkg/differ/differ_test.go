package differ

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
)

func baseSpec() types.WorkloadSpec {
	return types.WorkloadSpec{
		Identity:    types.Identity{Name: "db", Namespace: "prod"},
		Image:       "postgres:16",
		Replicas:    1,
		ServiceName: "db-headless",
		Selector:    map[string]string{"app": "db"},
		VolumeClaims: []types.VolumeClaimSpec{{
			Name:         "data",
			StorageClass: "standard",
			AccessModes:  []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Size:         resource.MustParse("10Gi"),
		}},
	}
}

func liveFrom(spec types.WorkloadSpec) *types.LiveWorkloadState {
	return &types.LiveWorkloadState{Spec: spec, ReadyReplicas: spec.Replicas}
}

func TestDiff_NoLive(t *testing.T) {
	diff := Diff(nil, baseSpec(), DefaultPolicy())
	if !diff.Create {
		t.Error("Create = false, want true")
	}
	if !diff.IsEmpty() {
		t.Errorf("expected empty diff, got %d changes", len(diff.Changes))
	}
}

func TestDiff_Identical(t *testing.T) {
	diff := Diff(liveFrom(baseSpec()), baseSpec(), DefaultPolicy())
	if !diff.IsEmpty() {
		t.Errorf("expected empty diff, got %v", diff.Changes)
	}
	if diff.Create {
		t.Error("Create = true, want false")
	}
}

func TestDiff_ReplicaChangeIsNotProtected(t *testing.T) {
	desired := baseSpec()
	desired.Replicas = 3

	diff := Diff(liveFrom(baseSpec()), desired, DefaultPolicy())
	if !diff.IsEmpty() {
		t.Errorf("replica change should not be protected, got %v", diff.Changes)
	}
}

func TestDiff_ImageChangeIsNotProtected(t *testing.T) {
	desired := baseSpec()
	desired.Image = "postgres:17"

	diff := Diff(liveFrom(baseSpec()), desired, DefaultPolicy())
	if !diff.IsEmpty() {
		t.Errorf("image change should not be protected, got %v", diff.Changes)
	}
}

func TestDiff_StorageClassChange(t *testing.T) {
	desired := baseSpec()
	desired.VolumeClaims[0].StorageClass = "premium"

	diff := Diff(liveFrom(baseSpec()), desired, DefaultPolicy())
	if len(diff.Changes) != 1 {
		t.Fatalf("expected 1 change, got %v", diff.Changes)
	}
	ch := diff.Changes[0]
	if ch.Path != "volumeClaims.data.storageClass" {
		t.Errorf("Path = %q, want %q", ch.Path, "volumeClaims.data.storageClass")
	}
	if ch.Live != "standard" || ch.Desired != "premium" {
		t.Errorf("change = %q -> %q, want standard -> premium", ch.Live, ch.Desired)
	}
}

func TestDiff_ServiceNameChange(t *testing.T) {
	desired := baseSpec()
	desired.ServiceName = "db-svc"

	diff := Diff(liveFrom(baseSpec()), desired, DefaultPolicy())
	if len(diff.Changes) != 1 || diff.Changes[0].Path != "serviceName" {
		t.Fatalf("expected serviceName change, got %v", diff.Changes)
	}
}

func TestDiff_SelectorChange(t *testing.T) {
	desired := baseSpec()
	desired.Selector = map[string]string{"app": "db", "tier": "storage"}

	diff := Diff(liveFrom(baseSpec()), desired, DefaultPolicy())
	if len(diff.Changes) != 1 || diff.Changes[0].Path != "selector" {
		t.Fatalf("expected selector change, got %v", diff.Changes)
	}
	if diff.Changes[0].Desired != "app=db,tier=storage" {
		t.Errorf("Desired = %q, want sorted key=value list", diff.Changes[0].Desired)
	}
}

func TestDiff_SizeGrowthIsNotProtected(t *testing.T) {
	desired := baseSpec()
	desired.VolumeClaims[0].Size = resource.MustParse("20Gi")

	diff := Diff(liveFrom(baseSpec()), desired, DefaultPolicy())
	if !diff.IsEmpty() {
		t.Errorf("size growth should not be protected, got %v", diff.Changes)
	}
}

func TestDiff_SizeShrinkIsProtected(t *testing.T) {
	desired := baseSpec()
	desired.VolumeClaims[0].Size = resource.MustParse("5Gi")

	diff := Diff(liveFrom(baseSpec()), desired, DefaultPolicy())
	if len(diff.Changes) != 1 || diff.Changes[0].Path != "volumeClaims.data.size" {
		t.Fatalf("expected size change, got %v", diff.Changes)
	}
}

func TestDiff_ClaimCountChange(t *testing.T) {
	desired := baseSpec()
	desired.VolumeClaims = append(desired.VolumeClaims, types.VolumeClaimSpec{
		Name:         "wal",
		StorageClass: "standard",
		AccessModes:  []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
		Size:         resource.MustParse("1Gi"),
	})

	diff := Diff(liveFrom(baseSpec()), desired, DefaultPolicy())
	if len(diff.Changes) != 1 || diff.Changes[0].Path != "volumeClaims.count" {
		t.Fatalf("expected count change only, got %v", diff.Changes)
	}
}

func TestDiff_ClaimOrderIsIrrelevant(t *testing.T) {
	wal := types.VolumeClaimSpec{
		Name:         "wal",
		StorageClass: "fast",
		AccessModes:  []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
		Size:         resource.MustParse("1Gi"),
	}

	live := baseSpec()
	live.VolumeClaims = append(live.VolumeClaims, wal)

	desired := baseSpec()
	desired.VolumeClaims = []types.VolumeClaimSpec{wal, baseSpec().VolumeClaims[0]}

	diff := Diff(liveFrom(live), desired, DefaultPolicy())
	if !diff.IsEmpty() {
		t.Errorf("reordered equivalent claims should not diff, got %v", diff.Changes)
	}
}

func TestDiff_ClaimRenameIsProtected(t *testing.T) {
	desired := baseSpec()
	desired.VolumeClaims[0].Name = "pgdata"

	diff := Diff(liveFrom(baseSpec()), desired, DefaultPolicy())
	if len(diff.Changes) != 1 || diff.Changes[0].Path != "volumeClaims.pgdata" {
		t.Fatalf("expected the renamed claim to be flagged, got %v", diff.Changes)
	}
}

func TestDiff_AccessModeChange(t *testing.T) {
	desired := baseSpec()
	desired.VolumeClaims[0].AccessModes = []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany}

	diff := Diff(liveFrom(baseSpec()), desired, DefaultPolicy())
	if len(diff.Changes) != 1 || diff.Changes[0].Path != "volumeClaims.data.accessModes" {
		t.Fatalf("expected accessModes change, got %v", diff.Changes)
	}
}

func TestDiff_PolicyDisablesField(t *testing.T) {
	desired := baseSpec()
	desired.ServiceName = "other"

	p := DefaultPolicy()
	p.ServiceName = false

	diff := Diff(liveFrom(baseSpec()), desired, p)
	if !diff.IsEmpty() {
		t.Errorf("serviceName disabled in policy, got %v", diff.Changes)
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	desired := baseSpec()
	desired.ServiceName = "other"
	desired.VolumeClaims[0].StorageClass = "premium"

	diff := Diff(liveFrom(baseSpec()), desired, DefaultPolicy())
	if len(diff.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %v", diff.Changes)
	}
}
