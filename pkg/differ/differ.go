// Package differ decides whether a desired spec can be applied in place or
// needs the recreate path, by comparing only the fields the control plane
// treats as immutable.
package differ

import (
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
)

// Policy selects which protected fields participate in the diff. The zero
// value protects nothing; use DefaultPolicy for the conservative set the
// deployment scripts relied on.
type Policy struct {
	ServiceName             bool
	Selector                bool
	VolumeClaimCount        bool
	VolumeClaimAccessModes  bool
	VolumeClaimStorageClass bool
	// VolumeClaimShrink protects size decreases. Size-only increases are
	// never protected: control planes support live expansion.
	VolumeClaimShrink bool
}

// DefaultPolicy protects stable network identity, the pod selector, and
// volume claim topology.
func DefaultPolicy() Policy {
	return Policy{
		ServiceName:             true,
		Selector:                true,
		VolumeClaimCount:        true,
		VolumeClaimAccessModes:  true,
		VolumeClaimStorageClass: true,
		VolumeClaimShrink:       true,
	}
}

// Diff compares live against desired, restricted to the protected fields the
// policy enables. A nil live state yields an empty diff tagged Create.
func Diff(live *types.LiveWorkloadState, desired types.WorkloadSpec, p Policy) types.FieldDiff {
	if live == nil {
		return types.FieldDiff{Create: true}
	}

	var diff types.FieldDiff
	ls := live.Spec

	if p.ServiceName && ls.ServiceName != desired.ServiceName {
		diff.Changes = append(diff.Changes, change("serviceName", ls.ServiceName, desired.ServiceName))
	}

	if p.Selector && !apiequality.Semantic.DeepEqual(ls.Selector, desired.Selector) {
		diff.Changes = append(diff.Changes, change("selector", formatSelector(ls.Selector), formatSelector(desired.Selector)))
	}

	diff.Changes = append(diff.Changes, diffClaims(ls.VolumeClaims, desired.VolumeClaims, p)...)

	return diff
}

func diffClaims(live, desired []types.VolumeClaimSpec, p Policy) []types.FieldChange {
	var changes []types.FieldChange

	if p.VolumeClaimCount && len(live) != len(desired) {
		changes = append(changes, change("volumeClaims.count",
			fmt.Sprintf("%d", len(live)), fmt.Sprintf("%d", len(desired))))
		// Counts differ; per-claim comparison below would misalign.
		return changes
	}

	// Claims are keyed by template name: ordering in the manifest carries no
	// meaning, but a renamed template is a different claim set.
	liveByName := make(map[string]types.VolumeClaimSpec, len(live))
	for _, lc := range live {
		liveByName[lc.Name] = lc
	}

	for _, dc := range desired {
		path := "volumeClaims." + dc.Name

		lc, ok := liveByName[dc.Name]
		if !ok {
			if p.VolumeClaimCount {
				changes = append(changes, change(path, "<absent>", "declared"))
			}
			continue
		}

		if p.VolumeClaimStorageClass && lc.StorageClass != dc.StorageClass {
			changes = append(changes, change(path+".storageClass", lc.StorageClass, dc.StorageClass))
		}
		if p.VolumeClaimAccessModes && !apiequality.Semantic.DeepEqual(lc.AccessModes, dc.AccessModes) {
			changes = append(changes, change(path+".accessModes",
				formatModes(lc.AccessModes), formatModes(dc.AccessModes)))
		}
		if p.VolumeClaimShrink && dc.Size.Cmp(lc.Size) < 0 {
			changes = append(changes, change(path+".size", lc.Size.String(), dc.Size.String()))
		}
	}

	return changes
}

func change(path, live, desired string) types.FieldChange {
	return types.FieldChange{Path: path, Live: live, Desired: desired}
}

func formatSelector(sel map[string]string) string {
	if len(sel) == 0 {
		return "<none>"
	}
	parts := make([]string, 0, len(sel))
	for k, v := range sel {
		parts = append(parts, k+"="+v)
	}
	// Deterministic output for the audit trail.
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func formatModes(modes []corev1.PersistentVolumeAccessMode) string {
	if len(modes) == 0 {
		return "<none>"
	}
	parts := make([]string, len(modes))
	for i, m := range modes {
		parts[i] = string(m)
	}
	return strings.Join(parts, ",")
}
