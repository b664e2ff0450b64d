package types

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Identity names a workload uniquely within a cluster.
type Identity struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

func (id Identity) String() string {
	return id.Namespace + "/" + id.Name
}

// DirName returns the filesystem-safe form used for per-identity
// subdirectories of the state and artifact stores.
func (id Identity) DirName() string {
	return id.Namespace + "_" + id.Name
}

// VolumeClaimSpec describes one persistent volume claim template of a workload.
type VolumeClaimSpec struct {
	Name         string                              `json:"name"`
	StorageClass string                              `json:"storageClass"`
	AccessModes  []corev1.PersistentVolumeAccessMode `json:"accessModes"`
	Size         resource.Quantity                   `json:"size"`
}

// ReadinessProbe describes how the workload reports readiness.
type ReadinessProbe struct {
	Port int    `json:"port"`
	Path string `json:"path,omitempty"`
}

// WorkloadSpec is the declared shape of a stateful workload. Once live it is
// immutable in its protected fields except via recreation.
type WorkloadSpec struct {
	Identity     Identity          `json:"identity"`
	Image        string            `json:"image"`
	Replicas     int32             `json:"replicas"`
	ServiceName  string            `json:"serviceName"`
	Selector     map[string]string `json:"selector"`
	Labels       map[string]string `json:"labels,omitempty"`
	VolumeClaims []VolumeClaimSpec `json:"volumeClaims,omitempty"`
	Readiness    *ReadinessProbe   `json:"readiness,omitempty"`
	// DataPath is the mount path of the primary dataset inside the pod,
	// used for volume-archive backups when a logical dump is unavailable.
	DataPath string `json:"dataPath,omitempty"`
}

// LiveWorkloadState is the observed mirror of a WorkloadSpec plus status.
// It is only ever mutated by the control plane.
type LiveWorkloadState struct {
	Spec            WorkloadSpec
	ReadyReplicas   int32
	Pods            []corev1.PodPhase
	ResourceVersion string
}

// FieldChange records one protected field that differs between live and desired.
type FieldChange struct {
	Path    string `json:"path"`
	Live    string `json:"live"`
	Desired string `json:"desired"`
}

// FieldDiff is the result of comparing live vs. desired, restricted to
// protected fields. An empty diff means an in-place apply is legal.
type FieldDiff struct {
	// Create is set when there is no live object at all.
	Create  bool          `json:"create"`
	Changes []FieldChange `json:"changes,omitempty"`
}

func (d FieldDiff) IsEmpty() bool {
	return len(d.Changes) == 0
}

// ArtifactKind distinguishes the two backup forms.
type ArtifactKind string

const (
	// LogicalDump is a portable, engine-native export of the dataset.
	LogicalDump ArtifactKind = "logical-dump"
	// VolumeArchive is a raw tar.gz of the workload's data path.
	VolumeArchive ArtifactKind = "volume-archive"
)

// BackupArtifact is a handle to a durable export of a workload's dataset.
// It is produced once by the backup manager and consumed exactly once by
// the restore manager; it is never reused across identities.
type BackupArtifact struct {
	Kind      ArtifactKind `json:"kind"`
	Path      string       `json:"path"`
	Checksum  string       `json:"checksum"`
	Size      int64        `json:"size"`
	CreatedAt time.Time    `json:"createdAt"`
	Source    Identity     `json:"source"`

	consumed bool
}

// Consume marks the artifact as used. A second call reports an error so
// that double-restore bugs surface instead of silently replaying.
func (a *BackupArtifact) Consume() error {
	if a.consumed {
		return fmt.Errorf("artifact %s already consumed", a.Path)
	}
	a.consumed = true
	return nil
}

// Path is the chosen safe-apply strategy.
type Path string

const (
	PathNone     Path = "none"
	PathFast     Path = "fast"
	PathRecreate Path = "recreate"
)

// Phase is one step of the safe-apply state machine.
type Phase string

const (
	PhaseIdle         Phase = "Idle"
	PhaseDiffing      Phase = "Diffing"
	PhaseFastApplying Phase = "FastApplying"
	PhaseBackingUp    Phase = "BackingUp"
	PhaseScalingDown  Phase = "ScalingDown"
	PhaseDeleting     Phase = "Deleting"
	PhaseRecreating   Phase = "Recreating"
	PhaseRestoring    Phase = "Restoring"
	PhaseVerifying    Phase = "Verifying"
	PhaseDone         Phase = "Done"
)

// Outcome is the terminal status of one safe-apply run.
type Outcome string

const (
	// OutcomeSucceeded: the desired spec is live and verified.
	OutcomeSucceeded Outcome = "Succeeded"
	// OutcomeDegraded: a destructive step had started and something later
	// went wrong; the captured backup guarantees no data loss, but an
	// operator must follow up.
	OutcomeDegraded Outcome = "Degraded"
	// OutcomeFailed: the run aborted before any destructive step; the
	// live workload is untouched and a retry is safe.
	OutcomeFailed Outcome = "Failed"
	// OutcomeRejected: the run never started (bad input, or the identity
	// lock was held by another run).
	OutcomeRejected Outcome = "Rejected"
)

// PhaseEvent timestamps entry into a phase.
type PhaseEvent struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// OperationRecord is the audit trail for one safe-apply call. It opens at
// invocation start and is immutable once finalized.
type OperationRecord struct {
	ID            string       `json:"id"`
	Identity      Identity     `json:"identity"`
	Path          Path         `json:"path"`
	Phases        []PhaseEvent `json:"phases"`
	Outcome       Outcome      `json:"outcome"`
	Err           string       `json:"error,omitempty"`
	Notes         []string     `json:"notes,omitempty"`
	BackupSkipped bool         `json:"backupSkipped,omitempty"`
	StartedAt     time.Time    `json:"startedAt"`
	FinishedAt    time.Time    `json:"finishedAt"`

	final bool
}

// Enter appends a phase event. It is a no-op after finalization.
func (r *OperationRecord) Enter(p Phase) {
	if r.final {
		return
	}
	r.Phases = append(r.Phases, PhaseEvent{Phase: p, At: time.Now()})
}

// CurrentPhase returns the most recently entered phase.
func (r *OperationRecord) CurrentPhase() Phase {
	if len(r.Phases) == 0 {
		return PhaseIdle
	}
	return r.Phases[len(r.Phases)-1].Phase
}

// Note appends a free-form audit note.
func (r *OperationRecord) Note(format string, args ...interface{}) {
	if r.final {
		return
	}
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// Finalize sets the terminal outcome and freezes the record.
func (r *OperationRecord) Finalize(outcome Outcome, err error) {
	if r.final {
		return
	}
	r.Outcome = outcome
	if err != nil {
		r.Err = err.Error()
	}
	r.FinishedAt = time.Now()
	r.final = true
}

// Final reports whether the record has reached a terminal state.
func (r *OperationRecord) Final() bool {
	return r.final
}
