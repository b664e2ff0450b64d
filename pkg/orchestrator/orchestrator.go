// Package orchestrator is the top-level safe-apply driver. It decides
// between the in-place fast path and the backup/recreate path, sequences the
// other components, and owns the per-run audit record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/cluster"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/differ"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/waitfor"
)

// BackupManager produces a verified artifact from a live workload.
type BackupManager interface {
	Backup(ctx context.Context, live *types.LiveWorkloadState) (*types.BackupArtifact, error)
}

// RestoreManager replays an artifact into a recreated workload.
type RestoreManager interface {
	Restore(ctx context.Context, id types.Identity, artifact *types.BackupArtifact, live *types.LiveWorkloadState) error
}

// LifecycleController drives scale-down, delete and apply.
type LifecycleController interface {
	ScaleTo(ctx context.Context, id types.Identity, n int32, timeout time.Duration) error
	DeletePreservingStorage(ctx context.Context, id types.Identity, timeout time.Duration) error
	Apply(ctx context.Context, spec types.WorkloadSpec, timeout time.Duration) error
}

// HealthVerifier polls readiness with a hard bound.
type HealthVerifier interface {
	WaitReady(ctx context.Context, id types.Identity, minReady int32, timeout time.Duration) error
	WaitStable(ctx context.Context, id types.Identity, minReady int32, timeout time.Duration) error
}

// Uploader copies a finished artifact offsite and prunes old copies.
// Optional; failures are noted in the record, never fatal.
type Uploader interface {
	Upload(ctx context.Context, artifact *types.BackupArtifact) error
	Rotate(ctx context.Context, id types.Identity, keepLast int) ([]string, error)
}

// Timeouts bounds every wait in a run.
type Timeouts struct {
	Termination time.Duration
	Delete      time.Duration
	Apply       time.Duration
	Ready       time.Duration
	Stable      time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Termination: 5 * time.Minute,
		Delete:      2 * time.Minute,
		Apply:       time.Minute,
		Ready:       5 * time.Minute,
		Stable:      2 * time.Minute,
	}
}

// Options tunes one safe-apply invocation.
type Options struct {
	// BackupEnabled gates the backup before destructive steps. Disabling
	// it is audited in the record.
	BackupEnabled bool
	// ForceRecreate takes the recreate path even when the diff is empty.
	ForceRecreate bool
}

// Orchestrator runs safe-apply cycles. One run per identity executes at a
// time; distinct identities run concurrently under independent locks.
type Orchestrator struct {
	cluster     cluster.Interface
	lifecycle   LifecycleController
	backup      BackupManager
	restore     RestoreManager
	health      HealthVerifier
	uploader    Uploader
	offsiteKeep int
	records     *RecordStore
	policy      differ.Policy
	timeouts    Timeouts
	verbose     bool

	mu    sync.Mutex
	locks map[types.Identity]*sync.Mutex
}

func New(cl cluster.Interface, lc LifecycleController, bm BackupManager, rm RestoreManager, hv HealthVerifier, records *RecordStore, verbose bool) *Orchestrator {
	return &Orchestrator{
		cluster:   cl,
		lifecycle: lc,
		backup:    bm,
		restore:   rm,
		health:    hv,
		records:   records,
		policy:    differ.DefaultPolicy(),
		timeouts:  DefaultTimeouts(),
		verbose:   verbose,
		locks:     map[types.Identity]*sync.Mutex{},
	}
}

// WithPolicy overrides the protected-field policy.
func (o *Orchestrator) WithPolicy(p differ.Policy) *Orchestrator {
	o.policy = p
	return o
}

// WithTimeouts overrides the per-phase bounds.
func (o *Orchestrator) WithTimeouts(t Timeouts) *Orchestrator {
	o.timeouts = t
	return o
}

// WithUploader enables offsite artifact copies. keepLast > 0 prunes older
// copies after each successful upload; zero keeps everything.
func (o *Orchestrator) WithUploader(u Uploader, keepLast int) *Orchestrator {
	o.uploader = u
	o.offsiteKeep = keepLast
	return o
}

// DiffCheck fetches live state and reports the protected-field diff without
// touching anything.
func (o *Orchestrator) DiffCheck(ctx context.Context, desired types.WorkloadSpec) (types.FieldDiff, error) {
	live, err := o.cluster.Get(ctx, desired.Identity)
	if err != nil {
		return types.FieldDiff{}, err
	}
	return differ.Diff(live, desired, o.policy), nil
}

// SafeApply drives one full cycle and always returns a finalized record.
// When the identity lock is held by another run the record comes back
// Rejected with types.ErrBusy, immediately and without side effects.
func (o *Orchestrator) SafeApply(ctx context.Context, desired types.WorkloadSpec, opts Options) *types.OperationRecord {
	id := desired.Identity
	rec := o.newRecord(id)

	lock := o.identityLock(id)
	if !lock.TryLock() {
		rec.Finalize(types.OutcomeRejected, types.ErrBusy)
		o.save(rec)
		return rec
	}
	defer lock.Unlock()

	o.noteIncompletePriorRun(rec, id)

	sm := newMachine()
	o.run(ctx, sm, rec, desired, opts)

	o.save(rec)
	return rec
}

func (o *Orchestrator) save(rec *types.OperationRecord) {
	if err := o.records.Save(rec); err != nil {
		log.Printf("WARNING: failed to persist operation record %s: %v", rec.ID, err)
	}
}

func (o *Orchestrator) run(ctx context.Context, sm *machine, rec *types.OperationRecord, desired types.WorkloadSpec, opts Options) {
	id := desired.Identity

	o.enter(sm, rec, types.PhaseDiffing)
	live, err := o.cluster.Get(ctx, id)
	if err != nil {
		o.finish(sm, rec, types.OutcomeFailed, err)
		return
	}

	diff := differ.Diff(live, desired, o.policy)
	switch {
	case diff.Create:
		rec.Note("no live workload, creating")
	case diff.IsEmpty() && !opts.ForceRecreate:
		o.logf("%s: no protected fields changed, fast path", id)
	default:
		for _, ch := range diff.Changes {
			rec.Note("protected field %s: %q -> %q", ch.Path, ch.Live, ch.Desired)
		}
		if opts.ForceRecreate && diff.IsEmpty() {
			rec.Note("recreate forced by caller")
		}
	}

	if live == nil || (diff.IsEmpty() && !opts.ForceRecreate) {
		o.fastPath(ctx, sm, rec, desired)
		return
	}
	o.recreatePath(ctx, sm, rec, desired, live, opts)
}

// fastPath applies in place. Nothing destructive happens here, so failures
// before the apply lands are plain Failed.
func (o *Orchestrator) fastPath(ctx context.Context, sm *machine, rec *types.OperationRecord, desired types.WorkloadSpec) {
	rec.Path = types.PathFast

	o.enter(sm, rec, types.PhaseFastApplying)
	if err := o.lifecycle.Apply(ctx, desired, o.timeouts.Apply); err != nil {
		o.finish(sm, rec, types.OutcomeFailed, err)
		return
	}

	o.enter(sm, rec, types.PhaseVerifying)
	if err := o.health.WaitReady(ctx, desired.Identity, minReady(desired), o.timeouts.Ready); err != nil {
		// The apply itself landed; an unverified in-place change needs
		// operator eyes rather than a clean failure signal.
		o.finish(sm, rec, types.OutcomeDegraded, o.verifyErr(err))
		return
	}

	o.finish(sm, rec, types.OutcomeSucceeded, nil)
}

// recreatePath runs backup, scale-down, delete, apply, restore, verify.
// Every failure before ScalingDown aborts with zero side effects; everything
// after is absorbed into the record and surfaces as Degraded.
func (o *Orchestrator) recreatePath(ctx context.Context, sm *machine, rec *types.OperationRecord, desired types.WorkloadSpec, live *types.LiveWorkloadState, opts Options) {
	id := desired.Identity
	rec.Path = types.PathRecreate

	var artifact *types.BackupArtifact
	if opts.BackupEnabled {
		o.enter(sm, rec, types.PhaseBackingUp)
		var err error
		artifact, err = o.backup.Backup(ctx, live)
		if err != nil {
			// Live workload untouched; safe to retry.
			o.finish(sm, rec, types.OutcomeFailed, err)
			return
		}
		rec.Note("backup artifact %s (%s, %d bytes)", artifact.Path, artifact.Kind, artifact.Size)
		o.uploadOffsite(ctx, rec, artifact)
	} else {
		rec.BackupSkipped = true
		rec.Note("backup explicitly disabled by caller")
	}

	o.enter(sm, rec, types.PhaseScalingDown)
	if err := o.lifecycle.ScaleTo(ctx, id, 0, o.timeouts.Termination); err != nil {
		if types.KindOf(err) == types.TerminationTimeout {
			// Deletion force-terminates whatever is left.
			rec.Note("termination timeout, proceeding to delete: %v", err)
		} else {
			o.finish(sm, rec, types.OutcomeDegraded, err)
			return
		}
	}

	o.enter(sm, rec, types.PhaseDeleting)
	if err := o.lifecycle.DeletePreservingStorage(ctx, id, o.timeouts.Delete); err != nil {
		o.finish(sm, rec, types.OutcomeDegraded, err)
		return
	}

	o.enter(sm, rec, types.PhaseRecreating)
	if err := o.lifecycle.Apply(ctx, desired, o.timeouts.Apply); err != nil {
		o.finish(sm, rec, types.OutcomeDegraded, err)
		return
	}

	o.enter(sm, rec, types.PhaseVerifying)
	if err := o.health.WaitReady(ctx, id, 1, o.timeouts.Ready); err != nil {
		o.finish(sm, rec, types.OutcomeDegraded, o.verifyErr(err))
		return
	}

	restorePartial := false
	if artifact != nil {
		o.enter(sm, rec, types.PhaseRestoring)
		newLive, err := o.cluster.Get(ctx, id)
		if err == nil {
			err = o.restore.Restore(ctx, id, artifact, newLive)
		}
		if err != nil {
			// The recreated object exists and the artifact is intact;
			// record and keep going.
			restorePartial = true
			rec.Note("restore partial: %v", err)
		}
		o.enter(sm, rec, types.PhaseVerifying)
	}

	if err := o.health.WaitStable(ctx, id, minReady(desired), o.timeouts.Stable); err != nil {
		o.finish(sm, rec, types.OutcomeDegraded, o.verifyErr(err))
		return
	}

	if restorePartial {
		o.finish(sm, rec, types.OutcomeDegraded, fmt.Errorf("workload recreated and reachable, but restore did not complete"))
		return
	}
	o.finish(sm, rec, types.OutcomeSucceeded, nil)
}

func (o *Orchestrator) uploadOffsite(ctx context.Context, rec *types.OperationRecord, artifact *types.BackupArtifact) {
	if o.uploader == nil {
		return
	}
	if err := o.uploader.Upload(ctx, artifact); err != nil {
		rec.Note("offsite upload failed (artifact still durable locally): %v", err)
		return
	}
	rec.Note("artifact copied offsite")

	if o.offsiteKeep > 0 {
		deleted, err := o.uploader.Rotate(ctx, artifact.Source, o.offsiteKeep)
		if err != nil {
			rec.Note("offsite rotation failed: %v", err)
			return
		}
		if len(deleted) > 0 {
			rec.Note("offsite rotation pruned %d older copies", len(deleted))
		}
	}
}

// enter advances both the machine and the record. An illegal transition is
// a programming error in this package and panics loudly rather than writing
// a corrupt audit trail.
func (o *Orchestrator) enter(sm *machine, rec *types.OperationRecord, p types.Phase) {
	if err := sm.step(p); err != nil {
		panic(err)
	}
	rec.Enter(p)
	o.logf("%s: phase %s", rec.Identity, p)
}

// finish closes the record, downgrading Failed to Degraded if a destructive
// phase was ever entered.
func (o *Orchestrator) finish(sm *machine, rec *types.OperationRecord, outcome types.Outcome, err error) {
	if outcome == types.OutcomeFailed && sm.destructiveReached() {
		outcome = types.OutcomeDegraded
	}
	if err != nil {
		if oe := types.KindOf(err); oe != "" {
			rec.Note("error kind %s in phase %s", oe, rec.CurrentPhase())
		}
	}
	_ = sm.step(types.PhaseDone)
	rec.Enter(types.PhaseDone)
	rec.Finalize(outcome, err)
	o.logf("%s: %s", rec.Identity, outcome)
}

func (o *Orchestrator) verifyErr(err error) error {
	if errors.Is(err, waitfor.ErrTimeout) {
		return types.NewOpError(types.VerificationTimeout, types.PhaseVerifying, err)
	}
	return err
}

func (o *Orchestrator) newRecord(id types.Identity) *types.OperationRecord {
	now := time.Now()
	rec := &types.OperationRecord{
		ID:        now.UTC().Format("20060102-150405.000"),
		Identity:  id,
		Path:      types.PathNone,
		StartedAt: now,
	}
	rec.Enter(types.PhaseIdle)
	return rec
}

// noteIncompletePriorRun flags a preceding Degraded run so the operator sees
// that this invocation is resuming over an incomplete cycle.
func (o *Orchestrator) noteIncompletePriorRun(rec *types.OperationRecord, id types.Identity) {
	prior, err := o.records.Latest(id)
	if err != nil {
		o.logf("could not read prior record for %s: %v", id, err)
		return
	}
	if prior != nil && prior.Outcome == types.OutcomeDegraded {
		rec.Note("previous run %s ended Degraded in phase %s; re-diffing against current live state", prior.ID, prior.CurrentPhase())
	}
}

func (o *Orchestrator) identityLock(id types.Identity) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	o.locks[id] = l
	return l
}

func minReady(spec types.WorkloadSpec) int32 {
	if spec.Replicas < 1 {
		return 1
	}
	return spec.Replicas
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.verbose {
		log.Printf("[orchestrator] "+format, args...)
	}
}
