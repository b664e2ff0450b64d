package health

import (
	"context"
	"errors"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/waitfor"
)

// scriptedCluster returns one prepared state per Get call, repeating the
// last one once the script runs out.
type scriptedCluster struct {
	states []*types.LiveWorkloadState
	calls  int
}

func (s *scriptedCluster) Get(ctx context.Context, id types.Identity) (*types.LiveWorkloadState, error) {
	i := s.calls
	if i >= len(s.states) {
		i = len(s.states) - 1
	}
	s.calls++
	return s.states[i], nil
}

func (s *scriptedCluster) Apply(ctx context.Context, spec types.WorkloadSpec) error {
	return errors.New("not used")
}
func (s *scriptedCluster) Delete(ctx context.Context, id types.Identity, keepStorage bool) error {
	return errors.New("not used")
}
func (s *scriptedCluster) Scale(ctx context.Context, id types.Identity, n int32) error {
	return errors.New("not used")
}
func (s *scriptedCluster) ListPods(ctx context.Context, id types.Identity) ([]corev1.Pod, error) {
	return nil, nil
}

func ready(n int32) *types.LiveWorkloadState {
	return &types.LiveWorkloadState{ReadyReplicas: n}
}

var dbID = types.Identity{Name: "db", Namespace: "prod"}

func TestWaitReady_ReachesTarget(t *testing.T) {
	cl := &scriptedCluster{states: []*types.LiveWorkloadState{ready(0), ready(1), ready(2)}}
	v := New(cl, false).WithInterval(5 * time.Millisecond)

	if err := v.WaitReady(context.Background(), dbID, 2, time.Second); err != nil {
		t.Fatalf("WaitReady() error: %v", err)
	}
}

func TestWaitReady_Timeout(t *testing.T) {
	cl := &scriptedCluster{states: []*types.LiveWorkloadState{ready(0)}}
	v := New(cl, false).WithInterval(5 * time.Millisecond)

	err := v.WaitReady(context.Background(), dbID, 1, 30*time.Millisecond)
	if !errors.Is(err, waitfor.ErrTimeout) {
		t.Errorf("err = %v, want waitfor.ErrTimeout", err)
	}
}

func TestWaitReady_AbsentWorkloadKeepsPolling(t *testing.T) {
	cl := &scriptedCluster{states: []*types.LiveWorkloadState{nil, nil, ready(1)}}
	v := New(cl, false).WithInterval(5 * time.Millisecond)

	if err := v.WaitReady(context.Background(), dbID, 1, time.Second); err != nil {
		t.Fatalf("WaitReady() error: %v", err)
	}
}

func TestWaitStable_RequiresTwoConsecutivePolls(t *testing.T) {
	// Ready, flap to zero, then ready twice in a row.
	cl := &scriptedCluster{states: []*types.LiveWorkloadState{ready(1), ready(0), ready(1), ready(1)}}
	v := New(cl, false).WithInterval(5 * time.Millisecond)

	if err := v.WaitStable(context.Background(), dbID, 1, time.Second); err != nil {
		t.Fatalf("WaitStable() error: %v", err)
	}
	if cl.calls < 4 {
		t.Errorf("Get called %d times, want at least 4 (the flap must reset the streak)", cl.calls)
	}
}

func TestWaitStable_Timeout(t *testing.T) {
	cl := &scriptedCluster{states: []*types.LiveWorkloadState{ready(0)}}
	v := New(cl, false).WithInterval(5 * time.Millisecond)

	err := v.WaitStable(context.Background(), dbID, 1, 30*time.Millisecond)
	if !errors.Is(err, waitfor.ErrTimeout) {
		t.Errorf("err = %v, want waitfor.ErrTimeout", err)
	}
}
