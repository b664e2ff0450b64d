// Package restore replays a backup artifact into a freshly ready workload.
// A failure here never invalidates the recreated object; it comes back as
// RestorePartial and the overall run is Degraded, not Failed.
package restore

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/backup"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/datastore"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/waitfor"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultReadyTimeout = 2 * time.Minute
)

// Manager replays backup artifacts. Volume archives are only valid
// immediately after recreation, before the store's first write; the
// orchestrator enforces that ordering.
type Manager struct {
	store        datastore.Interface
	resolver     backup.PathResolver
	interval     time.Duration
	readyTimeout time.Duration
	verbose      bool
}

func New(store datastore.Interface, resolver backup.PathResolver, verbose bool) *Manager {
	return &Manager{
		store:        store,
		resolver:     resolver,
		interval:     defaultPollInterval,
		readyTimeout: defaultReadyTimeout,
		verbose:      verbose,
	}
}

func (m *Manager) WithTimings(interval, readyTimeout time.Duration) *Manager {
	m.interval = interval
	m.readyTimeout = readyTimeout
	return m
}

// Restore replays the artifact into the workload named by id. The artifact
// is consumed on the attempt, successful or not, and its checksum is
// re-verified before any data moves.
func (m *Manager) Restore(ctx context.Context, id types.Identity, artifact *types.BackupArtifact, live *types.LiveWorkloadState) error {
	if artifact == nil {
		return partial(fmt.Errorf("no artifact to restore"))
	}
	if artifact.Source != id {
		return partial(fmt.Errorf("artifact belongs to %s, refusing to replay into %s", artifact.Source, id))
	}
	if err := artifact.Consume(); err != nil {
		return partial(err)
	}

	size, sum, err := backup.Checksum(artifact.Path)
	if err != nil {
		return partial(fmt.Errorf("reading artifact: %w", err))
	}
	if size != artifact.Size || sum != artifact.Checksum {
		return partial(fmt.Errorf("artifact %s does not match its recorded checksum", artifact.Path))
	}

	switch artifact.Kind {
	case types.LogicalDump:
		return m.restoreDump(ctx, id, artifact)
	case types.VolumeArchive:
		return m.restoreArchive(ctx, artifact, live)
	default:
		return partial(fmt.Errorf("unknown artifact kind %q", artifact.Kind))
	}
}

func (m *Manager) restoreDump(ctx context.Context, id types.Identity, artifact *types.BackupArtifact) error {
	m.logf("waiting for %s to accept connections", id)
	err := waitfor.Until(ctx, m.interval, m.readyTimeout, func(ctx context.Context) (bool, error) {
		return m.store.IsReady(ctx, id), nil
	})
	if err != nil {
		return partial(fmt.Errorf("store never became reachable: %w", err))
	}

	data, err := readGz(artifact.Path)
	if err != nil {
		return partial(fmt.Errorf("decompressing dump: %w", err))
	}

	m.logf("replaying %d byte dump into %s", len(data), id)
	if err := m.store.Restore(ctx, id, data); err != nil {
		return partial(fmt.Errorf("replaying dump: %w", err))
	}
	return nil
}

func (m *Manager) restoreArchive(ctx context.Context, artifact *types.BackupArtifact, live *types.LiveWorkloadState) error {
	if m.resolver == nil {
		return partial(fmt.Errorf("no volume path resolver configured"))
	}
	if live == nil {
		return partial(fmt.Errorf("no live state to resolve the volume path from"))
	}

	dataPath, err := m.resolver.DataPath(ctx, live)
	if err != nil {
		return partial(fmt.Errorf("resolving volume path: %w", err))
	}

	m.logf("extracting %s into %s", artifact.Path, dataPath)
	if err := backup.ExtractTarGz(artifact.Path, dataPath); err != nil {
		return partial(fmt.Errorf("extracting archive: %w", err))
	}
	return nil
}

func readGz(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, gr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func partial(err error) error {
	return types.NewOpError(types.RestorePartial, types.PhaseRestoring, err)
}

func (m *Manager) logf(format string, args ...interface{}) {
	if m.verbose {
		log.Printf("[restore] "+format, args...)
	}
}
