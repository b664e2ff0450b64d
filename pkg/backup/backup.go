// Package backup produces verified exports of a workload's dataset before
// any destructive step. A logical dump is always preferred; a raw volume
// archive is the fallback when the store itself cannot be reached.
package backup

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/datastore"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
)

// DefaultMinSize is the smallest artifact accepted as a real export. An
// empty or truncated file below this is discarded, never returned.
const DefaultMinSize = 512

const stampFormat = "20060102-150405"

// Manager creates backup artifacts under <dir>/<identity>/.
type Manager struct {
	store    datastore.Interface
	resolver PathResolver
	dir      string
	minSize  int64
	verbose  bool
}

func New(store datastore.Interface, resolver PathResolver, dir string, verbose bool) *Manager {
	return &Manager{
		store:    store,
		resolver: resolver,
		dir:      dir,
		minSize:  DefaultMinSize,
		verbose:  verbose,
	}
}

// WithMinSize overrides the artifact validity threshold.
func (m *Manager) WithMinSize(n int64) *Manager {
	m.minSize = n
	return m
}

// Backup exports the dataset of the given live workload. It refuses to run
// against a workload with zero ready replicas: there is nothing consistent
// to read. The returned artifact is always validated; on any failure the
// partial file is removed and a BackupFailed error comes back.
func (m *Manager) Backup(ctx context.Context, live *types.LiveWorkloadState) (*types.BackupArtifact, error) {
	if live == nil {
		return nil, backupFailed(fmt.Errorf("no live workload to back up"))
	}
	id := live.Spec.Identity
	if live.ReadyReplicas == 0 {
		return nil, backupFailed(fmt.Errorf("%s has zero ready replicas, nothing consistent to read", id))
	}

	if err := os.MkdirAll(m.identityDir(id), 0o755); err != nil {
		return nil, backupFailed(fmt.Errorf("creating artifact dir: %w", err))
	}

	// Logical dump first: portable and restorable into any same-shape
	// workload.
	data, dumpErr := m.store.Dump(ctx, id)
	if dumpErr == nil {
		artifact, err := m.writeDump(id, data)
		if err != nil {
			return nil, backupFailed(err)
		}
		m.logf("dump artifact %s (%d bytes, sha256 %s)", artifact.Path, artifact.Size, artifact.Checksum[:12])
		return artifact, nil
	}

	// The archive fallback only covers an unreachable store. A dump that
	// fails against a reachable one (bad credentials, partial export) is a
	// hard failure: a raw copy of a live, writable dataset is not a backup.
	if m.store.IsReady(ctx, id) {
		return nil, backupFailed(fmt.Errorf("dump of %s failed against a reachable store: %w", id, dumpErr))
	}
	m.logf("logical dump of %s failed (%v) and store is unreachable, falling back to volume archive", id, dumpErr)

	if m.resolver == nil {
		return nil, backupFailed(fmt.Errorf("dump failed and no volume path resolver configured: %w", dumpErr))
	}
	dataPath, err := m.resolver.DataPath(ctx, live)
	if err != nil {
		return nil, backupFailed(fmt.Errorf("dump failed (%v); resolving volume path: %w", dumpErr, err))
	}

	artifact, err := m.writeArchive(id, dataPath)
	if err != nil {
		return nil, backupFailed(err)
	}
	m.logf("archive artifact %s (%d bytes)", artifact.Path, artifact.Size)
	return artifact, nil
}

func (m *Manager) writeDump(id types.Identity, data []byte) (*types.BackupArtifact, error) {
	path := filepath.Join(m.identityDir(id), time.Now().UTC().Format(stampFormat)+".sql.gz")

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing dump: %w", err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("flushing dump: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("closing dump: %w", err)
	}

	return m.finalize(id, path, types.LogicalDump)
}

func (m *Manager) writeArchive(id types.Identity, dataPath string) (*types.BackupArtifact, error) {
	path := filepath.Join(m.identityDir(id), time.Now().UTC().Format(stampFormat)+".tar.gz")

	if _, err := CreateTarGz(path, dataPath); err != nil {
		return nil, fmt.Errorf("archiving %s: %w", dataPath, err)
	}

	return m.finalize(id, path, types.VolumeArchive)
}

// finalize validates the written file and stamps the artifact handle. An
// invalid artifact is removed from disk before the error returns.
func (m *Manager) finalize(id types.Identity, path string, kind types.ArtifactKind) (*types.BackupArtifact, error) {
	size, sum, err := Checksum(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("checksumming %s: %w", path, err)
	}
	if size < m.minSize {
		os.Remove(path)
		return nil, fmt.Errorf("artifact %s is %d bytes, below the %d byte minimum", path, size, m.minSize)
	}

	return &types.BackupArtifact{
		Kind:      kind,
		Path:      path,
		Checksum:  sum,
		Size:      size,
		CreatedAt: time.Now().UTC(),
		Source:    id,
	}, nil
}

func (m *Manager) identityDir(id types.Identity) string {
	return filepath.Join(m.dir, id.DirName())
}

// Checksum returns the size and sha256 hex digest of the file at path.
func Checksum(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

func backupFailed(err error) error {
	return types.NewOpError(types.BackupFailed, types.PhaseBackingUp, err)
}

func (m *Manager) logf(format string, args ...interface{}) {
	if m.verbose {
		log.Printf("[backup] "+format, args...)
	}
}
