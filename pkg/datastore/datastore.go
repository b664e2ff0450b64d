// Package datastore binds to the relational store strictly through its
// dump/restore command contract: an export tool that writes the dataset to
// stdout, an import tool that reads it from stdin, and a ping.
package datastore

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
)

// Interface is the data-store collaborator.
type Interface interface {
	// Dump exports the workload's dataset as a portable logical dump.
	Dump(ctx context.Context, id types.Identity) ([]byte, error)

	// Restore replays a logical dump into the workload's store.
	Restore(ctx context.Context, id types.Identity, data []byte) error

	// IsReady reports whether the store accepts connections.
	IsReady(ctx context.Context, id types.Identity) bool
}

// CommandConfig holds the argv templates for the store's client tools.
// The placeholders {name} and {namespace} are substituted per call.
type CommandConfig struct {
	// DumpCommand writes the dataset to stdout and must exit zero for the
	// export to count as valid.
	DumpCommand []string `json:"dumpCommand"`
	// RestoreCommand reads a dump from stdin.
	RestoreCommand []string `json:"restoreCommand"`
	// PingCommand exits zero when the store is ready. Optional; when
	// empty, readiness falls back to a TCP dial of PingAddr.
	PingCommand []string `json:"pingCommand,omitempty"`
	// PingAddr is a host:port template used when PingCommand is unset.
	PingAddr string `json:"pingAddr,omitempty"`
}

// DefaultCommandConfig targets the PostgreSQL client tools the deployment
// scripts used, reaching the store through its headless service.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		DumpCommand:    []string{"pg_dump", "--host", "{name}.{namespace}.svc", "--username", "postgres", "--format", "plain"},
		RestoreCommand: []string{"psql", "--host", "{name}.{namespace}.svc", "--username", "postgres", "--set", "ON_ERROR_STOP=1"},
		PingCommand:    []string{"pg_isready", "--host", "{name}.{namespace}.svc"},
	}
}

// ExecStore implements Interface by invoking the configured client tools.
type ExecStore struct {
	cfg     CommandConfig
	verbose bool
}

func NewExecStore(cfg CommandConfig, verbose bool) *ExecStore {
	return &ExecStore{cfg: cfg, verbose: verbose}
}

func (s *ExecStore) Dump(ctx context.Context, id types.Identity) ([]byte, error) {
	argv := expand(s.cfg.DumpCommand, id)
	if len(argv) == 0 {
		return nil, fmt.Errorf("no dump command configured")
	}
	s.logf("dumping %s via %q", id, argv[0])

	var out, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("dump tool: %w: %s", err, strings.TrimSpace(errBuf.String()))
	}

	s.logf("dumped %s (%d bytes)", id, out.Len())
	return out.Bytes(), nil
}

func (s *ExecStore) Restore(ctx context.Context, id types.Identity, data []byte) error {
	argv := expand(s.cfg.RestoreCommand, id)
	if len(argv) == 0 {
		return fmt.Errorf("no restore command configured")
	}
	s.logf("restoring %s via %q (%d bytes)", id, argv[0], len(data))

	var errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("restore tool: %w: %s", err, strings.TrimSpace(errBuf.String()))
	}
	return nil
}

func (s *ExecStore) IsReady(ctx context.Context, id types.Identity) bool {
	if len(s.cfg.PingCommand) > 0 {
		argv := expand(s.cfg.PingCommand, id)
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		err := cmd.Run()
		s.logf("ping %s: err=%v", id, err)
		return err == nil
	}

	if s.cfg.PingAddr == "" {
		return false
	}
	addr := strings.NewReplacer("{name}", id.Name, "{namespace}", id.Namespace).Replace(s.cfg.PingAddr)
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func expand(argv []string, id types.Identity) []string {
	r := strings.NewReplacer("{name}", id.Name, "{namespace}", id.Namespace)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

func (s *ExecStore) logf(format string, args ...interface{}) {
	if s.verbose {
		log.Printf("[datastore] "+format, args...)
	}
}
