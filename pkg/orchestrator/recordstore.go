package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
)

// RecordStore persists operation records under one subdirectory per
// identity, one timestamp-named JSON file per run.
type RecordStore struct {
	dir string
}

func NewRecordStore(dir string) *RecordStore {
	return &RecordStore{dir: dir}
}

// Save writes the record. Records are only saved at terminal state, so a
// file on disk is always a complete audit trail.
func (s *RecordStore) Save(rec *types.OperationRecord) error {
	dir := filepath.Join(s.dir, rec.Identity.DirName())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating record dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	path := filepath.Join(dir, rec.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

// Latest returns the most recent record for the identity, or nil when none
// exists. A prior record ending Degraded lets a later invocation resume
// conservatively instead of blindly restarting.
func (s *RecordStore) Latest(id types.Identity) (*types.OperationRecord, error) {
	dir := filepath.Join(s.dir, id.DirName())
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading record dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	// IDs are timestamp-prefixed, so lexical order is chronological.
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(dir, names[len(names)-1]))
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}

	var rec types.OperationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}
