package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workload.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validManifest = `
identity:
  name: orders-db
  namespace: prod
image: postgres:16
replicas: 1
serviceName: orders-db
selector:
  app: orders-db
volumeClaims:
  - name: data
    storageClass: local-ssd
    accessModes: ["ReadWriteOnce"]
    size: 10Gi
dataPath: /var/lib/postgresql/data
`

func TestLoadManifest_Valid(t *testing.T) {
	path := writeManifest(t, validManifest)

	spec, err := loadManifest(path, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.Identity.Name != "orders-db" || spec.Identity.Namespace != "prod" {
		t.Errorf("identity = %s, want prod/orders-db", spec.Identity)
	}
	if spec.Image != "postgres:16" {
		t.Errorf("image = %q", spec.Image)
	}
	if len(spec.VolumeClaims) != 1 || spec.VolumeClaims[0].StorageClass != "local-ssd" {
		t.Errorf("volume claims not parsed: %+v", spec.VolumeClaims)
	}
	if spec.VolumeClaims[0].Size.String() != "10Gi" {
		t.Errorf("claim size = %s, want 10Gi", spec.VolumeClaims[0].Size.String())
	}
}

func TestLoadManifest_NamespaceOverride(t *testing.T) {
	path := writeManifest(t, validManifest)

	spec, err := loadManifest(path, "staging")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.Identity.Namespace != "staging" {
		t.Errorf("namespace = %q, want staging", spec.Identity.Namespace)
	}
}

func TestLoadManifest_UnknownFieldRejected(t *testing.T) {
	path := writeManifest(t, validManifest+"\nbogusField: true\n")

	if _, err := loadManifest(path, ""); err == nil {
		t.Error("expected error for unknown manifest field")
	}
}

func TestLoadManifest_FileNotFound(t *testing.T) {
	if _, err := loadManifest("/nonexistent/workload.yaml", ""); err == nil {
		t.Error("expected error for missing manifest file")
	}
}

func TestValidateSpec_ReportsAllMissingFields(t *testing.T) {
	err := validateSpec(types.WorkloadSpec{})
	if err == nil {
		t.Fatal("expected validation error for empty spec")
	}
	for _, field := range []string{"identity.name", "identity.namespace", "image", "serviceName", "selector"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q should mention %s", err, field)
		}
	}
}

func TestValidateSpec_Complete(t *testing.T) {
	spec := types.WorkloadSpec{
		Identity:    types.Identity{Name: "db", Namespace: "prod"},
		Image:       "postgres:16",
		ServiceName: "db",
		Selector:    map[string]string{"app": "db"},
	}
	if err := validateSpec(spec); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
