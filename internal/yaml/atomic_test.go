package yaml

import (
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.yaml")

	if err := AtomicWrite(path, map[string]any{"models": []string{"a", "b"}}); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var got map[string][]string
	if err := yamlv3.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got["models"]) != 2 {
		t.Errorf("unexpected content: %v", got)
	}
}

func TestAtomicWrite_KeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.yaml")

	if err := AtomicWrite(path, map[string]string{"rev": "one"}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"rev": "two"}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	var got map[string]string
	if err := yamlv3.Unmarshal(bak, &got); err != nil {
		t.Fatalf("unmarshal backup: %v", err)
	}
	if got["rev"] != "one" {
		t.Errorf("expected backup to hold previous version, got %v", got)
	}
}

func TestAtomicWrite_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.yaml")
	if err := AtomicWrite(path, "content"); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "index.yaml" {
			t.Errorf("unexpected leftover file: %s", e.Name())
		}
	}
}
