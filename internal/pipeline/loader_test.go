package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

const loaderDoc = `
name: summarize
version: "1.0"
tasks:
  - name: generate
    type: generation
`

const brokenDoc = `
name: broken
version: "1.0"
tasks:
  - name: a
    type: extraction
    dependencies: [b]
  - name: b
    type: extraction
    dependencies: [a]
`

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "summarize.yaml"), []byte(loaderDoc), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(brokenDoc), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(dir, zap.NewNop())
	if err := loader.LoadDir(); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	if loader.Get("summarize") == nil {
		t.Error("expected summarize to load")
	}
	if loader.Get("broken") != nil {
		t.Error("expected cyclic definition to be skipped")
	}
	if len(loader.All()) != 1 {
		t.Errorf("expected 1 loaded definition, got %d", len(loader.All()))
	}
}

func TestLoadDir_Missing(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope"), zap.NewNop())
	if err := loader.LoadDir(); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestLoader_OnReload(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "summarize.yaml"), []byte(loaderDoc), 0644); err != nil {
		t.Fatal(err)
	}

	var reloaded []string
	loader := NewLoader(dir, zap.NewNop())
	loader.OnReload(func(def *Definition) {
		reloaded = append(reloaded, def.Name)
	})
	if err := loader.LoadDir(); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(reloaded) != 1 || reloaded[0] != "summarize" {
		t.Errorf("expected reload callback for summarize, got %v", reloaded)
	}
}
