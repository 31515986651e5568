package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weights.bin")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func TestRegister_And_Get(t *testing.T) {
	r := openTestRegistry(t)

	mv, err := r.Register(RegisterParams{
		Name:         "gpt-x",
		Version:      "v1",
		ArtifactPath: writeArtifact(t, "weights-v1"),
		Metadata:     map[string]string{"framework": "torch"},
		Tags:         []string{"baseline"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if mv.Checksum == "" || mv.SizeBytes == 0 {
		t.Errorf("expected checksum and size, got %+v", mv)
	}
	if !mv.Active {
		t.Error("expected registered version to be active")
	}

	got, err := r.Get("gpt-x", "v1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Checksum != mv.Checksum {
		t.Error("checksum mismatch on read back")
	}

	// First registration becomes the default.
	def, err := r.Get("gpt-x", "")
	if err != nil {
		t.Fatalf("Get default: %v", err)
	}
	if def.Version != "v1" {
		t.Errorf("expected default v1, got %s", def.Version)
	}

	// The artifact lives inside the registry, not the caller's path.
	if _, err := os.Stat(mv.ArtifactPath); err != nil {
		t.Errorf("artifact not copied into registry: %v", err)
	}
}

func TestRegister_DuplicateRejected(t *testing.T) {
	r := openTestRegistry(t)

	params := RegisterParams{
		Name:         "gpt-x",
		Version:      "v1",
		ArtifactPath: writeArtifact(t, "weights"),
	}
	if _, err := r.Register(params); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := r.Register(params); !errors.Is(err, ErrVersionExists) {
		t.Fatalf("expected ErrVersionExists, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	r := openTestRegistry(t)
	if _, err := r.Get("missing", ""); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}

	if _, err := r.Register(RegisterParams{
		Name: "gpt-x", Version: "v1", ArtifactPath: writeArtifact(t, "w"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("gpt-x", "v9"); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestChecksum_DetectsDrift(t *testing.T) {
	r := openTestRegistry(t)

	a, err := r.Register(RegisterParams{
		Name: "clf", Version: "v1", ArtifactPath: writeArtifact(t, "same-bytes"),
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Register(RegisterParams{
		Name: "clf", Version: "v2", ArtifactPath: writeArtifact(t, "same-bytes"),
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err := r.Register(RegisterParams{
		Name: "clf", Version: "v3", ArtifactPath: writeArtifact(t, "different"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if a.Checksum != b.Checksum {
		t.Error("identical content must produce identical checksums")
	}
	if a.Checksum == c.Checksum {
		t.Error("different content must produce different checksums")
	}
}

func TestChecksum_DirectoryArtifact(t *testing.T) {
	r := openTestRegistry(t)

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0644)
	os.MkdirAll(filepath.Join(dir, "shards"), 0755)
	os.WriteFile(filepath.Join(dir, "shards", "0.bin"), []byte("shard0"), 0644)

	mv, err := r.Register(RegisterParams{Name: "big", Version: "v1", ArtifactPath: dir})
	if err != nil {
		t.Fatalf("Register dir artifact: %v", err)
	}
	if mv.Checksum == "" {
		t.Error("expected directory checksum")
	}
	if mv.SizeBytes != int64(len("{}")+len("shard0")) {
		t.Errorf("unexpected size: %d", mv.SizeBytes)
	}
}

func TestDeactivate_ReassignsDefault(t *testing.T) {
	r := openTestRegistry(t)

	r.Register(RegisterParams{Name: "m", Version: "v1", ArtifactPath: writeArtifact(t, "1"), SetDefault: true})
	r.Register(RegisterParams{Name: "m", Version: "v2", ArtifactPath: writeArtifact(t, "2")})

	if err := r.Deactivate("m", "v1"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	def, err := r.Get("m", "")
	if err != nil {
		t.Fatalf("Get default after deactivate: %v", err)
	}
	if def.Version != "v2" {
		t.Errorf("expected default reassigned to v2, got %s", def.Version)
	}

	v1, _ := r.Get("m", "v1")
	if v1.Active {
		t.Error("expected v1 inactive")
	}
}

func TestDelete(t *testing.T) {
	r := openTestRegistry(t)

	mv, _ := r.Register(RegisterParams{Name: "m", Version: "v1", ArtifactPath: writeArtifact(t, "1")})

	// Active versions need force.
	if err := r.Delete("m", "v1", false); !errors.Is(err, ErrVersionActive) {
		t.Fatalf("expected ErrVersionActive, got %v", err)
	}
	if err := r.Delete("m", "v1", true); err != nil {
		t.Fatalf("forced Delete: %v", err)
	}
	if _, err := r.Get("m", "v1"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected model gone after last version deleted, got %v", err)
	}
	if _, err := os.Stat(mv.ArtifactPath); !os.IsNotExist(err) {
		t.Error("expected artifact removed from disk")
	}
}

func TestIndexPersistence(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()

	first, err := Open(dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Register(RegisterParams{
		Name: "persist", Version: "v1", ArtifactPath: writeArtifact(t, "w"),
	}); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	mv, err := reopened.Get("persist", "v1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if mv.Checksum == "" {
		t.Error("expected checksum to survive reopen")
	}
}

func TestCompare(t *testing.T) {
	r := openTestRegistry(t)

	r.Register(RegisterParams{
		Name: "m", Version: "v1",
		ArtifactPath: writeArtifact(t, "aa"),
		Metadata:     map[string]string{"framework": "torch", "quantized": "no"},
		Tags:         []string{"baseline"},
		Metrics:      map[string]float64{"f1": 0.80},
	})
	r.Register(RegisterParams{
		Name: "m", Version: "v2",
		ArtifactPath: writeArtifact(t, "aaaa"),
		Metadata:     map[string]string{"framework": "torch", "quantized": "int8"},
		Tags:         []string{"baseline", "prod"},
		Metrics:      map[string]float64{"f1": 0.85},
	})

	diff, err := r.Compare("m", "v1", "v2")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if diff.SizeDelta != 2 {
		t.Errorf("expected size delta 2, got %d", diff.SizeDelta)
	}
	if !diff.ChecksumChanged {
		t.Error("expected checksum change")
	}
	if got := diff.MetadataChanged["quantized"]; got != [2]string{"no", "int8"} {
		t.Errorf("unexpected metadata change: %v", got)
	}
	if len(diff.TagsAdded) != 1 || diff.TagsAdded[0] != "prod" {
		t.Errorf("unexpected tags added: %v", diff.TagsAdded)
	}
	if delta := diff.MetricDeltas["f1"]; delta < 0.049 || delta > 0.051 {
		t.Errorf("unexpected f1 delta: %v", delta)
	}
}
