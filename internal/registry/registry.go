// Package registry implements the content-addressed model version store:
// artifacts copied into a managed directory, checksummed for drift
// detection, with a yaml index persisted atomically.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mfujita/flowline/internal/lock"
	yamlutil "github.com/mfujita/flowline/internal/yaml"
)

var (
	ErrModelNotFound   = errors.New("registry: model not found")
	ErrVersionNotFound = errors.New("registry: version not found")
	ErrVersionExists   = errors.New("registry: version already exists")
	ErrVersionActive   = errors.New("registry: version is active, use force to delete")
)

// ModelVersion describes one registered artifact. Content is immutable once
// registered; only flags, metadata, and tags may change.
type ModelVersion struct {
	Name         string             `yaml:"name" json:"name"`
	Version      string             `yaml:"version" json:"version"`
	ArtifactPath string             `yaml:"artifact_path" json:"artifact_path"`
	Checksum     string             `yaml:"checksum" json:"checksum"`
	SizeBytes    int64              `yaml:"size_bytes" json:"size_bytes"`
	Metadata     map[string]string  `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Tags         []string           `yaml:"tags,omitempty" json:"tags,omitempty"`
	Active       bool               `yaml:"active" json:"active"`
	Metrics      map[string]float64 `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	RegisteredAt time.Time          `yaml:"registered_at" json:"registered_at"`
}

type modelRecord struct {
	Default  string                   `yaml:"default,omitempty"`
	Versions map[string]*ModelVersion `yaml:"versions"`
}

type indexFile struct {
	SchemaVersion int                     `yaml:"schema_version"`
	Models        map[string]*modelRecord `yaml:"models"`
}

// Registry is the model version store. Safe for concurrent use: reads take
// the registry mutex, writers additionally serialize per model name.
type Registry struct {
	root   string
	logger *zap.Logger

	mu     sync.RWMutex
	models map[string]*modelRecord

	writers *lock.MutexMap
}

// Open loads (or initializes) a registry rooted at dir.
func Open(dir string, logger *zap.Logger) (*Registry, error) {
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0755); err != nil {
		return nil, errors.Wrap(err, "create registry root")
	}

	r := &Registry{
		root:    dir,
		logger:  logger,
		models:  make(map[string]*modelRecord),
		writers: lock.NewMutexMap(),
	}
	if err := r.loadIndex(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) indexPath() string {
	return filepath.Join(r.root, "index.yaml")
}

func (r *Registry) loadIndex() error {
	data, err := os.ReadFile(r.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read registry index")
	}
	var idx indexFile
	if err := yamlv3.Unmarshal(data, &idx); err != nil {
		return errors.Wrap(err, "parse registry index")
	}
	if idx.Models != nil {
		r.models = idx.Models
	}
	return nil
}

func (r *Registry) saveIndexLocked() error {
	idx := indexFile{SchemaVersion: 1, Models: r.models}
	return yamlutil.AtomicWrite(r.indexPath(), idx)
}

// RegisterParams configures a registration.
type RegisterParams struct {
	Name         string
	Version      string
	ArtifactPath string
	Metadata     map[string]string
	Tags         []string
	Metrics      map[string]float64
	SetDefault   bool
}

// Register copies the artifact into the registry's content-addressed
// storage, checksums it, and records the version. Duplicate (name, version)
// pairs are rejected with ErrVersionExists.
func (r *Registry) Register(p RegisterParams) (*ModelVersion, error) {
	if p.Name == "" || p.Version == "" {
		return nil, fmt.Errorf("registry: name and version are required")
	}

	r.writers.Lock(p.Name)
	defer r.writers.Unlock(p.Name)

	r.mu.RLock()
	record := r.models[p.Name]
	if record != nil {
		if _, exists := record.Versions[p.Version]; exists {
			r.mu.RUnlock()
			return nil, errors.Wrapf(ErrVersionExists, "%s %s", p.Name, p.Version)
		}
	}
	r.mu.RUnlock()

	dst := filepath.Join(r.root, "artifacts", p.Name, p.Version)
	if err := copyArtifact(p.ArtifactPath, dst); err != nil {
		return nil, err
	}
	checksum, err := checksumPath(dst)
	if err != nil {
		return nil, err
	}
	size, err := artifactSize(dst)
	if err != nil {
		return nil, err
	}

	mv := &ModelVersion{
		Name:         p.Name,
		Version:      p.Version,
		ArtifactPath: dst,
		Checksum:     checksum,
		SizeBytes:    size,
		Metadata:     p.Metadata,
		Tags:         p.Tags,
		Metrics:      p.Metrics,
		Active:       true,
		RegisteredAt: time.Now(),
	}

	r.mu.Lock()
	record = r.models[p.Name]
	if record == nil {
		record = &modelRecord{Versions: make(map[string]*ModelVersion)}
		r.models[p.Name] = record
	}
	record.Versions[p.Version] = mv
	if p.SetDefault || record.Default == "" {
		record.Default = p.Version
	}
	err = r.saveIndexLocked()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r.logger.Info("model version registered",
		zap.String("model", p.Name),
		zap.String("version", p.Version),
		zap.String("checksum", checksum),
		zap.Int64("size_bytes", size))

	cp := *mv
	return &cp, nil
}

// Get returns the named version, or the default version when version is
// empty.
func (r *Registry) Get(name, version string) (*ModelVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.models[name]
	if !ok {
		return nil, errors.Wrap(ErrModelNotFound, name)
	}
	if version == "" {
		version = record.Default
	}
	mv, ok := record.Versions[version]
	if !ok {
		return nil, errors.Wrapf(ErrVersionNotFound, "%s %s", name, version)
	}
	cp := *mv
	return &cp, nil
}

// SetDefault points the model's default at an existing active version.
func (r *Registry) SetDefault(name, version string) error {
	r.writers.Lock(name)
	defer r.writers.Unlock(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.models[name]
	if !ok {
		return errors.Wrap(ErrModelNotFound, name)
	}
	mv, ok := record.Versions[version]
	if !ok {
		return errors.Wrapf(ErrVersionNotFound, "%s %s", name, version)
	}
	if !mv.Active {
		return fmt.Errorf("registry: cannot default to inactive version %s %s", name, version)
	}
	record.Default = version
	return r.saveIndexLocked()
}

// Deactivate soft-deletes a version. If it was the default, the default
// moves to the most recently registered remaining active version, or clears
// when none remain.
func (r *Registry) Deactivate(name, version string) error {
	r.writers.Lock(name)
	defer r.writers.Unlock(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.models[name]
	if !ok {
		return errors.Wrap(ErrModelNotFound, name)
	}
	mv, ok := record.Versions[version]
	if !ok {
		return errors.Wrapf(ErrVersionNotFound, "%s %s", name, version)
	}

	mv.Active = false
	if record.Default == version {
		record.Default = latestActiveLocked(record)
	}
	return r.saveIndexLocked()
}

// Delete hard-deletes a version and removes its artifact. Active versions
// require force.
func (r *Registry) Delete(name, version string, force bool) error {
	r.writers.Lock(name)
	defer r.writers.Unlock(name)

	r.mu.Lock()
	record, ok := r.models[name]
	if !ok {
		r.mu.Unlock()
		return errors.Wrap(ErrModelNotFound, name)
	}
	mv, ok := record.Versions[version]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrVersionNotFound, "%s %s", name, version)
	}
	if mv.Active && !force {
		r.mu.Unlock()
		return errors.Wrapf(ErrVersionActive, "%s %s", name, version)
	}

	delete(record.Versions, version)
	if record.Default == version {
		record.Default = latestActiveLocked(record)
	}
	if len(record.Versions) == 0 {
		delete(r.models, name)
	}
	artifactPath := mv.ArtifactPath
	err := r.saveIndexLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.RemoveAll(artifactPath); err != nil {
		r.logger.Warn("artifact removal failed",
			zap.String("path", artifactPath), zap.Error(err))
	}
	return nil
}

// List returns every version of a model, newest first.
func (r *Registry) List(name string) ([]ModelVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.models[name]
	if !ok {
		return nil, errors.Wrap(ErrModelNotFound, name)
	}
	out := make([]ModelVersion, 0, len(record.Versions))
	for _, mv := range record.Versions {
		out = append(out, *mv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	return out, nil
}

func latestActiveLocked(record *modelRecord) string {
	var best *ModelVersion
	for _, mv := range record.Versions {
		if !mv.Active {
			continue
		}
		if best == nil || mv.RegisteredAt.After(best.RegisteredAt) {
			best = mv
		}
	}
	if best == nil {
		return ""
	}
	return best.Version
}
