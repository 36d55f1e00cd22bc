package judge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// DefaultRubricID is used for unit types no rubric claims.
const DefaultRubricID = "default"

const maxRubricFileSize = 1024 * 1024

// rubricFile is the on-disk layout shared by YAML and TOML.
type rubricFile struct {
	Rubrics []Rubric `koanf:"rubrics" toml:"rubrics"`
}

// ParseRubrics decodes and validates a rubric document. format is "yaml"
// or "toml".
func ParseRubrics(content []byte, format string) ([]Rubric, error) {
	var f rubricFile
	switch format {
	case "yaml", "yml":
		k := koanf.New(".")
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRubric, err)
		}
		if err := k.Unmarshal("", &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRubric, err)
		}
	case "toml":
		if _, err := toml.Decode(string(content), &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRubric, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidRubric, format)
	}

	if len(f.Rubrics) == 0 {
		return nil, fmt.Errorf("%w: no rubrics defined", ErrInvalidRubric)
	}
	for _, r := range f.Rubrics {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Rubrics, nil
}

// LoadRubricFile reads rubrics from path; the extension picks the format.
func LoadRubricFile(path string) ([]Rubric, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("judge: reading rubrics: %w", err)
	}
	if info.Size() > maxRubricFileSize {
		return nil, fmt.Errorf("%w: %s too large (%d bytes)", ErrInvalidRubric, path, info.Size())
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("judge: reading rubrics: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	rubrics, err := ParseRubrics(content, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rubrics, nil
}

// Registry maps unit types to rubrics. Lookups are safe during reloads.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]Rubric
	byType  map[string]string
	path    string
	logger  *zap.Logger
	reloads int
}

// NewRegistry indexes rubrics. Two rubrics claiming the same id or unit
// type is an error.
func NewRegistry(rubrics []Rubric, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger}
	if err := r.replace(rubrics); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadRegistry builds a registry from a YAML or TOML file. Reload and Watch
// re-read the same path.
func LoadRegistry(path string, logger *zap.Logger) (*Registry, error) {
	rubrics, err := LoadRubricFile(path)
	if err != nil {
		return nil, err
	}
	r, err := NewRegistry(rubrics, logger)
	if err != nil {
		return nil, err
	}
	r.path = path
	return r, nil
}

func (r *Registry) replace(rubrics []Rubric) error {
	byID := make(map[string]Rubric, len(rubrics))
	byType := make(map[string]string)
	for _, rb := range rubrics {
		if err := rb.Validate(); err != nil {
			return err
		}
		if _, dup := byID[rb.ID]; dup {
			return fmt.Errorf("%w: duplicate rubric id %q", ErrInvalidRubric, rb.ID)
		}
		byID[rb.ID] = rb
		for _, t := range rb.UnitTypes {
			if other, dup := byType[t]; dup {
				return fmt.Errorf("%w: unit type %q claimed by %s and %s", ErrInvalidRubric, t, other, rb.ID)
			}
			byType[t] = rb.ID
		}
	}

	r.mu.Lock()
	r.byID = byID
	r.byType = byType
	r.mu.Unlock()
	return nil
}

// For returns the rubric for unitType: the rubric listing it, else a rubric
// whose id equals it, else the default rubric.
func (r *Registry) For(unitType string) (Rubric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byType[unitType]; ok {
		return r.byID[id], nil
	}
	if rb, ok := r.byID[unitType]; ok {
		return rb, nil
	}
	if rb, ok := r.byID[DefaultRubricID]; ok {
		return rb, nil
	}
	return Rubric{}, fmt.Errorf("%w: %q", ErrUnknownRubric, unitType)
}

// IDs lists rubric ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reload re-reads the registry file. On error the current rubrics stay in
// effect.
func (r *Registry) Reload() error {
	if r.path == "" {
		return fmt.Errorf("judge: registry was not loaded from a file")
	}
	rubrics, err := LoadRubricFile(r.path)
	if err == nil {
		err = r.replace(rubrics)
	}
	if err != nil {
		r.logger.Error("rubric reload failed, keeping previous rubrics",
			zap.String("path", r.path), zap.Error(err))
		return err
	}
	r.mu.Lock()
	r.reloads++
	r.mu.Unlock()
	r.logger.Info("rubrics reloaded", zap.String("path", r.path), zap.Strings("ids", r.IDs()))
	return nil
}

// Reloads counts successful reloads.
func (r *Registry) Reloads() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reloads
}

// Watch reloads the registry whenever its file changes, until ctx is done.
// The parent directory is watched so atomic replace-by-rename is seen.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return fmt.Errorf("judge: registry was not loaded from a file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("judge: creating watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(r.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("judge: watching %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Errors are logged by Reload.
			_ = r.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("rubric watcher error", zap.Error(err))
		}
	}
}
