package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// FileStore keeps one <unit>.json file per unit in a directory.
type FileStore struct {
	*core
	dir string
}

// NewFileStore creates the directory (0700) if needed.
func NewFileStore(dir string, stages []string, logger *zap.Logger, opts ...Option) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint: directory is required")
	}
	c, err := newCore("file", stages, logger, opts)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("checkpoint: creating %s: %w", dir, err)
	}
	return &FileStore{core: c, dir: dir}, nil
}

func (s *FileStore) path(unitID string) string {
	return filepath.Join(s.dir, unitID+".json")
}

// Save writes to an exclusive temp file, fsyncs it and renames it over the
// previous checkpoint, so a crash leaves either the old or the new record.
func (s *FileStore) Save(ctx context.Context, unitID, stage string, data any) (err error) {
	ctx, span := s.start(ctx, "save", unitID)
	span.SetAttributes(attribute.String("unit.stage", stage))
	defer func() { s.finish(ctx, span, "save", err) }()

	b, err := s.encode(unitID, stage, data)
	if err != nil {
		return err
	}

	target := s.path(unitID)
	tmpPath := target + ".tmp." + uuid.NewString()

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("checkpoint: creating temp file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: writing %s: %w", unitID, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: syncing %s: %w", unitID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: closing %s: %w", unitID, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: finalizing %s: %w", unitID, err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("unit_id", unitID),
		zap.String("stage", stage),
		zap.Int("bytes", len(b)))
	return nil
}

// Load returns nil, nil when the unit has no checkpoint file.
func (s *FileStore) Load(ctx context.Context, unitID string) (cp *Checkpoint, err error) {
	ctx, span := s.start(ctx, "load", unitID)
	defer func() { s.finish(ctx, span, "load", err) }()

	if err := ValidateUnitID(unitID); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path(unitID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: reading %s: %w", unitID, err)
	}
	cp, err = s.decode(unitID, b)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("unit.stage", cp.Stage))
	return cp, nil
}

// Delete removes the unit's checkpoint file.
func (s *FileStore) Delete(ctx context.Context, unitID string) (err error) {
	ctx, span := s.start(ctx, "delete", unitID)
	defer func() { s.finish(ctx, span, "delete", err) }()

	if err := ValidateUnitID(unitID); err != nil {
		return err
	}
	if err := os.Remove(s.path(unitID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: deleting %s: %w", unitID, err)
	}
	s.logger.Debug("checkpoint deleted", zap.String("unit_id", unitID))
	return nil
}
