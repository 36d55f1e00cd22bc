package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// KVStore keeps checkpoints in a NATS JetStream key-value bucket, one key
// per unit. A Put replaces the value atomically.
type KVStore struct {
	*core
	kv jetstream.KeyValue
}

// NewKVStore binds to bucket, creating it when it does not exist. Only the
// latest revision of each key is retained.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string, stages []string, logger *zap.Logger, opts ...Option) (*KVStore, error) {
	if js == nil {
		return nil, fmt.Errorf("checkpoint: jetstream context is required")
	}
	c, err := newCore("nats", stages, logger, opts)
	if err != nil {
		return nil, err
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "cardline unit checkpoints",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: binding bucket %s: %w", bucket, err)
	}
	return &KVStore{core: c, kv: kv}, nil
}

func (s *KVStore) Save(ctx context.Context, unitID, stage string, data any) (err error) {
	ctx, span := s.start(ctx, "save", unitID)
	span.SetAttributes(attribute.String("unit.stage", stage))
	defer func() { s.finish(ctx, span, "save", err) }()

	b, err := s.encode(unitID, stage, data)
	if err != nil {
		return err
	}
	rev, err := s.kv.Put(ctx, unitID, b)
	if err != nil {
		return fmt.Errorf("checkpoint: put %s: %w", unitID, err)
	}
	s.logger.Debug("checkpoint saved",
		zap.String("unit_id", unitID),
		zap.String("stage", stage),
		zap.Uint64("revision", rev))
	return nil
}

func (s *KVStore) Load(ctx context.Context, unitID string) (cp *Checkpoint, err error) {
	ctx, span := s.start(ctx, "load", unitID)
	defer func() { s.finish(ctx, span, "load", err) }()

	if err := ValidateUnitID(unitID); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(ctx, unitID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get %s: %w", unitID, err)
	}
	return s.decode(unitID, entry.Value())
}

func (s *KVStore) Delete(ctx context.Context, unitID string) (err error) {
	ctx, span := s.start(ctx, "delete", unitID)
	defer func() { s.finish(ctx, span, "delete", err) }()

	if err := ValidateUnitID(unitID); err != nil {
		return err
	}
	if err := s.kv.Purge(ctx, unitID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("checkpoint: purge %s: %w", unitID, err)
	}
	return nil
}
