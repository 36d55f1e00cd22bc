// Package checkpoint persists the resumable state of a work unit at each
// stage boundary.
//
// A unit has at most one live checkpoint. Save overwrites it atomically,
// Load returns the latest one (or nil when the unit has none) and Delete
// removes it once the unit reaches a terminal decision. Records are a
// versioned JSON envelope:
//
//	{"version":1,"unit_id":"card-42","stage":"validate","timestamp":"...","data":{...}}
//
// Stores are built with the ordered stage sequence of the pipeline that
// owns them. A record naming any other stage is a configuration error and
// fails with ErrUnknownStage.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// SchemaVersion is the envelope version written by Save.
const SchemaVersion = 1

var (
	// ErrUnknownStage is returned when a stage is not in the store's
	// declared sequence.
	ErrUnknownStage = errors.New("checkpoint: unknown stage")

	// ErrUnsupportedVersion is returned for envelopes newer than SchemaVersion.
	ErrUnsupportedVersion = errors.New("checkpoint: unsupported schema version")

	// ErrInvalidUnitID is returned for ids that cannot be used as a key.
	ErrInvalidUnitID = errors.New("checkpoint: invalid unit id")

	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("checkpoint: corrupt record")
)

// Checkpoint is one persisted unit state.
type Checkpoint struct {
	Version   int             `json:"version"`
	UnitID    string          `json:"unit_id"`
	Stage     string          `json:"stage"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals the checkpoint payload into v.
func (c *Checkpoint) Decode(v any) error {
	if len(c.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Data, v); err != nil {
		return fmt.Errorf("%w: decoding data for %s: %v", ErrCorrupt, c.UnitID, err)
	}
	return nil
}

// Store persists checkpoints keyed by unit id.
type Store interface {
	// Save atomically replaces the unit's checkpoint. data is JSON-encoded.
	Save(ctx context.Context, unitID, stage string, data any) error

	// Load returns the unit's checkpoint, or (nil, nil) when there is none.
	Load(ctx context.Context, unitID string) (*Checkpoint, error)

	// Delete removes the unit's checkpoint. Deleting a missing one is not
	// an error.
	Delete(ctx context.Context, unitID string) error
}

// unitIDPattern keeps ids safe as both file names and KV keys.
var unitIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// ValidateUnitID reports whether unitID can be used as a checkpoint key.
func ValidateUnitID(unitID string) error {
	if !unitIDPattern.MatchString(unitID) {
		return fmt.Errorf("%w: %q", ErrInvalidUnitID, unitID)
	}
	return nil
}
