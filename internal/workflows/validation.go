package workflows

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/cardline/internal/checkpoint"
)

// ErrInvalidInput indicates workflow input validation failed.
var ErrInvalidInput = errors.New("invalid workflow input")

// maxPayloadSize keeps unit payloads well under Temporal's blob limit.
const maxPayloadSize = 256 * 1024

// Validate checks the input before any activity runs.
func (in CardPipelineInput) Validate() error {
	if err := checkpoint.ValidateUnitID(in.UnitID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(in.Payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload is %d bytes, limit %d", ErrInvalidInput, len(in.Payload), maxPayloadSize)
	}
	if in.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidInput)
	}
	if in.StageTimeout < 0 {
		return fmt.Errorf("%w: stage_timeout must be >= 0", ErrInvalidInput)
	}
	return nil
}
