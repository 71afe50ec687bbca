// Package board loads normalized snapshots of the external sprint board.
// The engine depends only on the normalized shape in domain, never on the
// raw board API schema.
package board

import (
	"context"
	"errors"
	"fmt"

	"sprintline/internal/domain"
)

// ErrUnavailable wraps transport failures after retries are exhausted. The
// caller treats the attempt as failed; prior sprint state stays authoritative.
var ErrUnavailable = errors.New("board collaborator unavailable")

// ErrMalformedSnapshot marks a snapshot missing required structural fields
// entirely. Distinct from per-ticket missing_info, which is a data-quality
// warning, not a failure.
var ErrMalformedSnapshot = errors.New("malformed board snapshot")

// Source produces one normalized snapshot per call.
type Source interface {
	Snapshot(ctx context.Context) (domain.BoardSnapshot, error)
}

// Validate checks snapshot structure. Cards with an empty id or title are
// structural failures; everything softer is left to the classifier.
func Validate(s domain.BoardSnapshot) error {
	if s.BoardID == "" {
		return fmt.Errorf("%w: board_id missing", ErrMalformedSnapshot)
	}
	if s.Cards == nil {
		return fmt.Errorf("%w: cards missing", ErrMalformedSnapshot)
	}
	for i, c := range s.Cards {
		if c.ID == "" {
			return fmt.Errorf("%w: card %d has no id", ErrMalformedSnapshot, i)
		}
		if c.Title == "" {
			return fmt.Errorf("%w: card %s has no title", ErrMalformedSnapshot, c.ID)
		}
		if c.ListName == "" {
			return fmt.Errorf("%w: card %s has no list", ErrMalformedSnapshot, c.ID)
		}
	}
	return nil
}
