package board

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"sprintline/internal/domain"
)

// FileSource reads a normalized snapshot from a JSON file. Used by the CLI
// for offline ingestion and by tests.
type FileSource struct {
	Path string
	Now  func() time.Time
}

func (f FileSource) Snapshot(ctx context.Context) (domain.BoardSnapshot, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return domain.BoardSnapshot{}, fmt.Errorf("read snapshot file: %w", err)
	}
	return Parse(data, f.now())
}

func (f FileSource) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Parse decodes and validates a normalized snapshot, stamping taken_at if
// the file omits it.
func Parse(data []byte, now time.Time) (domain.BoardSnapshot, error) {
	var s domain.BoardSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if s.TakenAt == "" {
		s.TakenAt = now.UTC().Format(time.RFC3339)
	}
	if err := Validate(s); err != nil {
		return s, err
	}
	return s, nil
}
