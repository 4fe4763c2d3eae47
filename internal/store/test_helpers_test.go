package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/value"
)

// createTestStore creates a file-backed store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testBase = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

// createTestEvent creates a stored event with minimal required fields.
// offset spaces events one minute apart; seq follows offset.
func createTestEvent(id, name, distinctID string, offset int) event.Stored {
	return event.Stored{
		Event: event.Event{
			ID:         id,
			Name:       name,
			DistinctID: distinctID,
			SessionID:  "sess-1",
			Properties: value.Object{"n": value.Number(float64(offset))},
			Timestamp:  testBase.Add(time.Duration(offset) * time.Minute),
		},
		Seq: int64(offset),
	}
}
