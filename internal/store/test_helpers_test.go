package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/snowmirror/internal/ir"
)

// createTestStore creates a new store in a temp directory for testing.
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

// createTestPayload creates a payload for text_channel 42 in container 1.
func createTestPayload(id string, seq int64, fragment ir.Object) PayloadRecord {
	return PayloadRecord{
		ID:        id,
		Seq:       seq,
		Session:   "session-1",
		Kind:      "text_channel",
		EntityID:  42,
		Container: 1,
		Fragment:  fragment,
	}
}

// createTestEnvelope creates an envelope caused by payloadID.
func createTestEnvelope(id, payloadID string, seq int64, field string, before, after ir.Value) EnvelopeRecord {
	return EnvelopeRecord{
		ID:        id,
		Seq:       seq,
		PayloadID: payloadID,
		Kind:      "text_channel",
		EntityID:  42,
		Field:     field,
		Old:       before,
		New:       after,
	}
}
