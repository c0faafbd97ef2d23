package model

import (
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/leaseq/leaseq/internal/util"
)

// Message is one queued message, persisted in the unattempted pool on publish
// and migrated to the attempted pool on first claim. Immutable once published.
type Message struct {
	ID          string          `db:"id" json:"id"`
	Name        string          `db:"name" json:"name"`
	Hash        int32           `db:"hash" json:"hash"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	PublishedAt time.Time       `db:"published_at" json:"published_at"`
}

// New builds a publishable message with a fresh ULID identity and routing hash.
func New(name string, payload json.RawMessage, now time.Time) Message {
	return Message{
		ID:          util.New(),
		Name:        name,
		Hash:        Fingerprint(name, payload),
		Payload:     payload,
		PublishedAt: now,
	}
}

// Fingerprint is a deterministic fnv1a-32 hash over name and payload. It is an
// opaque routing fingerprint, not a security hash, and is never interpreted by
// the queue engine itself.
func Fingerprint(name string, payload []byte) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write(payload)

	return int32(h.Sum32())
}
