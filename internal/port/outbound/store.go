package outbound

import "errors"

// Record kinds accepted by the Store.
const (
	KindToolsets    = "toolsets"
	KindPreferences = "preferences"
)

// ErrNotFound is returned by Get for a missing record.
var ErrNotFound = errors.New("record not found")

// Store is the persistence port for toolsets and preferences. Records are
// opaque JSON blobs keyed by (kind, id); writes are atomic per key.
type Store interface {
	// Put creates or replaces a record.
	Put(kind, id string, blob []byte) error

	// Get reads a record, or ErrNotFound.
	Get(kind, id string) ([]byte, error)

	// List returns the ids of all records of a kind, sorted.
	List(kind string) ([]string, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(kind, id string) error

	// Close releases the underlying storage.
	Close() error
}
