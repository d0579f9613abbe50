// Package ids defines the opaque 128-bit identifiers used across the work
// queue tables: work-item ids, message ids stable across retries, and owner
// tokens identifying a dispatcher instance.
//
// The three types share a UUID representation but are deliberately distinct
// so a message id can never be passed where an owner token is expected.
package ids

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// WorkItemID identifies a single row in a work-queue table.
type WorkItemID struct {
	value uuid.UUID
}

// MessageID identifies a message, stable across delivery retries.
type MessageID struct {
	value uuid.UUID
}

// OwnerToken identifies a dispatcher instance holding claimed rows.
type OwnerToken struct {
	value uuid.UUID
}

// NewWorkItemID allocates a fresh random work-item id.
func NewWorkItemID() WorkItemID {
	return WorkItemID{value: uuid.New()}
}

// NewMessageID allocates a fresh random message id.
func NewMessageID() MessageID {
	return MessageID{value: uuid.New()}
}

// NewOwnerToken allocates a fresh random owner token.
func NewOwnerToken() OwnerToken {
	return OwnerToken{value: uuid.New()}
}

// ParseWorkItemID parses the canonical string form of a work-item id.
func ParseWorkItemID(s string) (WorkItemID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return WorkItemID{}, fmt.Errorf("invalid work item id %q: %w", s, err)
	}
	return WorkItemID{value: u}, nil
}

// ParseMessageID parses the canonical string form of a message id.
func ParseMessageID(s string) (MessageID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return MessageID{}, fmt.Errorf("invalid message id %q: %w", s, err)
	}
	return MessageID{value: u}, nil
}

// ParseOwnerToken parses the canonical string form of an owner token.
func ParseOwnerToken(s string) (OwnerToken, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return OwnerToken{}, fmt.Errorf("invalid owner token %q: %w", s, err)
	}
	return OwnerToken{value: u}, nil
}

func (id WorkItemID) String() string { return id.value.String() }
func (id MessageID) String() string  { return id.value.String() }
func (t OwnerToken) String() string  { return t.value.String() }

// IsZero reports whether the id is the zero value.
func (id WorkItemID) IsZero() bool { return id.value == uuid.Nil }
func (id MessageID) IsZero() bool  { return id.value == uuid.Nil }
func (t OwnerToken) IsZero() bool  { return t.value == uuid.Nil }

// UUID exposes the underlying value for database parameter binding.
func (id WorkItemID) UUID() uuid.UUID { return id.value }
func (id MessageID) UUID() uuid.UUID  { return id.value }
func (t OwnerToken) UUID() uuid.UUID  { return t.value }

// WorkItemIDFromUUID wraps a scanned database value.
func WorkItemIDFromUUID(u uuid.UUID) WorkItemID { return WorkItemID{value: u} }

// MessageIDFromUUID wraps a scanned database value.
func MessageIDFromUUID(u uuid.UUID) MessageID { return MessageID{value: u} }

// OwnerTokenFromUUID wraps a scanned database value.
func OwnerTokenFromUUID(u uuid.UUID) OwnerToken { return OwnerToken{value: u} }

// Compare orders two work-item ids on the underlying bits. Used for
// deterministic tie-breaking in claim ordering.
func (id WorkItemID) Compare(other WorkItemID) int {
	return bytes.Compare(id.value[:], other.value[:])
}
