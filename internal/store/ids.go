package store

import "github.com/google/uuid"

// NewCommandID generates a random command ID.
func NewCommandID() string {
	return uuid.NewString()
}

// NewBatchID generates a random batch ID.
func NewBatchID() string {
	return uuid.NewString()
}
