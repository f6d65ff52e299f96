// Package types defines the persisted entities shared across services:
// users, collections, pipelines, templates, parameter sets, providers,
// models, and conversation records.
//
// The structs here are passive data carriers with validation rules; state
// transitions and persistence live in the owning services.
package types

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh entity id.
func NewID() uuid.UUID {
	return uuid.New()
}

// Timestamps carries creation and modification times common to entities.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Touch updates the modification time.
func (t *Timestamps) Touch(now time.Time) {
	t.UpdatedAt = now
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
}
