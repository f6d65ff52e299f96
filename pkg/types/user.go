package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UserRole is the coarse authorization role carried by tokens.
type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleUser  UserRole = "user"
)

// User owns templates, parameter sets, pipelines, and sessions.
type User struct {
	ID         uuid.UUID `json:"id"`
	ExternalID string    `json:"external_id,omitempty"`
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	Role       UserRole  `json:"role"`
	Timestamps
}

// Validate checks the user record.
func (u *User) Validate() error {
	if u.Email == "" {
		return fmt.Errorf("email is required")
	}
	switch u.Role {
	case RoleAdmin, RoleUser, "":
	default:
		return fmt.Errorf("invalid role %q", u.Role)
	}
	return nil
}

// CollectionStatus tracks ingestion progress for a collection.
type CollectionStatus string

const (
	CollectionCreated    CollectionStatus = "created"
	CollectionProcessing CollectionStatus = "processing"
	CollectionCompleted  CollectionStatus = "completed"
	CollectionError      CollectionStatus = "error"
)

// Collection groups ingested documents behind a vector store handle.
//
// The vector store name is an opaque string unique within the store;
// deleting a collection cascades to pipelines keyed by it, while sessions
// keep a dangling reference.
type Collection struct {
	ID              uuid.UUID        `json:"id"`
	Name            string           `json:"name"`
	VectorStoreName string           `json:"vector_store_name"`
	IsPrivate       bool             `json:"is_private"`
	UserIDs         []uuid.UUID      `json:"user_ids,omitempty"`
	Status          CollectionStatus `json:"status"`
	Timestamps
}

// Validate checks the collection record.
func (c *Collection) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if c.VectorStoreName == "" {
		return fmt.Errorf("vector_store_name is required")
	}
	switch c.Status {
	case CollectionCreated, CollectionProcessing, CollectionCompleted, CollectionError:
	default:
		return fmt.Errorf("invalid status %q", c.Status)
	}
	return nil
}

// HasMember reports whether a user belongs to the collection. Public
// collections admit everyone.
func (c *Collection) HasMember(userID uuid.UUID) bool {
	if !c.IsPrivate {
		return true
	}
	for _, id := range c.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
