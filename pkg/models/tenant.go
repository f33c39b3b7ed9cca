package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents a pet shop (or chain) using the service. Decisions,
// feedback and learning patterns are all scoped to a tenant.
type Tenant struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
