package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey represents an authentication key for approvers, decision engines and
// admin tooling. Raw keys are shown once at creation; only the bcrypt hash is
// stored. Roles lists the approval roles the key holder may vote as.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	TenantID   uuid.UUID  `db:"tenant_id"    json:"tenant_id"`
	Name       string     `db:"name"         json:"name"`
	ActorID    string     `db:"actor_id"     json:"actor_id"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	Roles      []string   `db:"roles"        json:"roles"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

// HasRole reports whether the key may act as the given approval role.
func (k *APIKey) HasRole(role ApprovalRole) bool {
	for _, r := range k.Roles {
		if ApprovalRole(r) == role {
			return true
		}
	}
	return false
}
