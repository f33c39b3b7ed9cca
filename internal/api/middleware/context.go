package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/pkg/models"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller of a request.
type Identity struct {
	TenantID  uuid.UUID
	KeyPrefix string
	ActorID   string
	Scopes    []string
	Roles     []string
}

// HasScope reports whether the caller's key carries scope.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasRole reports whether the caller may act as role.
func (id Identity) HasRole(role models.ApprovalRole) bool {
	for _, r := range id.Roles {
		if models.ApprovalRole(r) == role {
			return true
		}
	}
	return false
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func GetIdentity(r *http.Request) (Identity, bool) {
	id, ok := r.Context().Value(identityKey).(Identity)
	return id, ok
}

func GetTenantID(r *http.Request) (uuid.UUID, bool) {
	id, ok := GetIdentity(r)
	if !ok || id.TenantID == uuid.Nil {
		return uuid.Nil, false
	}
	return id.TenantID, true
}
