// Package apikey mints API keys. Only the bcrypt hash and the lookup prefix
// are ever stored; the raw key is shown to its owner once.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Prefix starts every raw key.
	Prefix = "gv_"
	// PrefixLen is how many leading characters of a raw key are stored for lookup.
	PrefixLen = 8

	minRawLen   = 24
	randomBytes = 24
)

var ErrInvalidKey = errors.New("invalid api key")

// Params describes the key to mint.
type Params struct {
	TenantID uuid.UUID
	Name     string
	ActorID  string
	Scopes   []string
	Roles    []models.ApprovalRole
}

// Generate returns a fresh random raw key.
func Generate() (string, error) {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return Prefix + hex.EncodeToString(b), nil
}

// Validate checks the shape of a caller-supplied raw key.
func Validate(raw string) error {
	if !strings.HasPrefix(raw, Prefix) || len(raw) < minRawLen {
		return fmt.Errorf("%w: must start with %q and be at least %d characters", ErrInvalidKey, Prefix, minRawLen)
	}
	return nil
}

// New builds the stored form of raw. The hash uses bcrypt's default cost.
func New(raw string, p Params, now time.Time) (*models.APIKey, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing api key: %w", err)
	}

	roles := make([]string, 0, len(p.Roles))
	for _, r := range p.Roles {
		if !r.Valid() {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidKey, r)
		}
		roles = append(roles, string(r))
	}
	scopes := p.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	return &models.APIKey{
		ID:        uuid.New(),
		TenantID:  p.TenantID,
		Name:      p.Name,
		ActorID:   p.ActorID,
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		Scopes:    scopes,
		Roles:     roles,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
