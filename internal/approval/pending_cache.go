package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/internal/cache"
	"github.com/kiranshivaraju/governor/pkg/models"
)

// generationTTL outlives any listing TTL, so a counter that expires and
// restarts can never uncover a listing written under the old value.
const generationTTL = 24 * time.Hour

// RedisPendingCache stores pending listings as JSON with a short TTL.
// Cache errors are logged and treated as misses.
type RedisPendingCache struct {
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisPendingCache(c cache.Cache, ttl time.Duration, logger *slog.Logger) *RedisPendingCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPendingCache{cache: c, ttl: ttl, logger: logger}
}

var _ PendingCache = (*RedisPendingCache)(nil)

func (r *RedisPendingCache) generation(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	b, ok, err := r.cache.Get(ctx, cache.PendingGenerationKey(tenantID.String()))
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(string(b), 10, 64)
}

func (r *RedisPendingCache) GetPending(ctx context.Context, tenantID uuid.UUID, role models.ApprovalRole) ([]PendingApproval, int64, bool) {
	gen, err := r.generation(ctx, tenantID)
	if err != nil {
		r.logger.Warn("pending cache generation", "tenant_id", tenantID, "error", err)
		return nil, -1, false
	}
	b, ok, err := r.cache.Get(ctx, cache.PendingApprovalsKey(tenantID.String(), gen, string(role)))
	if err != nil {
		r.logger.Warn("pending cache read", "tenant_id", tenantID, "role", role, "error", err)
		return nil, -1, false
	}
	if !ok {
		return nil, gen, false
	}
	var items []PendingApproval
	if err := json.Unmarshal(b, &items); err != nil {
		r.logger.Warn("pending cache decode", "tenant_id", tenantID, "role", role, "error", err)
		return nil, gen, false
	}
	return items, gen, true
}

func (r *RedisPendingCache) SetPending(ctx context.Context, tenantID uuid.UUID, role models.ApprovalRole, generation int64, items []PendingApproval) {
	if generation < 0 {
		return
	}
	b, err := json.Marshal(items)
	if err != nil {
		return
	}
	key := cache.PendingApprovalsKey(tenantID.String(), generation, string(role))
	if err := r.cache.Set(ctx, key, b, r.ttl); err != nil {
		r.logger.Warn("pending cache write", "tenant_id", tenantID, "role", role, "error", err)
	}
}

// Invalidate moves the tenant to a new generation. Listings under older
// generations are never read again and expire on their own.
func (r *RedisPendingCache) Invalidate(ctx context.Context, tenantID uuid.UUID) {
	if _, err := r.cache.IncrWithExpiry(ctx, cache.PendingGenerationKey(tenantID.String()), generationTTL); err != nil {
		r.logger.Warn("pending cache invalidate", "tenant_id", tenantID, "error", err)
	}
}
