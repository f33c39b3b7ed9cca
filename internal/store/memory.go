package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/internal/approval"
	"github.com/kiranshivaraju/governor/internal/events"
	"github.com/kiranshivaraju/governor/pkg/models"
)

// MemoryStore is an in-process Store for tests and local development.
// Transactions are serialized and staged until commit.
type MemoryStore struct {
	mu       sync.Mutex
	tenant   models.Tenant
	keys     map[uuid.UUID]*models.APIKey
	flows    map[uuid.UUID]*approval.Flow
	events   []events.Record
	seq      int64
	patterns map[patternKey]*models.LearningPattern

	appendErr error
}

type patternKey struct {
	tenantID    uuid.UUID
	patternType models.DecisionType
	signature   string
}

// NewMemoryStore creates an empty store with a default tenant.
func NewMemoryStore() *MemoryStore {
	now := time.Now().UTC()
	return &MemoryStore{
		tenant:   models.Tenant{ID: uuid.New(), Name: "default", CreatedAt: now, UpdatedAt: now},
		keys:     make(map[uuid.UUID]*models.APIKey),
		flows:    make(map[uuid.UUID]*approval.Flow),
		patterns: make(map[patternKey]*models.LearningPattern),
	}
}

var _ Store = (*MemoryStore)(nil)

// SetAppendFailure makes every subsequent event append fail with err.
// Pass nil to clear it.
func (m *MemoryStore) SetAppendFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) GetDefaultTenant(context.Context) (*models.Tenant, error) {
	t := m.tenant
	return &t, nil
}

// --- API Keys ---

func (m *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[key.ID]; exists {
		return ErrDuplicateKey
	}
	c := *key
	m.keys[key.ID] = &c
	return nil
}

func (m *MemoryStore) ListAPIKeys(_ context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.TenantID == tenantID && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.TenantID != tenantID || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

// --- Approval flows ---

// latestIn returns the newest flow for a change request among flows.
func latestIn(flows map[uuid.UUID]*approval.Flow, changeRequestID string) *approval.Flow {
	var latest *approval.Flow
	for _, f := range flows {
		if f.ChangeRequestID != changeRequestID {
			continue
		}
		if latest == nil || f.CreatedAt.After(latest.CreatedAt) {
			latest = f
		}
	}
	return latest
}

func (m *MemoryStore) GetLatestFlow(_ context.Context, changeRequestID string) (*approval.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f := latestIn(m.flows, changeRequestID); f != nil {
		return f.Clone(), nil
	}
	return nil, nil
}

func (m *MemoryStore) ListOpenFlowsForRole(_ context.Context, tenantID uuid.UUID, role models.ApprovalRole) ([]*approval.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*approval.Flow
	for _, f := range m.flows {
		if f.TenantID != tenantID || f.State != approval.StateOpen {
			continue
		}
		for _, r := range f.Pending {
			if r == role {
				out = append(out, f.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MarkFinalized(_ context.Context, flowID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[flowID]
	if !ok || !f.IsComplete() {
		return ErrNotFound
	}
	t := at
	f.FinalizedAt = &t
	f.UpdatedAt = at
	return nil
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx approval.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memFlowTx{store: m, staged: make(map[uuid.UUID]*approval.Flow)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, f := range tx.staged {
		m.flows[id] = f
	}
	m.events = append(m.events, tx.events...)
	return nil
}

// memFlowTx stages writes; the store mutex is held for its lifetime.
type memFlowTx struct {
	store  *MemoryStore
	staged map[uuid.UUID]*approval.Flow
	events []events.Record
}

var _ approval.Tx = (*memFlowTx)(nil)

func (t *memFlowTx) view() map[uuid.UUID]*approval.Flow {
	merged := make(map[uuid.UUID]*approval.Flow, len(t.store.flows)+len(t.staged))
	for id, f := range t.store.flows {
		merged[id] = f
	}
	for id, f := range t.staged {
		merged[id] = f
	}
	return merged
}

func (t *memFlowTx) LockLatestFlow(_ context.Context, changeRequestID string) (*approval.Flow, error) {
	if f := latestIn(t.view(), changeRequestID); f != nil {
		return f.Clone(), nil
	}
	return nil, nil
}

func (t *memFlowTx) InsertFlow(_ context.Context, f *approval.Flow) error {
	for _, existing := range t.view() {
		if existing.ChangeRequestID == f.ChangeRequestID && existing.State == approval.StateOpen {
			return fmt.Errorf("%w: %s", approval.ErrFlowExists, f.ChangeRequestID)
		}
	}
	t.staged[f.ID] = f.Clone()
	return nil
}

func (t *memFlowTx) UpdateFlow(_ context.Context, f *approval.Flow, rec models.ApprovalRecord) error {
	stored, ok := t.view()[f.ID]
	if !ok || stored.Version != f.Version {
		return fmt.Errorf("%w: flow %s", ErrConcurrentUpdate, f.ID)
	}
	for _, r := range stored.Records {
		if r.ApproverRole == rec.ApproverRole {
			return fmt.Errorf("%w: %s", approval.ErrDuplicateRoleVote, rec.ApproverRole)
		}
	}
	f.Version++
	t.staged[f.ID] = f.Clone()
	return nil
}

func (t *memFlowTx) Append(_ context.Context, e events.Event) (events.Record, error) {
	if t.store.appendErr != nil {
		return events.Record{}, t.store.appendErr
	}
	r, err := events.Encode(e)
	if err != nil {
		return events.Record{}, err
	}
	t.store.seq++
	r.Sequence = t.store.seq
	t.events = append(t.events, r)
	return r, nil
}

// --- Events ---

func (m *MemoryStore) ListByAggregate(_ context.Context, aggregateID uuid.UUID) ([]events.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []events.Record{}
	for _, r := range m.events {
		if r.AggregateID == aggregateID {
			out = append(out, r)
		}
	}
	return out, nil
}

// AllEvents returns every committed event in sequence order.
func (m *MemoryStore) AllEvents() []events.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.Record(nil), m.events...)
}

// --- Learning patterns ---

func clonePattern(p *models.LearningPattern) *models.LearningPattern {
	c := *p
	c.SignatureFeatures = append([]string(nil), p.SignatureFeatures...)
	c.OutputPreference = p.OutputPreference.Clone()
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func (m *MemoryStore) GetPattern(_ context.Context, tenantID uuid.UUID, patternType models.DecisionType, signature string) (*models.LearningPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[patternKey{tenantID, patternType, signature}]
	if !ok {
		return nil, nil
	}
	return clonePattern(p), nil
}

func (m *MemoryStore) SavePattern(_ context.Context, p *models.LearningPattern, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := patternKey{p.TenantID, p.PatternType, p.Signature}
	existing, ok := m.patterns[key]

	if p.Version == 0 {
		if ok && !existing.Expired(now) {
			return fmt.Errorf("%w: pattern %s", ErrConcurrentUpdate, p.Signature)
		}
		p.Version = 1
		if ok {
			p.Version = existing.Version + 1
		}
		m.patterns[key] = clonePattern(p)
		return nil
	}

	if !ok || existing.ID != p.ID || existing.Version != p.Version {
		return fmt.Errorf("%w: pattern %s", ErrConcurrentUpdate, p.ID)
	}
	p.Version++
	m.patterns[key] = clonePattern(p)
	return nil
}

func (m *MemoryStore) TouchPattern(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patterns {
		if p.ID == id {
			p.LastUsedAt = at
		}
	}
	return nil
}

func (m *MemoryStore) DeleteExpiredPatterns(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, p := range m.patterns {
		if p.Expired(now) {
			delete(m.patterns, k)
			n++
		}
	}
	return n, nil
}
