package changemgmt

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/governor/pkg/models"
)

// MemoryClient is an in-process Client holding change requests in a map.
// It is used for local development and tests.
type MemoryClient struct {
	mu       sync.Mutex
	requests map[string]models.ChangeRequest
	approved map[string]int
	rejected map[string]int
	reasons  map[string]string

	// failFinalize, when set, is returned by ApproveChange and RejectChange.
	failFinalize error
}

// NewMemoryClient creates a MemoryClient seeded with crs.
func NewMemoryClient(crs ...models.ChangeRequest) *MemoryClient {
	m := &MemoryClient{
		requests: make(map[string]models.ChangeRequest),
		approved: make(map[string]int),
		rejected: make(map[string]int),
		reasons:  make(map[string]string),
	}
	for _, cr := range crs {
		m.requests[cr.ID] = cr
	}
	return m
}

// Put adds or replaces a change request.
func (m *MemoryClient) Put(cr models.ChangeRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[cr.ID] = cr
}

func (m *MemoryClient) GetChangeRequest(_ context.Context, id string) (*models.ChangeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cr, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChangeRequestNotFound, id)
	}
	return &cr, nil
}

func (m *MemoryClient) ApproveChange(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFinalize != nil {
		return m.failFinalize
	}
	cr, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChangeRequestNotFound, id)
	}
	cr.Status = models.ChangeStatusApproved
	m.requests[id] = cr
	m.approved[id]++
	return nil
}

func (m *MemoryClient) RejectChange(_ context.Context, id, _ string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFinalize != nil {
		return m.failFinalize
	}
	cr, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChangeRequestNotFound, id)
	}
	cr.Status = models.ChangeStatusRejected
	m.requests[id] = cr
	m.rejected[id]++
	m.reasons[id] = reason
	return nil
}

// Calls returns how many times id was approved and rejected.
func (m *MemoryClient) Calls(id string) (approved, rejected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.approved[id], m.rejected[id]
}

// RejectionReason returns the last reason passed to RejectChange for id.
func (m *MemoryClient) RejectionReason(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reasons[id]
}

// SetFailure sets or clears the finalization failure.
func (m *MemoryClient) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFinalize = err
}

var _ Client = (*MemoryClient)(nil)
