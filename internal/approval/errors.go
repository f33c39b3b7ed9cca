package approval

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/governor/pkg/models"
)

var (
	ErrNotFound            = errors.New("change request not found")
	ErrInvalidState        = errors.New("change request is not under review")
	ErrNoActiveFlow        = errors.New("no active approval flow")
	ErrFlowAlreadyComplete = errors.New("approval flow already complete")
	ErrDuplicateRoleVote   = errors.New("role has already voted or is not required")
	ErrFlowExists          = errors.New("an open approval flow already exists")
	ErrNotFinalizable      = errors.New("approval flow has nothing to finalize")
	ErrInvalidRequest      = errors.New("invalid approval request")
)

// FinalizationError reports that a vote was committed but notifying the
// change management system failed. The vote stands; only finalization
// needs to be retried.
type FinalizationError struct {
	ChangeRequestID string
	State           State
	Record          *models.ApprovalRecord
	Err             error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("finalizing %s change request %s: %v", e.State, e.ChangeRequestID, e.Err)
}

func (e *FinalizationError) Unwrap() error { return e.Err }
