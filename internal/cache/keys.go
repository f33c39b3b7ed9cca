package cache

import (
	"fmt"
)

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func LockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

// PendingGenerationKey holds the counter bumped whenever a tenant's pending
// listings change.
func PendingGenerationKey(tenantID string) string {
	return fmt.Sprintf("approvals:pending:%s:gen", tenantID)
}

func PendingApprovalsKey(tenantID string, generation int64, role string) string {
	return fmt.Sprintf("approvals:pending:%s:%d:%s", tenantID, generation, role)
}

// AuditStream is the Redis stream mirroring committed audit events.
const AuditStream = "governor:audit"
