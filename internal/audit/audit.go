// Package audit records an append-only trail of successful state-changing
// API calls, one record per call, always attributed to the calling tenant.
package audit

import (
	"context"
	"time"
)

// Action classifies a state change.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ActionForMethod maps an HTTP method to an action; ok is false for
// methods that do not change state.
func ActionForMethod(method string) (Action, bool) {
	switch method {
	case "POST":
		return ActionCreate, true
	case "PUT", "PATCH":
		return ActionUpdate, true
	case "DELETE":
		return ActionDelete, true
	default:
		return "", false
	}
}

// Details is the request summary stored with each record.
type Details struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	Status    int    `json:"status"`
	RequestID string `json:"requestId,omitempty"`
}

// Record is one audit entry. Records are never updated or deleted.
type Record struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	ActorID      string    `json:"actorId"`
	Action       Action    `json:"action"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId,omitempty"`
	Details      Details   `json:"details"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Filter narrows a tenant's records. TenantID is mandatory.
type Filter struct {
	TenantID     string
	Action       Action
	ResourceType string
	ActorID      string
	Offset       int
	Limit        int
}

// ActionCount is one row of the top-actions breakdown.
type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// Stats summarizes a tenant's trail.
type Stats struct {
	TotalLogs  int           `json:"totalLogs"`
	RecentLogs int           `json:"recentLogs"`
	TopActions []ActionCount `json:"topActions"`
}

// Store persists audit records.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	// Query returns one page, newest first, and the unpaged total.
	Query(ctx context.Context, f Filter) ([]*Record, int, error)
	Stats(ctx context.Context, tenantID string, since time.Time, top int) (*Stats, error)
}
