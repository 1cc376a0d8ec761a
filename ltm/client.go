// Package ltm is the client for the remote long-term memory service, the
// authoritative store this engine reconciles against. Authentication is the
// caller's concern beyond forwarding a bearer token.
package ltm

import (
	"context"
	"time"
)

// Record is the wire form of a memory pushed to the LTM service. Local
// bookkeeping (sync status, priority, access tracking) never leaves the
// device.
type Record struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	AppName   string                 `json:"app_name,omitempty"`
	SessionID *string                `json:"session_id,omitempty"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// PushResult is the service's acknowledgement of a push.
type PushResult struct {
	ID            string `json:"id"`
	ServerVersion string `json:"server_version"`
}

// Change is one entry in a pull delta. Deleted entries carry only the id.
type Change struct {
	Record        *Record   `json:"record,omitempty"`
	ID            string    `json:"id"`
	ServerVersion string    `json:"server_version"`
	UpdatedAt     time.Time `json:"updated_at"`
	Deleted       bool      `json:"deleted,omitempty"`
}

// Delta is the result of a pull: all changes since the supplied cursor plus
// the cursor to persist once they are applied.
type Delta struct {
	Changes []Change `json:"changes"`
	Cursor  string   `json:"cursor"`
}

// Client is the set of primitives the sync engine needs from the LTM
// service.
type Client interface {
	// Push uploads one record and returns its server version baseline.
	Push(ctx context.Context, rec *Record) (*PushResult, error)
	// PullSince returns every remote change after cursor ("" for all).
	PullSince(ctx context.Context, tenantID, cursor string) (*Delta, error)
	// Delete removes a record from the remote service.
	Delete(ctx context.Context, tenantID, id string) error
}
