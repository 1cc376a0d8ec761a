package memory

import "time"

// SyncStatus tracks where a record sits in the sync lifecycle.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSyncing  SyncStatus = "syncing"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncFailed   SyncStatus = "failed"
)

// Origin indicates whether a record was created locally or mirrored from
// the remote long-term memory service.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ConflictKind classifies what diverged between the local and remote copy.
type ConflictKind string

const (
	ConflictContent  ConflictKind = "content"
	ConflictMetadata ConflictKind = "metadata"
	ConflictState    ConflictKind = "state"
)

// MemoryRecord is a single cached memory.
type MemoryRecord struct {
	ID            string                 `json:"id"`
	TenantID      string                 `json:"tenant_id"`
	AppName       string                 `json:"app_name,omitempty"`
	SessionID     *string                `json:"session_id,omitempty"`
	Content       string                 `json:"content"`
	Embedding     []float32              `json:"embedding,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Origin        Origin                 `json:"origin"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	LastAccessed  time.Time              `json:"last_accessed"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	PriorityScore float64                `json:"priority_score"`
	AccessCount   int64                  `json:"access_count"`
	SyncStatus    SyncStatus             `json:"sync_status"`
	ServerVersion string                 `json:"server_version,omitempty"`
	RetryCount    int                    `json:"retry_count,omitempty"`
	LocalOnly     bool                   `json:"local_only,omitempty"`
}

// Expired reports whether the record's TTL has passed as of now.
func (r *MemoryRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// Tombstone marks a local deletion awaiting propagation to the remote
// service. Tombstones carry their own sync status so deletes are retried
// like any other sync operation.
type Tombstone struct {
	MemoryID   string     `json:"memory_id"`
	TenantID   string     `json:"tenant_id"`
	DeletedAt  time.Time  `json:"deleted_at"`
	SyncStatus SyncStatus `json:"sync_status"`
	RetryCount int        `json:"retry_count"`
}

// Conflict records a detected divergence between the local and remote
// versions of one record. Conflicts are state, not errors: they sit in the
// store until resolved.
type Conflict struct {
	ID         string        `json:"id"`
	MemoryID   string        `json:"memory_id"`
	TenantID   string        `json:"tenant_id"`
	Kind       ConflictKind  `json:"kind"`
	Local      *MemoryRecord `json:"local"`
	Remote     *MemoryRecord `json:"remote"`
	DetectedAt time.Time     `json:"detected_at"`
}

// SearchSort selects the result ordering for SearchMemory.
type SearchSort string

const (
	SortRelevance SearchSort = "relevance"
	SortRecency   SearchSort = "recency"
)

// SearchQuery controls local semantic search.
type SearchQuery struct {
	Text      string
	Embedding []float32
	SessionID *string
	Threshold float64 // minimum cosine similarity, 0 disables
	Sort      SearchSort
	Limit     int // defaults to 50
}

// SearchResult pairs a record with its similarity score. Source is always
// "local"; a caller-side layer may merge these with remote-origin results.
type SearchResult struct {
	Record *MemoryRecord
	Score  float64
	Source string
}

// StoreStats summarizes a tenant's slice of the store.
type StoreStats struct {
	Count          int64     `json:"count"`
	EstimatedBytes int64     `json:"estimated_bytes"`
	OldestCreated  time.Time `json:"oldest_created,omitzero"`
	NewestCreated  time.Time `json:"newest_created,omitzero"`
}

// CleanupResult reports what a cleanup pass did. Per-record failures are
// counted rather than aborting the pass.
type CleanupResult struct {
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}
