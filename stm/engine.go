// Package stm is the short-term memory orchestrator: a per-tenant façade
// over the storage layer, embedding service and sync engine that owns the
// record lifecycle, the event stream and the public contract.
package stm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aschepis/backscratcher/stm/config"
	"github.com/aschepis/backscratcher/stm/ltm"
	"github.com/aschepis/backscratcher/stm/memory"
)

// storageWarningRatio is the fill fraction at which storage_warning fires.
const storageWarningRatio = 0.9

// Options wires an Engine. Store is required; Client may be nil for a
// purely local engine (sync then fails fast as offline); Embedder may be
// nil when local embedding is disabled.
type Options struct {
	TenantID     string
	AppName      string
	Config       config.Config
	Capabilities config.Capabilities
	Store        *memory.Store
	Embedder     memory.Embedder
	Client       ltm.Client
	Logger       zerolog.Logger
	// NetworkProbe overrides connectivity detection, mainly for tests.
	NetworkProbe func(ctx context.Context) bool
}

// Engine is the STM orchestrator. One Engine owns one tenant's slice of
// one local store; create separate engines (or processes) per tenant.
type Engine struct {
	tenantID string
	appName  string

	mu   sync.RWMutex // guards cfg
	cfg  config.Config
	caps config.Capabilities

	store    *memory.Store
	embedder memory.Embedder
	client   ltm.Client
	merger   FieldMerger
	bus      *eventBus
	logger   zerolog.Logger

	networkProbe func(ctx context.Context) bool

	initialized  atomic.Bool
	syncInFlight atomic.Bool
	syncGroup    singleflight.Group
	syncRequests chan struct{}
	embedWG      sync.WaitGroup
}

// NewEngine creates an Engine; call Initialize before anything else.
func NewEngine(opts Options) (*Engine, error) {
	if opts.TenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger.With().Str("component", "stm_engine").Str("tenant", opts.TenantID).Logger()
	return &Engine{
		tenantID:     opts.TenantID,
		appName:      opts.AppName,
		cfg:          opts.Config,
		caps:         opts.Capabilities,
		store:        opts.Store,
		embedder:     opts.Embedder,
		client:       opts.Client,
		merger:       lastWriterWinsMerger{},
		bus:          newEventBus(logger),
		logger:       logger,
		networkProbe: opts.NetworkProbe,
		syncRequests: make(chan struct{}, 1),
	}, nil
}

// Initialize validates the adapted configuration and prepares sync
// metadata. Idempotent; must precede all other calls.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.initialized.Load() {
		return nil
	}

	if violations := e.config().Validate(); len(violations) > 0 {
		return newError(ErrorTypeValidation,
			fmt.Sprintf("configuration invalid: %v", violations), nil)
	}

	// A stable device id distinguishes this replica to the LTM service.
	deviceID, err := e.store.GetMeta(ctx, e.tenantID, memory.MetaDeviceID)
	if err != nil {
		return newError(ErrorTypeInit, "failed to read device metadata", err)
	}
	if deviceID == "" {
		if err := e.store.SetMeta(ctx, e.tenantID, memory.MetaDeviceID, uuid.NewString()); err != nil {
			return newError(ErrorTypeInit, "failed to persist device metadata", err)
		}
	}

	// Records stuck in syncing belong to a push that never finished,
	// likely a crashed process. Put them back in the queue.
	requeued, err := e.store.ResetStaleSyncing(ctx, e.tenantID)
	if err != nil {
		return newError(ErrorTypeInit, "failed to requeue interrupted sync records", err)
	}
	if requeued > 0 {
		e.logger.Info().Int64("count", requeued).Msg("requeued records interrupted mid-sync")
	}

	e.initialized.Store(true)
	e.logger.Info().Msg("STM engine initialized")
	return nil
}

// Close waits for background embedding work to finish.
func (e *Engine) Close() {
	e.embedWG.Wait()
}

// AddOptions carries the optional attributes of a new memory.
type AddOptions struct {
	SessionID *string
	Metadata  map[string]interface{}
	LocalOnly bool
	// TTL overrides the configured record TTL; negative disables expiry.
	TTL *time.Duration
}

// AddMemory stores a new record. The write does not block on embedding:
// the vector is computed in the background and attached when ready. When
// the tenant is at capacity the engine evicts before accepting the write
// and fails with a capacity error only if eviction could not free room.
func (e *Engine) AddMemory(ctx context.Context, content string, opts AddOptions) (*memory.MemoryRecord, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	cfg := e.config()

	if err := e.ensureCapacity(ctx, cfg); err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &memory.MemoryRecord{
		ID:           ulid.Make().String(),
		TenantID:     e.tenantID,
		AppName:      e.appName,
		SessionID:    opts.SessionID,
		Content:      content,
		Metadata:     opts.Metadata,
		Origin:       memory.OriginLocal,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastAccessed: now,
		SyncStatus:   memory.SyncPending,
		LocalOnly:    opts.LocalOnly,
	}
	if opts.LocalOnly {
		// local_only records never enter the sync queue.
		rec.SyncStatus = memory.SyncSynced
	}

	ttl := cfg.RecordTTL
	if opts.TTL != nil {
		ttl = *opts.TTL
	}
	if ttl > 0 {
		expiry := now.Add(ttl)
		rec.ExpiresAt = &expiry
	}
	rec.PriorityScore = memory.ComputePriority(rec, now)

	if err := e.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	e.bus.emit(Event{Type: EventMemoryAdded, MemoryID: rec.ID, Record: rec})
	e.embedAsync(rec.ID, content)
	e.requestSync()
	return rec, nil
}

// GetMemory returns a record by id, refreshing its access tracking.
// Returns (nil, nil) when the record is absent or owned by another tenant.
func (e *Engine) GetMemory(ctx context.Context, id string) (*memory.MemoryRecord, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	rec, err := e.store.Touch(ctx, e.tenantID, id, time.Now())
	if errors.Is(err, memory.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Expired(time.Now()) {
		return nil, nil
	}
	return rec, nil
}

// UpdateMemory replaces a record's content and metadata, re-queues it for
// sync and re-embeds in the background.
func (e *Engine) UpdateMemory(ctx context.Context, id, content string, metadata map[string]interface{}) (*memory.MemoryRecord, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}

	rec, err := e.store.GetRecord(ctx, e.tenantID, id)
	if errors.Is(err, memory.ErrNotFound) {
		return nil, newError(ErrorTypeNotFound, fmt.Sprintf("memory %s not found", id), err)
	}
	if err != nil {
		return nil, err
	}

	rec.Content = content
	if metadata != nil {
		rec.Metadata = metadata
	}
	rec.UpdatedAt = time.Now()
	rec.Embedding = nil // stale vector; re-embedded below
	if !rec.LocalOnly {
		rec.SyncStatus = memory.SyncPending
		rec.RetryCount = 0
	}

	if err := e.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	e.bus.emit(Event{Type: EventMemoryUpdated, MemoryID: rec.ID, Record: rec})
	e.embedAsync(rec.ID, content)
	e.requestSync()
	return rec, nil
}

// DeleteMemory removes a record locally and, unless it was local-only,
// records a tombstone so the deletion propagates to the LTM service.
func (e *Engine) DeleteMemory(ctx context.Context, id string) error {
	if err := e.requireInit(); err != nil {
		return err
	}

	rec, err := e.store.GetRecord(ctx, e.tenantID, id)
	if errors.Is(err, memory.ErrNotFound) {
		return newError(ErrorTypeNotFound, fmt.Sprintf("memory %s not found", id), err)
	}
	if err != nil {
		return err
	}

	if err := e.store.DeleteRecord(ctx, e.tenantID, id); err != nil {
		return err
	}
	if !rec.LocalOnly {
		ts := &memory.Tombstone{
			MemoryID:   id,
			TenantID:   e.tenantID,
			DeletedAt:  time.Now(),
			SyncStatus: memory.SyncPending,
		}
		if err := e.store.PutTombstone(ctx, ts); err != nil {
			return err
		}
	}

	e.bus.emit(Event{Type: EventMemoryDeleted, MemoryID: id})
	e.requestSync()
	return nil
}

// Search runs local semantic search over the tenant's cached records. The
// query is embedded when an embedder is ready; otherwise scoring falls back
// to lexical overlap.
func (e *Engine) Search(ctx context.Context, q memory.SearchQuery) ([]memory.SearchResult, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	cfg := e.config()

	if q.Threshold == 0 {
		q.Threshold = cfg.SimilarityThreshold
	}
	if len(q.Embedding) == 0 && q.Text != "" && e.embedder != nil && e.embedder.Ready(ctx) {
		vec, err := e.embedder.Embed(ctx, q.Text)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Query embedding failed, falling back to lexical scoring")
		} else {
			q.Embedding = vec
		}
	}
	return e.store.SearchMemory(ctx, e.tenantID, &q)
}

// Patch is a partial configuration change; nil fields are left untouched.
type Patch struct {
	MaxRecords           *int64
	EnableLocalEmbedding *bool
	AutoSync             *bool
	SyncInterval         *time.Duration
	SyncSchedule         *string
	ConflictStrategy     *config.ConflictStrategy
	RecordTTL            *time.Duration
	OfflineMode          *bool
	SimilarityThreshold  *float64
}

// Configure merges a partial change into the running configuration and
// revalidates. An invalid result is rejected wholesale. Shrinking the
// capacity cap triggers an immediate cleanup.
func (e *Engine) Configure(ctx context.Context, patch Patch) error {
	if err := e.requireInit(); err != nil {
		return err
	}

	e.mu.Lock()
	next := e.cfg
	if patch.MaxRecords != nil {
		next.MaxRecords = *patch.MaxRecords
	}
	if patch.EnableLocalEmbedding != nil {
		next.EnableLocalEmbedding = *patch.EnableLocalEmbedding
	}
	if patch.AutoSync != nil {
		next.AutoSync = *patch.AutoSync
	}
	if patch.SyncInterval != nil {
		next.SyncInterval = *patch.SyncInterval
	}
	if patch.SyncSchedule != nil {
		next.SyncSchedule = *patch.SyncSchedule
	}
	if patch.ConflictStrategy != nil {
		next.ConflictStrategy = *patch.ConflictStrategy
	}
	if patch.RecordTTL != nil {
		next.RecordTTL = *patch.RecordTTL
	}
	if patch.OfflineMode != nil {
		next.OfflineMode = *patch.OfflineMode
	}
	if patch.SimilarityThreshold != nil {
		next.SimilarityThreshold = *patch.SimilarityThreshold
	}

	if violations := next.Validate(); len(violations) > 0 {
		e.mu.Unlock()
		return newError(ErrorTypeValidation, fmt.Sprintf("configuration invalid: %v", violations), nil)
	}
	shrunk := next.MaxRecords < e.cfg.MaxRecords
	e.cfg = next
	e.mu.Unlock()

	e.logger.Info().Int64("max_records", next.MaxRecords).Bool("auto_sync", next.AutoSync).Msg("Configuration updated")
	if shrunk {
		if _, err := e.Cleanup(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Config returns a copy of the current configuration.
func (e *Engine) Config() config.Config { return e.config() }

// Capabilities returns the capabilities detected at startup.
func (e *Engine) Capabilities() config.Capabilities { return e.caps }

// SetMerger replaces the field merger used by the merge conflict strategy.
func (e *Engine) SetMerger(m FieldMerger) {
	if m != nil {
		e.merger = m
	}
}

// Subscribe registers a listener for the given event types (all types when
// none are named) and returns a token for Unsubscribe.
func (e *Engine) Subscribe(fn Listener, types ...EventType) string {
	return e.bus.subscribe(fn, types...)
}

// Unsubscribe removes a listener by token.
func (e *Engine) Unsubscribe(token string) {
	e.bus.unsubscribe(token)
}

// SyncRequests signals after bursts of writes; the scheduler debounces it
// into opportunistic sync passes.
func (e *Engine) SyncRequests() <-chan struct{} {
	return e.syncRequests
}

// SyncStatusSnapshot is a read-only view of sync health.
type SyncStatusSnapshot struct {
	Online       bool      `json:"online"`
	LastSyncAt   time.Time `json:"last_sync_at,omitzero"`
	PendingSync  int64     `json:"pending_sync"`
	Conflicts    int64     `json:"conflicts"`
	InFlight     bool      `json:"in_flight"`
	TotalRecords int64     `json:"total_records"`
	LocalRecords int64     `json:"local_records"`
	StorageUsed  int64     `json:"storage_used"`
	StorageQuota int64     `json:"storage_quota"`
}

// GetSyncStatus assembles the current sync status snapshot.
func (e *Engine) GetSyncStatus(ctx context.Context) (*SyncStatusSnapshot, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	cfg := e.config()

	snapshot := &SyncStatusSnapshot{
		Online:       !cfg.OfflineMode && e.probeOnline(ctx),
		InFlight:     e.syncInFlight.Load(),
		StorageQuota: e.caps.StorageQuotaBytes,
	}

	pending, err := e.store.QueryBySyncStatus(ctx, e.tenantID, memory.SyncPending, memory.SyncFailed)
	if err != nil {
		return nil, err
	}
	snapshot.PendingSync = int64(len(pending))

	if snapshot.Conflicts, err = e.store.CountConflicts(ctx, e.tenantID); err != nil {
		return nil, err
	}
	stats, err := e.store.Stats(ctx, e.tenantID)
	if err != nil {
		return nil, err
	}
	snapshot.TotalRecords = stats.Count
	snapshot.StorageUsed = stats.EstimatedBytes
	if snapshot.LocalRecords, err = e.store.CountByOrigin(ctx, e.tenantID, memory.OriginLocal); err != nil {
		return nil, err
	}

	if lastSync, err := e.store.GetMeta(ctx, e.tenantID, memory.MetaLastSync); err == nil && lastSync != "" {
		if t, parseErr := time.Parse(time.RFC3339, lastSync); parseErr == nil {
			snapshot.LastSyncAt = t
		}
	}
	return snapshot, nil
}

// GetStats returns the tenant's storage statistics.
func (e *Engine) GetStats(ctx context.Context) (memory.StoreStats, error) {
	if err := e.requireInit(); err != nil {
		return memory.StoreStats{}, err
	}
	return e.store.Stats(ctx, e.tenantID)
}

// Cleanup runs the storage layer's two-phase maintenance pass with the
// current capacity cap.
func (e *Engine) Cleanup(ctx context.Context) (memory.CleanupResult, error) {
	if err := e.requireInit(); err != nil {
		return memory.CleanupResult{}, err
	}
	return e.store.Cleanup(ctx, e.tenantID, time.Now(), e.config().MaxRecords)
}

// ReembedPending attaches vectors to records stored while the embedder was
// unavailable. Run periodically by the scheduler.
func (e *Engine) ReembedPending(ctx context.Context, limit int) (int, error) {
	if err := e.requireInit(); err != nil {
		return 0, err
	}
	if e.embedder == nil || !e.config().EnableLocalEmbedding || !e.embedder.Ready(ctx) {
		return 0, nil
	}

	records, err := e.store.QueryMissingEmbedding(ctx, e.tenantID, limit)
	if err != nil {
		return 0, err
	}
	embedded := 0
	for _, rec := range records {
		vec, err := e.embedder.Embed(ctx, rec.Content)
		if err != nil {
			e.logger.Warn().Str("id", rec.ID).Err(err).Msg("Re-embed failed, will retry on next pass")
			continue
		}
		if err := e.store.SetEmbedding(ctx, e.tenantID, rec.ID, vec); err != nil {
			e.logger.Warn().Str("id", rec.ID).Err(err).Msg("Failed to store re-embedded vector")
			continue
		}
		embedded++
	}
	return embedded, nil
}

func (e *Engine) requireInit() error {
	if !e.initialized.Load() {
		return newError(ErrorTypeInit, "engine not initialized", nil)
	}
	return nil
}

func (e *Engine) config() config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// ensureCapacity makes room for one more record, emitting storage_warning
// as the tenant nears the cap and evicting at it. Fails with a capacity
// error only when eviction frees nothing.
func (e *Engine) ensureCapacity(ctx context.Context, cfg config.Config) error {
	if cfg.MaxRecords <= 0 {
		return nil
	}
	count, err := e.store.CountByTenant(ctx, e.tenantID)
	if err != nil {
		return err
	}

	if float64(count+1) >= float64(cfg.MaxRecords)*storageWarningRatio {
		e.bus.emit(Event{
			Type:    EventStorageWarning,
			Message: fmt.Sprintf("%d of %d records used", count, cfg.MaxRecords),
		})
	}
	if count < cfg.MaxRecords {
		return nil
	}

	need := count - cfg.MaxRecords + 1
	freed, err := e.store.EvictForSpace(ctx, e.tenantID, need)
	if err != nil {
		return err
	}
	if freed < need {
		return newError(ErrorTypeCapacity,
			fmt.Sprintf("capacity cap %d reached and eviction freed only %d of %d records",
				cfg.MaxRecords, freed, need), nil)
	}
	return nil
}

// embedAsync computes a record's vector off the write path.
func (e *Engine) embedAsync(id, content string) {
	cfg := e.config()
	if e.embedder == nil || !cfg.EnableLocalEmbedding {
		return
	}

	e.embedWG.Add(1)
	go func() {
		defer e.embedWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if !e.embedder.Ready(ctx) {
			return // picked up later by ReembedPending
		}
		vec, err := e.embedder.Embed(ctx, content)
		if err != nil {
			e.logger.Warn().Str("id", id).Err(err).Msg("Background embedding failed")
			return
		}
		if err := e.store.SetEmbedding(ctx, e.tenantID, id, vec); err != nil {
			e.logger.Warn().Str("id", id).Err(err).Msg("Failed to store embedding")
		}
	}()
}

// requestSync pokes the scheduler's debounce channel without blocking.
func (e *Engine) requestSync() {
	select {
	case e.syncRequests <- struct{}{}:
	default:
	}
}

func (e *Engine) probeOnline(ctx context.Context) bool {
	if e.networkProbe != nil {
		return e.networkProbe(ctx)
	}
	return e.caps.Online
}
