package stm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/aschepis/backscratcher/stm/config"
	"github.com/aschepis/backscratcher/stm/ltm"
	"github.com/aschepis/backscratcher/stm/memory"
)

// maxSyncRetries bounds per-record upload attempts across sync passes;
// beyond it the record stays failed until the next edit resets the count.
const maxSyncRetries = 5

// pushAttempts bounds retries within a single pass (backoff handles the
// spacing; cross-pass retries are tracked on the record).
const pushAttempts = 3

// SyncSummary reports what one sync pass accomplished.
type SyncSummary struct {
	Uploaded   int           `json:"uploaded"`
	Downloaded int           `json:"downloaded"`
	Conflicts  int           `json:"conflicts"`
	Failed     int           `json:"failed"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// FieldMerger combines a conflicting local and remote record into one.
// Implementations must not mutate their inputs.
type FieldMerger interface {
	Merge(local, remote *memory.MemoryRecord) *memory.MemoryRecord
}

// lastWriterWinsMerger merges per field: content follows whichever side
// updated last, metadata keys are unioned with the newer side winning
// collisions.
type lastWriterWinsMerger struct{}

func (lastWriterWinsMerger) Merge(local, remote *memory.MemoryRecord) *memory.MemoryRecord {
	newer, older := local, remote
	if remote.UpdatedAt.After(local.UpdatedAt) {
		newer, older = remote, local
	}

	merged := *local
	merged.Content = newer.Content
	merged.UpdatedAt = newer.UpdatedAt

	meta := make(map[string]interface{}, len(older.Metadata)+len(newer.Metadata))
	for k, v := range older.Metadata {
		meta[k] = v
	}
	for k, v := range newer.Metadata {
		meta[k] = v
	}
	if len(meta) > 0 {
		merged.Metadata = meta
	}
	return &merged
}

// Sync runs one full push/pull reconciliation against the LTM service.
// Concurrent callers coalesce onto a single in-flight pass and share its
// result. Fails fast with an offline error when the service is unreachable
// or the engine is configured offline.
func (e *Engine) Sync(ctx context.Context) (*SyncSummary, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}

	v, err, _ := e.syncGroup.Do("sync", func() (interface{}, error) {
		e.syncInFlight.Store(true)
		defer e.syncInFlight.Store(false)
		return e.syncPass(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SyncSummary), nil
}

func (e *Engine) syncPass(ctx context.Context) (*SyncSummary, error) {
	cfg := e.config()
	summary := &SyncSummary{StartedAt: time.Now()}

	if cfg.OfflineMode {
		err := newError(ErrorTypeOffline, "sync refused: engine is in offline mode", nil)
		e.bus.emit(Event{Type: EventSyncFailed, Err: err})
		return nil, err
	}
	if e.client == nil {
		err := newError(ErrorTypeOffline, "sync refused: no LTM client configured", nil)
		e.bus.emit(Event{Type: EventSyncFailed, Err: err})
		return nil, err
	}
	if !e.probeOnline(ctx) {
		err := newError(ErrorTypeOffline, "sync refused: network unavailable", nil)
		e.bus.emit(Event{Type: EventSyncFailed, Err: err})
		return nil, err
	}

	e.bus.emit(Event{Type: EventSyncStarted})
	e.logger.Info().Msg("Sync pass started")

	if err := e.pushPending(ctx, summary); err != nil {
		e.bus.emit(Event{Type: EventSyncFailed, Err: err})
		return nil, err
	}
	if err := e.pushTombstones(ctx, summary); err != nil {
		e.bus.emit(Event{Type: EventSyncFailed, Err: err})
		return nil, err
	}
	if err := e.pullChanges(ctx, cfg, summary); err != nil {
		e.bus.emit(Event{Type: EventSyncFailed, Err: err})
		return nil, err
	}

	summary.Duration = time.Since(summary.StartedAt)
	if err := e.store.SetMeta(ctx, e.tenantID, memory.MetaLastSync, time.Now().Format(time.RFC3339)); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to record sync time")
	}

	e.logger.Info().
		Int("uploaded", summary.Uploaded).
		Int("downloaded", summary.Downloaded).
		Int("conflicts", summary.Conflicts).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("Sync pass completed")
	e.bus.emit(Event{Type: EventSyncCompleted, Sync: summary})
	return summary, nil
}

// pushPending uploads dirty records. Service unavailability aborts the
// pass; per-record rejections mark that record failed and continue.
func (e *Engine) pushPending(ctx context.Context, summary *SyncSummary) error {
	records, err := e.store.QueryBySyncStatus(ctx, e.tenantID, memory.SyncPending, memory.SyncFailed)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if rec.LocalOnly || rec.RetryCount >= maxSyncRetries {
			continue
		}
		if err := e.store.SetSyncState(ctx, e.tenantID, rec.ID, memory.SyncSyncing, rec.ServerVersion, rec.RetryCount); err != nil {
			return err
		}

		result, err := e.pushWithBackoff(ctx, rec)
		if err != nil {
			if ltm.IsUnavailable(err) {
				// Service went away mid-pass: restore the queue state and
				// stop; the next pass retries everything.
				if stateErr := e.store.SetSyncState(ctx, e.tenantID, rec.ID, memory.SyncPending, rec.ServerVersion, rec.RetryCount); stateErr != nil {
					e.logger.Warn().Str("id", rec.ID).Err(stateErr).Msg("Failed to restore sync state")
				}
				return newError(ErrorTypeOffline, "sync aborted: LTM service unavailable", err)
			}
			summary.Failed++
			e.logger.Warn().Str("id", rec.ID).Err(err).Msg("Push rejected")
			if stateErr := e.store.SetSyncState(ctx, e.tenantID, rec.ID, memory.SyncFailed, rec.ServerVersion, rec.RetryCount+1); stateErr != nil {
				return stateErr
			}
			continue
		}

		summary.Uploaded++
		if err := e.store.SetSyncState(ctx, e.tenantID, rec.ID, memory.SyncSynced, result.ServerVersion, 0); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pushWithBackoff(ctx context.Context, rec *memory.MemoryRecord) (*ltm.PushResult, error) {
	wire := &ltm.Record{
		ID:        rec.ID,
		TenantID:  rec.TenantID,
		AppName:   rec.AppName,
		SessionID: rec.SessionID,
		Content:   rec.Content,
		Metadata:  rec.Metadata,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}

	var result *ltm.PushResult
	operation := func() error {
		var err error
		result, err = e.client.Push(ctx, wire)
		if err != nil && !ltm.IsUnavailable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), pushAttempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return result, nil
}

// pushTombstones propagates local deletions. A remote not-found counts as
// done; the record is already gone on both sides.
func (e *Engine) pushTombstones(ctx context.Context, summary *SyncSummary) error {
	tombstones, err := e.store.PendingTombstones(ctx, e.tenantID)
	if err != nil {
		return err
	}

	for _, ts := range tombstones {
		if ts.RetryCount >= maxSyncRetries {
			continue
		}
		err := e.client.Delete(ctx, e.tenantID, ts.MemoryID)
		if err != nil {
			if ltm.IsUnavailable(err) {
				return newError(ErrorTypeOffline, "sync aborted: LTM service unavailable", err)
			}
			var svcErr *ltm.Error
			if !(errors.As(err, &svcErr) && svcErr.StatusCode == 404) {
				summary.Failed++
				e.logger.Warn().Str("id", ts.MemoryID).Err(err).Msg("Delete propagation rejected")
				if stateErr := e.store.SetTombstoneState(ctx, e.tenantID, ts.MemoryID, memory.SyncFailed, ts.RetryCount+1); stateErr != nil {
					return stateErr
				}
				continue
			}
		}
		summary.Uploaded++
		if err := e.store.DeleteTombstone(ctx, e.tenantID, ts.MemoryID); err != nil {
			return err
		}
	}
	return nil
}

// pullChanges applies the remote delta. The cursor advances only after the
// whole delta is applied, so an interrupted pull replays from the old
// cursor; applies are idempotent upserts, so replays are safe.
func (e *Engine) pullChanges(ctx context.Context, cfg config.Config, summary *SyncSummary) error {
	cursor, err := e.store.GetMeta(ctx, e.tenantID, memory.MetaSyncCursor)
	if err != nil {
		return err
	}

	delta, err := e.client.PullSince(ctx, e.tenantID, cursor)
	if err != nil {
		if ltm.IsUnavailable(err) {
			return newError(ErrorTypeOffline, "sync aborted: LTM service unavailable", err)
		}
		return err
	}

	for _, change := range delta.Changes {
		applied, conflicted, err := e.applyChange(ctx, cfg, change)
		if err != nil {
			return err
		}
		if applied {
			summary.Downloaded++
		}
		if conflicted {
			summary.Conflicts++
		}
	}

	if delta.Cursor != "" && delta.Cursor != cursor {
		if err := e.store.SetMeta(ctx, e.tenantID, memory.MetaSyncCursor, delta.Cursor); err != nil {
			return err
		}
	}
	return nil
}

// applyChange reconciles one remote change against local state. A change
// conflicts when the local copy has unsynced edits against a different
// server version; a change matching the local server version is the echo of
// our own push and is skipped.
func (e *Engine) applyChange(ctx context.Context, cfg config.Config, change ltm.Change) (applied, conflicted bool, err error) {
	local, err := e.store.GetRecord(ctx, e.tenantID, change.ID)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		local = nil
	case err != nil:
		return false, false, err
	}

	if change.Deleted {
		if local == nil {
			return false, false, nil
		}
		if localDirty(local) && local.ServerVersion != change.ServerVersion {
			return false, true, e.freezeConflict(ctx, memory.ConflictState, local, nil)
		}
		if err := e.store.DeleteRecord(ctx, e.tenantID, change.ID); err != nil && !errors.Is(err, memory.ErrNotFound) {
			return false, false, err
		}
		e.bus.emit(Event{Type: EventMemoryDeleted, MemoryID: change.ID})
		return true, false, nil
	}

	remote := mirrorRemote(change, e.tenantID)

	if local == nil {
		remote.PriorityScore = memory.ComputePriority(remote, time.Now())
		if err := e.store.Put(ctx, remote); err != nil {
			return false, false, err
		}
		e.bus.emit(Event{Type: EventMemoryAdded, MemoryID: remote.ID, Record: remote})
		return true, false, nil
	}
	if local.LocalOnly {
		// Remote happens to know an id we consider local-only; keep ours.
		return false, false, nil
	}
	if local.ServerVersion == change.ServerVersion && !localDirty(local) {
		return false, false, nil
	}

	if localDirty(local) && local.ServerVersion != change.ServerVersion {
		switch cfg.ConflictStrategy {
		case config.StrategyLatestWins:
			winner := remote
			if local.UpdatedAt.After(change.UpdatedAt) {
				// Keep ours but rebase onto the remote version so the next
				// push supersedes it instead of re-conflicting.
				winner = local
				winner.ServerVersion = change.ServerVersion
				winner.SyncStatus = memory.SyncPending
			}
			if err := e.store.Put(ctx, winner); err != nil {
				return false, false, err
			}
			e.bus.emit(Event{Type: EventMemoryUpdated, MemoryID: winner.ID, Record: winner})
			return true, false, nil
		case config.StrategyMerge:
			merged := e.merger.Merge(local, remote)
			merged.ServerVersion = change.ServerVersion
			merged.SyncStatus = memory.SyncPending
			merged.RetryCount = 0
			if err := e.store.Put(ctx, merged); err != nil {
				return false, false, err
			}
			e.bus.emit(Event{Type: EventMemoryUpdated, MemoryID: merged.ID, Record: merged})
			return true, false, nil
		default: // manual
			kind := memory.ConflictContent
			if local.Content == remote.Content {
				kind = memory.ConflictMetadata
			}
			return false, true, e.freezeConflict(ctx, kind, local, remote)
		}
	}

	// Clean local copy, newer remote version: fast-forward.
	remote.LastAccessed = local.LastAccessed
	remote.AccessCount = local.AccessCount
	remote.PriorityScore = memory.ComputePriority(remote, time.Now())
	if err := e.store.Put(ctx, remote); err != nil {
		return false, false, err
	}
	e.bus.emit(Event{Type: EventMemoryUpdated, MemoryID: remote.ID, Record: remote})
	return true, false, nil
}

// freezeConflict parks a record in conflict state for manual resolution.
// Frozen records stay readable and searchable but leave the sync queue.
func (e *Engine) freezeConflict(ctx context.Context, kind memory.ConflictKind, local, remote *memory.MemoryRecord) error {
	conflict := &memory.Conflict{
		ID:         ulid.Make().String(),
		MemoryID:   local.ID,
		TenantID:   e.tenantID,
		Kind:       kind,
		Local:      local,
		Remote:     remote,
		DetectedAt: time.Now(),
	}
	if err := e.store.PutConflict(ctx, conflict); err != nil {
		return err
	}
	if err := e.store.SetSyncState(ctx, e.tenantID, local.ID, memory.SyncConflict, local.ServerVersion, local.RetryCount); err != nil {
		return err
	}

	e.logger.Warn().Str("id", local.ID).Str("kind", string(kind)).Msg("Conflict frozen for manual resolution")
	e.bus.emit(Event{Type: EventConflictDetected, MemoryID: local.ID, Conflict: conflict})
	return nil
}

// Resolution selects how a frozen conflict is settled.
type Resolution string

const (
	ResolveKeepLocal  Resolution = "local"
	ResolveKeepRemote Resolution = "remote"
	ResolveMerge      Resolution = "merge"
)

// ResolveConflict settles a frozen conflict. Keeping local re-queues the
// record for push; keeping remote adopts the remote snapshot as synced
// (or deletes, for a remote-deletion conflict); merge combines both and
// re-queues.
func (e *Engine) ResolveConflict(ctx context.Context, memoryID string, resolution Resolution) error {
	if err := e.requireInit(); err != nil {
		return err
	}

	conflict, err := e.store.GetConflict(ctx, e.tenantID, memoryID)
	if errors.Is(err, memory.ErrNotFound) {
		return newError(ErrorTypeNotFound, fmt.Sprintf("no conflict recorded for memory %s", memoryID), err)
	}
	if err != nil {
		return err
	}

	var resolved *memory.MemoryRecord
	switch resolution {
	case ResolveKeepLocal:
		resolved = conflict.Local
		if conflict.Remote != nil {
			resolved.ServerVersion = conflict.Remote.ServerVersion
		}
	case ResolveKeepRemote:
		if conflict.Remote == nil {
			// Conflict against a remote deletion: accepting remote deletes.
			if err := e.store.DeleteRecord(ctx, e.tenantID, memoryID); err != nil && !errors.Is(err, memory.ErrNotFound) {
				return err
			}
			if err := e.store.DeleteConflict(ctx, e.tenantID, memoryID); err != nil {
				return err
			}
			e.bus.emit(Event{Type: EventMemoryDeleted, MemoryID: memoryID})
			return nil
		}
		resolved = conflict.Remote
	case ResolveMerge:
		if conflict.Remote == nil {
			return newError(ErrorTypeValidation, "cannot merge against a remote deletion", nil)
		}
		resolved = e.merger.Merge(conflict.Local, conflict.Remote)
		resolved.ServerVersion = conflict.Remote.ServerVersion
	default:
		return newError(ErrorTypeValidation, fmt.Sprintf("unknown resolution %q", resolution), nil)
	}

	if resolution == ResolveKeepRemote {
		resolved.SyncStatus = memory.SyncSynced
	} else {
		resolved.SyncStatus = memory.SyncPending
	}
	resolved.RetryCount = 0
	resolved.UpdatedAt = time.Now()
	resolved.PriorityScore = memory.ComputePriority(resolved, time.Now())

	if err := e.store.Put(ctx, resolved); err != nil {
		return err
	}
	if err := e.store.DeleteConflict(ctx, e.tenantID, memoryID); err != nil {
		return err
	}

	e.bus.emit(Event{Type: EventMemoryUpdated, MemoryID: memoryID, Record: resolved})
	e.requestSync()
	return nil
}

// ListConflicts returns the tenant's frozen conflicts.
func (e *Engine) ListConflicts(ctx context.Context) ([]*memory.Conflict, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	return e.store.ListConflicts(ctx, e.tenantID)
}

func localDirty(rec *memory.MemoryRecord) bool {
	switch rec.SyncStatus {
	case memory.SyncPending, memory.SyncSyncing, memory.SyncFailed:
		return true
	default:
		return false
	}
}

// mirrorRemote converts a wire change into a local record.
func mirrorRemote(change ltm.Change, tenantID string) *memory.MemoryRecord {
	rec := &memory.MemoryRecord{
		ID:            change.ID,
		TenantID:      tenantID,
		Origin:        memory.OriginRemote,
		UpdatedAt:     change.UpdatedAt,
		LastAccessed:  time.Now(),
		SyncStatus:    memory.SyncSynced,
		ServerVersion: change.ServerVersion,
	}
	if change.Record != nil {
		rec.AppName = change.Record.AppName
		rec.SessionID = change.Record.SessionID
		rec.Content = change.Record.Content
		rec.Metadata = change.Record.Metadata
		rec.CreatedAt = change.Record.CreatedAt
		if !change.Record.UpdatedAt.IsZero() {
			rec.UpdatedAt = change.Record.UpdatedAt
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	return rec
}
