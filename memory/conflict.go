package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// PutConflict persists a detected conflict. One open conflict per record:
// a later detection for the same record replaces the earlier one.
func (s *Store) PutConflict(ctx context.Context, c *Conflict) error {
	localJSON, err := json.Marshal(c.Local)
	if err != nil {
		return fmt.Errorf("marshal local version: %w", err)
	}
	remoteJSON, err := json.Marshal(c.Remote)
	if err != nil {
		return fmt.Errorf("marshal remote version: %w", err)
	}

	queryStr, args, err := StatementBuilder().
		Insert("conflicts").
		Columns("id", "memory_id", "tenant_id", "kind", "local_json", "remote_json", "detected_at").
		Values(c.ID, c.MemoryID, c.TenantID, string(c.Kind), localJSON, remoteJSON, c.DetectedAt.Unix()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build conflict insert: %w", err)
	}
	queryStr = strings.Replace(queryStr, "INSERT INTO", "INSERT OR REPLACE INTO", 1)
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	s.logger.Debug().Str("method", "PutConflict").Str("memory_id", c.MemoryID).Str("kind", string(c.Kind)).Msg("Conflict recorded")
	return nil
}

// GetConflict loads the open conflict for one record, or ErrNotFound.
func (s *Store) GetConflict(ctx context.Context, tenantID, memoryID string) (*Conflict, error) {
	conflicts, err := s.selectConflicts(ctx, sq.Eq{"tenant_id": tenantID, "memory_id": memoryID})
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return nil, ErrNotFound
	}
	return conflicts[0], nil
}

// ListConflicts returns the tenant's open conflicts, oldest first.
func (s *Store) ListConflicts(ctx context.Context, tenantID string) ([]*Conflict, error) {
	return s.selectConflicts(ctx, sq.Eq{"tenant_id": tenantID})
}

// CountConflicts returns the tenant's open conflict count.
func (s *Store) CountConflicts(ctx context.Context, tenantID string) (int64, error) {
	queryStr, args, err := StatementBuilder().
		Select("COUNT(*)").
		From("conflicts").
		Where(sq.Eq{"tenant_id": tenantID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build conflict count: %w", err)
	}
	var n int64
	err = s.db.QueryRowContext(ctx, queryStr, args...).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// DeleteConflict clears a resolved conflict.
func (s *Store) DeleteConflict(ctx context.Context, tenantID, memoryID string) error {
	queryStr, args, err := StatementBuilder().
		Delete("conflicts").
		Where(sq.Eq{"memory_id": memoryID, "tenant_id": tenantID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build conflict delete: %w", err)
	}
	_, err = s.db.ExecContext(ctx, queryStr, args...)
	return err
}

func (s *Store) selectConflicts(ctx context.Context, where sq.Sqlizer) ([]*Conflict, error) {
	queryStr, args, err := StatementBuilder().
		Select("id", "memory_id", "tenant_id", "kind", "local_json", "remote_json", "detected_at").
		From("conflicts").
		Where(where).
		OrderBy("detected_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build conflict select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var conflicts []*Conflict
	for rows.Next() {
		var (
			c          Conflict
			kind       string
			localJSON  []byte
			remoteJSON []byte
			detectedAt int64
		)
		if err := rows.Scan(&c.ID, &c.MemoryID, &c.TenantID, &kind, &localJSON, &remoteJSON, &detectedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(localJSON, &c.Local); err != nil {
			return nil, fmt.Errorf("unmarshal local version: %w", err)
		}
		if err := json.Unmarshal(remoteJSON, &c.Remote); err != nil {
			return nil, fmt.Errorf("unmarshal remote version: %w", err)
		}
		c.Kind = ConflictKind(kind)
		c.DetectedAt = time.Unix(detectedAt, 0)
		conflicts = append(conflicts, &c)
	}
	return conflicts, rows.Err()
}
