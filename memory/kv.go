package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Meta keys used by the sync engine and orchestrator. The meta table is a
// generic key/value area kept separate from the memory table.
const (
	MetaSyncCursor = "sync_cursor"
	MetaDeviceID   = "device_id"
	MetaLastSync   = "last_sync_at"
)

// SetMeta writes a tenant-scoped key/value pair.
func (s *Store) SetMeta(ctx context.Context, tenantID, key, value string) error {
	queryStr, args, err := StatementBuilder().
		Insert("meta").
		Columns("tenant_id", "key", "value", "updated_at").
		Values(tenantID, key, value, time.Now().Unix()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build meta insert: %w", err)
	}
	queryStr = strings.Replace(queryStr, "INSERT INTO", "INSERT OR REPLACE INTO", 1)
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta reads a tenant-scoped value. Missing keys return "" and no error.
func (s *Store) GetMeta(ctx context.Context, tenantID, key string) (string, error) {
	queryStr, args, err := StatementBuilder().
		Select("value").
		From("meta").
		Where(sq.Eq{"tenant_id": tenantID, "key": key}).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build meta select: %w", err)
	}
	var value string
	err = s.db.QueryRowContext(ctx, queryStr, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}
