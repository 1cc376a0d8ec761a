package memory

import (
	sq "github.com/Masterminds/squirrel"
)

// StatementBuilder returns a Squirrel StatementBuilder configured for SQLite.
// SQLite uses '?' as placeholders, which is Squirrel's default.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

// SelectRecordColumns returns the standard column list for memory_records
// SELECT queries, in scanRecord order.
func SelectRecordColumns() []string {
	return []string{
		"id", "tenant_id", "app_name", "session_id", "content",
		"embedding", "metadata", "origin", "created_at", "updated_at",
		"last_accessed", "expires_at", "priority_score", "access_count",
		"sync_status", "server_version", "retry_count", "local_only",
	}
}
