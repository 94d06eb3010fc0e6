package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker implements DB-based deduplication against the
// op log. It backs the cold path of the two-tier idempotency check.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks if the command exists in the Postgres op log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(kind string, commandID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM op_log.ops
        WHERE kind = $1 AND command_id = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, kind, commandID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil // Not found, not a duplicate
	}

	if err != nil {
		return false, err // DB error
	}

	return true, nil
}
