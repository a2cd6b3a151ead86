package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/popkeyd/popkeyd/internal/database"
	"github.com/popkeyd/popkeyd/internal/model"
)

// AssertionRepository is the write-once, content-addressed store for raw
// identity-provider assertions. Blobs are keyed by their assertion file
// name, never mutated and never versioned; retention is governed by the
// store, independent of the key document TTL.
type AssertionRepository struct {
	db  *database.Postgres
	now func() time.Time
}

// NewAssertionRepository creates a new AssertionRepository.
func NewAssertionRepository(db *database.Postgres) *AssertionRepository {
	return &AssertionRepository{db: db, now: time.Now}
}

// Exists reports whether a blob is already stored under the given name.
func (r *AssertionRepository) Exists(ctx context.Context, name model.AssertionFileName) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM assertions WHERE file_name = $1)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, string(name)).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check assertion existence: %w", err)
	}
	return exists, nil
}

// Write stores an assertion under its file name. An existing blob with
// the same name yields ErrDuplicate regardless of content. The
// existence check and the insert are two statements; a concurrent writer
// of the same name loses on the primary key instead.
func (r *AssertionRepository) Write(ctx context.Context, name model.AssertionFileName, content string) error {
	if content == "" {
		return fmt.Errorf("assertion content is empty: %w", ErrInvalidInput)
	}

	exists, err := r.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("assertion %s: %w", name, ErrDuplicate)
	}

	query := `INSERT INTO assertions (file_name, content, created_at) VALUES ($1, $2, $3)`
	result, err := r.db.ExecContext(ctx, query, string(name), content, r.now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("assertion %s: %w", name, ErrDuplicate)
		}
		return fmt.Errorf("failed to write assertion: %w", err)
	}

	// An insert that reports no affected row never stored the blob.
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm assertion write: %w", err)
	}
	if rows != 1 {
		return fmt.Errorf("assertion %s write was not confirmed", name)
	}
	return nil
}

// Read retrieves a stored assertion. An empty blob is treated as
// invalid, not as absence of content.
func (r *AssertionRepository) Read(ctx context.Context, name model.AssertionFileName) (string, error) {
	query := `SELECT content FROM assertions WHERE file_name = $1`
	var content string
	err := r.db.QueryRowContext(ctx, query, string(name)).Scan(&content)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("assertion %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read assertion: %w", err)
	}
	if content == "" {
		return "", fmt.Errorf("assertion %s is empty", name)
	}
	return content, nil
}
