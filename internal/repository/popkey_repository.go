package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/popkeyd/popkeyd/internal/database"
	"github.com/popkeyd/popkeyd/internal/model"
)

// PopKeyRepository is the versioned, TTL-expiring store for pop key
// documents, keyed by assertion ref. Every mutation appends a new
// version; rows are never updated in place. Rows past their TTL are
// invisible to reads and reclaimed by a retention job outside this
// service.
type PopKeyRepository struct {
	db  *database.Postgres
	now func() time.Time
}

// NewPopKeyRepository creates a new PopKeyRepository.
func NewPopKeyRepository(db *database.Postgres) *PopKeyRepository {
	return &PopKeyRepository{db: db, now: time.Now}
}

// FindLatest retrieves the highest non-expired version for an assertion
// ref. Returns ErrNotFound when no live version exists.
func (r *PopKeyRepository) FindLatest(ctx context.Context, ref model.AssertionRef) (*model.PopKeyRecord, error) {
	query := `
		SELECT assertion_ref, version, status, pub_key, fiscal_code, assertion_file_name, assertion_type, expires_at, ttl_seconds, created_at
		FROM pop_keys
		WHERE assertion_ref = $1 AND created_at + ttl_seconds * interval '1 second' > $2
		ORDER BY version DESC
		LIMIT 1
	`
	return r.scanRecord(r.db.QueryRowContext(ctx, query, string(ref), r.now().UTC()))
}

// Create inserts the first version of a new identity. First writer
// wins against live documents only: an identity whose entire history
// has expired reads as absent everywhere else in the system, so it must
// be reservable again here too.
func (r *PopKeyRepository) Create(ctx context.Context, key model.PopKey) (*model.PopKeyRecord, error) {
	_, err := r.FindLatest(ctx, key.Ref())
	if err == nil {
		return nil, fmt.Errorf("pop key %s: %w", key.Ref(), ErrDuplicate)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read latest version: %w", err)
	}

	version, err := r.nextVersion(ctx, key.Ref())
	if err != nil {
		return nil, err
	}
	return r.insert(ctx, key, version, freshTTL(key.KeyStatus()))
}

// Upsert appends a new version for an existing identity (or the first
// when none exists), computing the TTL from the latest live version.
// Two concurrent upserts that read the same latest version race on the
// same version number; the loser gets ErrDuplicate and must retry from
// a fresh read.
func (r *PopKeyRepository) Upsert(ctx context.Context, key model.PopKey) (*model.PopKeyRecord, error) {
	prev, err := r.FindLatest(ctx, key.Ref())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read latest version: %w", err)
	}

	version, err := r.nextVersion(ctx, key.Ref())
	if err != nil {
		return nil, err
	}
	ttl := r.ttlFrom(prev, key.KeyStatus())
	return r.insert(ctx, key, version, ttl)
}

// nextVersion computes the version the next insert must claim. The
// counter runs over every physically present row, expired ones
// included: expired versions are invisible to reads but still occupy
// their slot in the primary key, so appending over an expired history
// must continue the sequence, never restart it.
func (r *PopKeyRepository) nextVersion(ctx context.Context, ref model.AssertionRef) (int, error) {
	query := `SELECT COALESCE(MAX(version) + 1, 0) FROM pop_keys WHERE assertion_ref = $1`
	var version int
	if err := r.db.QueryRowContext(ctx, query, string(ref)).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to compute next version: %w", err)
	}
	return version, nil
}

// Update is rejected: in-place mutation would silently lose version
// history. All writes go through Upsert.
func (r *PopKeyRepository) Update(ctx context.Context, rec *model.PopKeyRecord) error {
	return fmt.Errorf("cannot update a pop key document in place: %w", ErrUnsupported)
}

// UpdateTTLForAllVersions is rejected: bulk TTL rewrites would detach
// old versions from the expiry their writers granted.
func (r *PopKeyRepository) UpdateTTLForAllVersions(ctx context.Context, ref model.AssertionRef) error {
	return fmt.Errorf("cannot rewrite ttl for old pop key versions: %w", ErrUnsupported)
}

// ttlFrom applies the TTL policy relative to the repository clock.
func (r *PopKeyRepository) ttlFrom(prev *model.PopKeyRecord, status model.KeyStatus) time.Duration {
	// A PENDING version always holds the short reservation, no matter
	// what came before it.
	if status == model.StatusPending {
		return model.ReservationTTL
	}
	// A missing or PENDING prior version, or one with no meaningful
	// time left, must not constrain the new grant.
	if prev == nil || prev.KeyStatus() == model.StatusPending || prev.RemainingTTL(r.now()) < time.Second {
		return model.RetentionTTL
	}
	// Preserve the absolute expiry of the prior grant.
	return prev.RemainingTTL(r.now())
}

// freshTTL is the policy for a version with no live predecessor.
func freshTTL(status model.KeyStatus) time.Duration {
	if status == model.StatusPending {
		return model.ReservationTTL
	}
	return model.RetentionTTL
}

func (r *PopKeyRepository) insert(ctx context.Context, key model.PopKey, version int, ttl time.Duration) (*model.PopKeyRecord, error) {
	createdAt := r.now().UTC()

	var (
		fiscalCode    sql.NullString
		fileName      sql.NullString
		assertionType sql.NullString
		expiresAt     sql.NullTime
	)
	if bound, ok := key.(model.BoundPopKey); ok {
		fiscalCode = sql.NullString{String: string(bound.FiscalCode), Valid: true}
		fileName = sql.NullString{String: string(bound.AssertionFileName), Valid: true}
		assertionType = sql.NullString{String: string(bound.AssertionType), Valid: true}
		expiresAt = sql.NullTime{Time: bound.ExpiresAt, Valid: true}
	}

	query := `
		INSERT INTO pop_keys (assertion_ref, version, status, pub_key, fiscal_code, assertion_file_name, assertion_type, expires_at, ttl_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		string(key.Ref()),
		version,
		string(key.KeyStatus()),
		key.Key(),
		fiscalCode,
		fileName,
		assertionType,
		expiresAt,
		int64(ttl.Seconds()),
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("pop key %s version %d: %w", key.Ref(), version, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to insert pop key version: %w", err)
	}

	return &model.PopKeyRecord{
		PopKey:    key,
		Version:   version,
		TTL:       ttl,
		CreatedAt: createdAt,
	}, nil
}

// scanRecord scans a single pop key row and decodes it into the
// pending/bound union based on status.
func (r *PopKeyRepository) scanRecord(row *sql.Row) (*model.PopKeyRecord, error) {
	var (
		ref           string
		version       int
		status        string
		pubKey        string
		fiscalCode    sql.NullString
		fileName      sql.NullString
		assertionType sql.NullString
		expiresAt     sql.NullTime
		ttlSeconds    int64
		createdAt     time.Time
	)
	err := row.Scan(&ref, &version, &status, &pubKey, &fiscalCode, &fileName, &assertionType, &expiresAt, &ttlSeconds, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pop key: %w", err)
	}

	key, err := decodePopKey(ref, status, pubKey, fiscalCode, fileName, assertionType, expiresAt)
	if err != nil {
		return nil, err
	}

	return &model.PopKeyRecord{
		PopKey:    key,
		Version:   version,
		TTL:       time.Duration(ttlSeconds) * time.Second,
		CreatedAt: createdAt,
	}, nil
}

func decodePopKey(ref, status, pubKey string, fiscalCode, fileName, assertionType sql.NullString, expiresAt sql.NullTime) (model.PopKey, error) {
	assertionRef, err := model.ParseAssertionRef(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pop key: %w", err)
	}
	keyStatus, err := model.ParseKeyStatus(status)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pop key %s: %w", ref, err)
	}

	if keyStatus == model.StatusPending {
		return model.PendingPopKey{
			PubKey:       pubKey,
			AssertionRef: assertionRef,
		}, nil
	}

	if !fiscalCode.Valid || !fileName.Valid || !assertionType.Valid || !expiresAt.Valid {
		return nil, fmt.Errorf("pop key %s has status %s but is missing binding fields", ref, status)
	}
	code, err := model.ParseFiscalCode(fiscalCode.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pop key %s: %w", ref, err)
	}
	name, err := model.ParseAssertionFileName(fileName.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pop key %s: %w", ref, err)
	}
	aType, err := model.ParseAssertionType(assertionType.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pop key %s: %w", ref, err)
	}

	return model.BoundPopKey{
		PubKey:            pubKey,
		AssertionRef:      assertionRef,
		Status:            keyStatus,
		FiscalCode:        code,
		AssertionFileName: name,
		AssertionType:     aType,
		ExpiresAt:         expiresAt.Time,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
