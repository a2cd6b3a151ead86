package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popkeyd/popkeyd/internal/database"
	"github.com/popkeyd/popkeyd/internal/model"
)

const (
	testRef      = "sha256-p1vg0lBYO2DDmahoWfPprfNUqhBog0POByMUTKZCTw4"
	testFileName = "RSSMRA85T10A562S-sha256-p1vg0lBYO2DDmahoWfPprfNUqhBog0POByMUTKZCTw4"
)

func TestFreshTTL(t *testing.T) {
	assert.Equal(t, model.ReservationTTL, freshTTL(model.StatusPending))
	assert.Equal(t, model.RetentionTTL, freshTTL(model.StatusValid))
	assert.Equal(t, model.RetentionTTL, freshTTL(model.StatusRevoked))
}

func TestTTLFrom(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &PopKeyRepository{now: func() time.Time { return now }}

	pendingPrev := &model.PopKeyRecord{
		PopKey:    model.PendingPopKey{PubKey: "a2V5", AssertionRef: testRef},
		TTL:       model.ReservationTTL,
		CreatedAt: now.Add(-5 * time.Minute),
	}
	validPrev := &model.PopKeyRecord{
		PopKey: model.BoundPopKey{
			PubKey:       "a2V5",
			AssertionRef: testRef,
			Status:       model.StatusValid,
		},
		TTL:       model.RetentionTTL,
		CreatedAt: now.Add(-100 * 24 * time.Hour),
	}
	expiredPrev := &model.PopKeyRecord{
		PopKey: model.BoundPopKey{
			PubKey:       "a2V5",
			AssertionRef: testRef,
			Status:       model.StatusValid,
		},
		TTL:       time.Hour,
		CreatedAt: now.Add(-2 * time.Hour),
	}

	// No predecessor: plain policy TTL.
	assert.Equal(t, model.ReservationTTL, repo.ttlFrom(nil, model.StatusPending))
	assert.Equal(t, model.RetentionTTL, repo.ttlFrom(nil, model.StatusValid))

	// A pending predecessor never constrains the new grant.
	assert.Equal(t, model.RetentionTTL, repo.ttlFrom(pendingPrev, model.StatusValid))

	// A new PENDING version always holds the short reservation.
	assert.Equal(t, model.ReservationTTL, repo.ttlFrom(validPrev, model.StatusPending))

	// A live bound predecessor pins the absolute expiry: the new
	// version gets exactly the time that was left.
	assert.Equal(t, model.RetentionTTL-100*24*time.Hour, repo.ttlFrom(validPrev, model.StatusRevoked))

	// An expired predecessor resets to retention.
	assert.Equal(t, model.RetentionTTL, repo.ttlFrom(expiredPrev, model.StatusRevoked))
}

func TestDecodePopKeyPending(t *testing.T) {
	key, err := decodePopKey(testRef, "PENDING", "a2V5",
		sql.NullString{}, sql.NullString{}, sql.NullString{}, sql.NullTime{})
	require.NoError(t, err)

	pending, ok := key.(model.PendingPopKey)
	require.True(t, ok)
	assert.Equal(t, model.AssertionRef(testRef), pending.AssertionRef)
	assert.Equal(t, "a2V5", pending.PubKey)
	assert.Equal(t, model.StatusPending, key.KeyStatus())
}

func TestDecodePopKeyBound(t *testing.T) {
	expiresAt := time.Date(2027, 3, 1, 12, 0, 0, 0, time.UTC)
	key, err := decodePopKey(testRef, "VALID", "a2V5",
		sql.NullString{String: "RSSMRA85T10A562S", Valid: true},
		sql.NullString{String: testFileName, Valid: true},
		sql.NullString{String: "SAML", Valid: true},
		sql.NullTime{Time: expiresAt, Valid: true})
	require.NoError(t, err)

	bound, ok := key.(model.BoundPopKey)
	require.True(t, ok)
	assert.Equal(t, model.StatusValid, bound.Status)
	assert.Equal(t, model.FiscalCode("RSSMRA85T10A562S"), bound.FiscalCode)
	assert.Equal(t, model.AssertionFileName(testFileName), bound.AssertionFileName)
	assert.Equal(t, model.AssertionTypeSAML, bound.AssertionType)
	assert.Equal(t, expiresAt, bound.ExpiresAt)
}

func TestDecodePopKeyRejectsCorruptRows(t *testing.T) {
	// VALID without binding fields.
	_, err := decodePopKey(testRef, "VALID", "a2V5",
		sql.NullString{}, sql.NullString{}, sql.NullString{}, sql.NullTime{})
	assert.Error(t, err)

	// Unknown status.
	_, err = decodePopKey(testRef, "EXPIRED", "a2V5",
		sql.NullString{}, sql.NullString{}, sql.NullString{}, sql.NullTime{})
	assert.Error(t, err)

	// Malformed ref.
	_, err = decodePopKey("md5-deadbeef", "PENDING", "a2V5",
		sql.NullString{}, sql.NullString{}, sql.NullString{}, sql.NullTime{})
	assert.Error(t, err)

	// Malformed fiscal code in a bound row.
	_, err = decodePopKey(testRef, "VALID", "a2V5",
		sql.NullString{String: "NOTACODE", Valid: true},
		sql.NullString{String: testFileName, Valid: true},
		sql.NullString{String: "SAML", Valid: true},
		sql.NullTime{Time: time.Now(), Valid: true})
	assert.Error(t, err)
}

var popKeyColumns = []string{
	"assertion_ref", "version", "status", "pub_key", "fiscal_code",
	"assertion_file_name", "assertion_type", "expires_at", "ttl_seconds", "created_at",
}

func mockRepo(t *testing.T) (*PopKeyRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPopKeyRepository(&database.Postgres{DB: db}), mock
}

func TestCreateReservesAgainAfterExpiredHistory(t *testing.T) {
	repo, mock := mockRepo(t)

	// Every prior version is past its TTL: the identity reads as
	// absent, but the rows still occupy their version slots, so the new
	// reservation continues the sequence instead of restarting at 0.
	mock.ExpectQuery("ORDER BY version DESC").
		WithArgs(testRef, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(popKeyColumns))
	mock.ExpectQuery(`MAX\(version\)`).
		WithArgs(testRef).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(3))
	mock.ExpectExec("INSERT INTO pop_keys").
		WithArgs(testRef, 3, "PENDING", "a2V5",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			int64(model.ReservationTTL.Seconds()), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := repo.Create(context.Background(),
		model.PendingPopKey{PubKey: "a2V5", AssertionRef: testRef})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Version)
	assert.Equal(t, model.StatusPending, rec.KeyStatus())
	assert.Equal(t, model.ReservationTTL, rec.TTL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateConflictsWithLiveDocument(t *testing.T) {
	repo, mock := mockRepo(t)

	mock.ExpectQuery("ORDER BY version DESC").
		WithArgs(testRef, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(popKeyColumns).
			AddRow(testRef, 0, "PENDING", "a2V5", nil, nil, nil, nil, 900, time.Now().UTC()))

	_, err := repo.Create(context.Background(),
		model.PendingPopKey{PubKey: "a2V5", AssertionRef: testRef})
	assert.ErrorIs(t, err, ErrDuplicate)
	// No insert was attempted.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertContinuesVersionSequenceOverExpiredRows(t *testing.T) {
	repo, mock := mockRepo(t)

	expiresAt := time.Now().Add(365 * 24 * time.Hour).UTC()
	key := model.BoundPopKey{
		PubKey:            "a2V5",
		AssertionRef:      testRef,
		Status:            model.StatusValid,
		FiscalCode:        "RSSMRA85T10A562S",
		AssertionFileName: testFileName,
		AssertionType:     model.AssertionTypeSAML,
		ExpiresAt:         expiresAt,
	}

	// No live predecessor, two expired rows on disk: the fresh grant
	// gets the full retention TTL at version 2.
	mock.ExpectQuery("ORDER BY version DESC").
		WithArgs(testRef, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(popKeyColumns))
	mock.ExpectQuery(`MAX\(version\)`).
		WithArgs(testRef).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(2))
	mock.ExpectExec("INSERT INTO pop_keys").
		WithArgs(testRef, 2, "VALID", "a2V5",
			"RSSMRA85T10A562S", testFileName, "SAML", sqlmock.AnyArg(),
			int64(model.RetentionTTL.Seconds()), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := repo.Upsert(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	assert.Equal(t, model.RetentionTTL, rec.TTL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAppendsAfterLivePredecessor(t *testing.T) {
	repo, mock := mockRepo(t)
	now := time.Now().UTC()

	// A live VALID version 4 created 100 days ago pins the absolute
	// expiry of the appended version.
	created := now.Add(-100 * 24 * time.Hour)
	mock.ExpectQuery("ORDER BY version DESC").
		WithArgs(testRef, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(popKeyColumns).
			AddRow(testRef, 4, "VALID", "a2V5", "RSSMRA85T10A562S", testFileName,
				"SAML", now.Add(24*time.Hour), int64(model.RetentionTTL.Seconds()), created))
	mock.ExpectQuery(`MAX\(version\)`).
		WithArgs(testRef).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(5))
	mock.ExpectExec("INSERT INTO pop_keys").
		WithArgs(testRef, 5, "REVOKED", "a2V5",
			"RSSMRA85T10A562S", testFileName, "SAML", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	key := model.BoundPopKey{
		PubKey:            "a2V5",
		AssertionRef:      testRef,
		Status:            model.StatusRevoked,
		FiscalCode:        "RSSMRA85T10A562S",
		AssertionFileName: testFileName,
		AssertionType:     model.AssertionTypeSAML,
		ExpiresAt:         now.Add(24 * time.Hour),
	}
	rec, err := repo.Upsert(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Version)
	// Remaining time of the prior grant, not a fresh retention window.
	assert.InDelta(t, (model.RetentionTTL - 100*24*time.Hour).Seconds(), rec.TTL.Seconds(), 5)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateOperationsAreRejected(t *testing.T) {
	repo := &PopKeyRepository{}

	err := repo.Update(context.Background(), &model.PopKeyRecord{})
	assert.ErrorIs(t, err, ErrUnsupported)

	err = repo.UpdateTTLForAllVersions(context.Background(), testRef)
	assert.ErrorIs(t, err, ErrUnsupported)
}
