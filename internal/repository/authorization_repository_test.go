package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsafe/permit-api/internal/models"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func authorizationRows(codes ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "authorization", "type", "status", "creation_date", "expiration_date",
		"renewals", "authority", "date_expiry_notified", "notified_renewals", "unit_id",
		"created_by", "created_on", "modified_by", "modified_on",
	})
	now := time.Now().UTC()
	for i, code := range codes {
		rows.AddRow(int64(i+1), code, "CHEMICAL", "ACTIVE", now, now.AddDate(0, 0, 10),
			0, "Authority", nil, 0, int64(1), "u1", now, "u1", now)
	}
	return rows
}

func TestAuthorizationRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAuthorizationRepository(db)

	mock.ExpectQuery(`SELECT (.+) FROM authorizations WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(authorizationRows("LCB-001"))

	auth, err := repo.FindByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "LCB-001", auth.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorizationRepositoryFindByIDNotFound(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAuthorizationRepository(db)

	mock.ExpectQuery(`SELECT (.+) FROM authorizations WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnRows(authorizationRows())

	_, err := repo.FindByID(context.Background(), 99)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestAuthorizationRepositoryInsertDuplicateCode(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAuthorizationRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO authorizations`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "authorizations_type_code_key"})

	tx, err := repo.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback() //nolint:errcheck

	err = repo.Insert(context.Background(), tx, &models.Authorization{
		Code: "LCB-001", Type: models.AuthorizationTypeChemical, Status: models.AuthorizationStatusActive,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestAuthorizationRepositoryInsertReturnsID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAuthorizationRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO authorizations`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	tx, err := repo.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback() //nolint:errcheck

	auth := &models.Authorization{Code: "LCB-002"}
	require.NoError(t, repo.Insert(context.Background(), tx, auth))
	assert.Equal(t, int64(7), auth.ID)
}

func TestFindExpiringWarningWindowFiltersNotified(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAuthorizationRepository(db)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT (.+) FROM authorizations WHERE status = \$1 AND expiration_date < \$2 AND date_expiry_notified IS NULL ORDER BY expiration_date ASC`).
		WithArgs(models.AuthorizationStatusActive, now.AddDate(0, 0, 30)).
		WillReturnRows(authorizationRows("LCB-001", "LCB-002"))

	records, err := repo.FindExpiring(context.Background(), now, 30)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindExpiringPastDueIgnoresNotificationHistory(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAuthorizationRepository(db)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	// Threshold zero: the cutoff is now itself and the notified filter
	// is dropped, so already-reminded records still expire.
	mock.ExpectQuery(`SELECT (.+) FROM authorizations WHERE status = \$1 AND expiration_date < \$2 ORDER BY expiration_date ASC`).
		WithArgs(models.AuthorizationStatusActive, now).
		WillReturnRows(authorizationRows("LCB-003"))

	records, err := repo.FindExpiring(context.Background(), now, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkNotifiedStampsRenewals(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAuthorizationRepository(db)
	at := time.Now().UTC()

	mock.ExpectExec(`UPDATE authorizations SET date_expiry_notified = \$1, notified_renewals = \$2 WHERE id = \$3`).
		WithArgs(at, 2, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkNotified(context.Background(), 4, at, 2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRelationsCoversEveryJoinTable(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAuthorizationRepository(db)

	mock.ExpectBegin()
	for _, table := range []string{
		"authorization_holders", "authorization_rooms",
		"authorization_chemicals", "authorization_sources",
	} {
		mock.ExpectExec(`DELETE FROM ` + table + ` WHERE authorization_id = \$1`).
			WithArgs(int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(`DELETE FROM authorizations WHERE id = \$1`).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := repo.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, repo.DeleteRelations(context.Background(), tx, 3))
	require.NoError(t, repo.Delete(context.Background(), tx, 3))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}
