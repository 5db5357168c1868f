package repository

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsafe/permit-api/internal/models"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

func roomSpec() JoinSpec {
	return JoinSpec{
		Table:        "authorization_rooms",
		OwnerColumn:  "authorization_id",
		TargetColumn: "room_id",
		Resolve: func(ctx context.Context, tx *sqlx.Tx, key string) (interface{}, error) {
			switch key {
			case "CH-101":
				return int64(10), nil
			case "CH-102":
				return int64(11), nil
			default:
				return nil, appErrors.Clone(appErrors.ErrNotFound, "room not found")
			}
		},
	}
}

func beginTx(t *testing.T, db *sqlx.DB) *sqlx.Tx {
	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	return tx
}

func TestReconcileAddInsertsIdempotently(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectBegin()
	// The same key twice still issues two inserts; ON CONFLICT makes the
	// second a no-op so re-submission never errors.
	mock.ExpectExec(`INSERT INTO authorization_rooms \(authorization_id, room_id\) VALUES \(\$1, \$2\) ON CONFLICT DO NOTHING`).
		WithArgs(int64(1), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO authorization_rooms \(authorization_id, room_id\) VALUES \(\$1, \$2\) ON CONFLICT DO NOTHING`).
		WithArgs(int64(1), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	tx := beginTx(t, db)
	err := ReconcileRelations(context.Background(), tx, 1, roomSpec(), []models.RelationChange{
		{Action: models.RelationAdd, Key: "CH-101"},
		{Action: models.RelationAdd, Key: "CH-101"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileAddUnresolvableTargetFails(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectBegin()
	tx := beginTx(t, db)

	err := ReconcileRelations(context.Background(), tx, 1, roomSpec(), []models.RelationChange{
		{Action: models.RelationAdd, Key: "CH-999"},
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestReconcileRemoveToleratesMissingTarget(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM authorization_rooms WHERE authorization_id = \$1 AND room_id = \$2`).
		WithArgs(int64(1), int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx := beginTx(t, db)
	err := ReconcileRelations(context.Background(), tx, 1, roomSpec(), []models.RelationChange{
		{Action: models.RelationRemove, Key: "CH-999"},
		{Action: models.RelationRemove, Key: "CH-102"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileRejectsUnknownAction(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectBegin()
	tx := beginTx(t, db)

	err := ReconcileRelations(context.Background(), tx, 1, roomSpec(), []models.RelationChange{
		{Action: "REPLACE", Key: "CH-101"},
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestDispensationInsertAssignsCodeInTwoPhases(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewDispensationRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO dispensations`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(15)))
	mock.ExpectExec(`UPDATE dispensations SET dispensation = \$1 WHERE id = \$2`).
		WithArgs("DISP-15", int64(15)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := repo.Begin(context.Background())
	require.NoError(t, err)

	disp := &models.Dispensation{Code: "DISP-PENDING", Status: models.DispensationStatusDraft}
	require.NoError(t, repo.Insert(context.Background(), tx, disp))
	assert.Equal(t, int64(15), disp.ID)
	require.NoError(t, repo.AssignCode(context.Background(), tx, disp.ID, "DISP-15"))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}
