package service

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsafe/permit-api/internal/dto"
	"github.com/labsafe/permit-api/internal/models"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

type unitRepoStub struct {
	db      *sqlx.DB
	units   []models.Unit
	counts  map[int64]int
	deleted []int64
}

func (s *unitRepoStub) Begin(ctx context.Context) (*sqlx.Tx, error) {
	return s.db.BeginTxx(ctx, nil)
}

func (s *unitRepoStub) FindByID(ctx context.Context, id int64) (*models.Unit, error) {
	for i := range s.units {
		if s.units[i].ID == id {
			return &s.units[i], nil
		}
	}
	return nil, appErrors.Clone(appErrors.ErrNotFound, "unit not found")
}

func (s *unitRepoStub) Insert(ctx context.Context, unit *models.Unit) error {
	unit.ID = int64(len(s.units) + 1)
	s.units = append(s.units, *unit)
	return nil
}

func (s *unitRepoStub) ListAll(ctx context.Context) ([]models.Unit, error) {
	return s.units, nil
}

func (s *unitRepoStub) DeleteTx(ctx context.Context, tx *sqlx.Tx, id int64) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *unitRepoStub) CountAuthorizations(ctx context.Context, tx *sqlx.Tx, id int64) (int, error) {
	return s.counts[id], nil
}

func unitTree() []models.Unit {
	parent := func(id int64) *int64 { return &id }
	return []models.Unit{
		{ID: 1, Name: "SB"},
		{ID: 2, Name: "ISIC", ParentID: parent(1)},
		{ID: 3, Name: "ISP", ParentID: parent(1)},
		{ID: 4, Name: "LCB", ParentID: parent(2)},
	}
}

func newUnitServiceMock(t *testing.T) (*UnitService, *unitRepoStub, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, cleanup := txDB(t)
	repo := &unitRepoStub{db: db, units: unitTree(), counts: map[int64]int{}}
	svc := NewUnitService(repo, nil, nil, func() time.Time { return fixedNow })
	return svc, repo, mock, cleanup
}

func TestPostOrderVisitsChildrenBeforeParents(t *testing.T) {
	children := map[int64][]int64{
		1: {2, 3},
		2: {4},
	}
	assert.Equal(t, []int64{4, 2, 3, 1}, postOrder(1, children))
	assert.Equal(t, []int64{4, 2}, postOrder(2, children))
	assert.Equal(t, []int64{3}, postOrder(3, children))
}

func TestUnitDeleteRemovesSubtreeBottomUp(t *testing.T) {
	svc, repo, mock, cleanup := newUnitServiceMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, svc.Delete(context.Background(), 1))
	assert.Equal(t, []int64{4, 2, 3, 1}, repo.deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitDeleteAbortsWhenSubtreeOwnsAuthorizations(t *testing.T) {
	svc, repo, mock, cleanup := newUnitServiceMock(t)
	defer cleanup()

	repo.counts[3] = 2

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := svc.Delete(context.Background(), 1)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
	assert.Contains(t, appErr.Message, "unit 3")
	// The deepest leaf was reached first; the conflict rolls everything back.
	assert.Equal(t, []int64{4, 2}, repo.deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitDeleteRejectsUnknownUnit(t *testing.T) {
	svc, _, _, cleanup := newUnitServiceMock(t)
	defer cleanup()

	err := svc.Delete(context.Background(), 99)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestUnitCreateRequiresExistingParent(t *testing.T) {
	svc, _, _, cleanup := newUnitServiceMock(t)
	defer cleanup()

	missing := int64(99)
	_, err := svc.Create(context.Background(), dto.CreateUnitRequest{Name: "LNEW", ParentID: &missing})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestUnitCreateStampsCreation(t *testing.T) {
	svc, _, _, cleanup := newUnitServiceMock(t)
	defer cleanup()

	parentID := int64(2)
	unit, err := svc.Create(context.Background(), dto.CreateUnitRequest{Name: "LNEW", ParentID: &parentID})
	require.NoError(t, err)
	assert.NotZero(t, unit.ID)
	assert.Equal(t, fixedNow, unit.CreatedOn)
	require.NotNil(t, unit.ParentID)
	assert.Equal(t, int64(2), *unit.ParentID)
}
