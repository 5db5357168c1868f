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
	"github.com/labsafe/permit-api/pkg/reference"
)

type dispRepoStub struct {
	db       *sqlx.DB
	stored   *models.Dispensation
	subjects map[int64]string
	holders  []models.Person
	inserted *models.Dispensation
	updated  *models.Dispensation
	assigned string
	calls    []string
}

func (s *dispRepoStub) Begin(ctx context.Context) (*sqlx.Tx, error) {
	return s.db.BeginTxx(ctx, nil)
}

func (s *dispRepoStub) FindByID(ctx context.Context, id int64) (*models.Dispensation, error) {
	return s.find(id)
}

func (s *dispRepoStub) FindByIDTx(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Dispensation, error) {
	s.calls = append(s.calls, "FindByIDTx")
	return s.find(id)
}

func (s *dispRepoStub) find(id int64) (*models.Dispensation, error) {
	if s.stored == nil || s.stored.ID != id {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "dispensation not found")
	}
	copied := *s.stored
	return &copied, nil
}

func (s *dispRepoStub) Insert(ctx context.Context, tx *sqlx.Tx, disp *models.Dispensation) error {
	s.calls = append(s.calls, "Insert")
	disp.ID = 15
	copied := *disp
	s.inserted = &copied
	return nil
}

func (s *dispRepoStub) AssignCode(ctx context.Context, tx *sqlx.Tx, id int64, code string) error {
	s.calls = append(s.calls, "AssignCode")
	s.assigned = code
	return nil
}

func (s *dispRepoStub) Update(ctx context.Context, tx *sqlx.Tx, disp *models.Dispensation) error {
	s.calls = append(s.calls, "Update")
	copied := *disp
	s.updated = &copied
	s.stored = &copied
	return nil
}

func (s *dispRepoStub) DeleteRelations(ctx context.Context, tx *sqlx.Tx, id int64) error {
	s.calls = append(s.calls, "DeleteRelations")
	return nil
}

func (s *dispRepoStub) Delete(ctx context.Context, tx *sqlx.Tx, id int64) error {
	s.calls = append(s.calls, "Delete")
	return nil
}

func (s *dispRepoStub) FindSubject(ctx context.Context, id int64) (*models.DispensationSubject, error) {
	if name, ok := s.subjects[id]; ok {
		return &models.DispensationSubject{ID: id, Name: name}, nil
	}
	return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
}

func (s *dispRepoStub) Holders(ctx context.Context, id int64) ([]models.Person, error) {
	return s.holders, nil
}

func (s *dispRepoStub) Rooms(ctx context.Context, id int64) ([]models.Room, error) {
	return nil, nil
}

func (s *dispRepoStub) Units(ctx context.Context, id int64) ([]models.Unit, error) {
	return nil, nil
}

func (s *dispRepoStub) Tickets(ctx context.Context, id int64) ([]string, error) {
	return nil, nil
}

type unitResolverStub struct{ known map[string]int64 }

func (s *unitResolverStub) FindByIDTx(ctx context.Context, tx *sqlx.Tx, key string) (*models.Unit, error) {
	if id, ok := s.known[key]; ok {
		return &models.Unit{ID: id, Name: key}, nil
	}
	return nil, appErrors.Clone(appErrors.ErrNotFound, "unit not found")
}

type notifierStub struct{ sent []Notification }

func (s *notifierStub) Notify(ctx context.Context, n Notification) {
	s.sent = append(s.sent, n)
}

func storedDispensation() *models.Dispensation {
	return &models.Dispensation{
		ID:           7,
		Code:         "DISP-7",
		Status:       models.DispensationStatusActive,
		OtherSubject: "nanoparticle handling",
		DateStart:    time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		DateEnd:      time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC),
		Renewals:     1,
		CreatedBy:    "100100",
		CreatedOn:    fixedNow.AddDate(0, -6, 0),
		ModifiedBy:   "100100",
		ModifiedOn:   fixedNow.AddDate(0, -6, 0),
	}
}

func newDispServiceMock(t *testing.T) (*DispensationService, *dispRepoStub, *notifierStub, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, cleanup := txDB(t)
	repo := &dispRepoStub{
		db:       db,
		stored:   storedDispensation(),
		subjects: map[int64]string{2: "biological agents"},
		holders: []models.Person{
			{ID: 1, Sciper: "100100", Email: "holder@example.org"},
			{ID: 2, Sciper: "100200"},
		},
	}
	notifier := &notifierStub{}
	svc := NewDispensationService(
		repo,
		&personResolverStub{known: map[string]int64{"100100": 1}},
		&roomResolverStub{known: map[string]int64{"CH-101": 10}},
		&unitResolverStub{known: map[string]int64{"LCB": 1}},
		&directoryStub{},
		&cacheStub{},
		notifier,
		testSigner(t),
		nil,
		nil,
		func() time.Time { return fixedNow },
		time.UTC,
	)
	return svc, repo, notifier, mock, cleanup
}

func mintDispensationReference(t *testing.T, signer *reference.Signer, disp *models.Dispensation) reference.Ref {
	t.Helper()
	canonical, err := reference.Canonicalize(disp.Canonical())
	require.NoError(t, err)
	ref, err := signer.Sign(disp.ID, canonical)
	require.NoError(t, err)
	return ref
}

func TestNotificationKindFirstMatchWins(t *testing.T) {
	draft := models.DispensationStatusDraft
	active := models.DispensationStatusActive
	expired := models.DispensationStatusExpired
	cancelled := models.DispensationStatusCancelled

	cases := []struct {
		name        string
		oldStatus   models.DispensationStatus
		newStatus   models.DispensationStatus
		oldRenewals int
		newRenewals int
		want        models.NotificationKind
	}{
		{"renewal on active record", active, active, 1, 2, models.NotificationRenewed},
		{"renewal during activation outranks new", draft, active, 0, 1, models.NotificationRenewed},
		{"draft to active", draft, active, 0, 0, models.NotificationNew},
		{"active stays active", active, active, 2, 2, models.NotificationModified},
		{"active to expired", active, expired, 1, 1, models.NotificationExpired},
		{"already expired", expired, expired, 1, 1, models.NotificationNone},
		{"active to cancelled", active, cancelled, 0, 0, models.NotificationCancelled},
		{"renewal count on expired record is not a renewal", active, expired, 1, 2, models.NotificationExpired},
		{"draft edit stays silent", draft, draft, 0, 0, models.NotificationNone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := notificationKind(tc.oldStatus, tc.newStatus, tc.oldRenewals, tc.newRenewals)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDispensationCreateAssignsCodeTwoPhase(t *testing.T) {
	svc, repo, _, mock, cleanup := newDispServiceMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectCommit()

	detail, err := svc.Create(context.Background(), models.Identity{UserID: "100100"}, dto.CreateDispensationRequest{
		Status:       "DRAFT",
		OtherSubject: "laser alignment",
		DateStart:    time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		DateEnd:      time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, "DISP-15", detail.Code)
	assert.Equal(t, "DISP-15", repo.assigned)
	assert.Equal(t, "DISP-PENDING", repo.inserted.Code)
	assert.Equal(t, []string{"Insert", "AssignCode"}, repo.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispensationCreateRejectsAmbiguousSubject(t *testing.T) {
	svc, _, _, _, cleanup := newDispServiceMock(t)
	defer cleanup()

	subjectID := int64(2)
	_, err := svc.Create(context.Background(), models.Identity{UserID: "100100"}, dto.CreateDispensationRequest{
		Status:       "DRAFT",
		SubjectID:    &subjectID,
		OtherSubject: "laser alignment",
		DateStart:    time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		DateEnd:      time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)

	_, err = svc.Create(context.Background(), models.Identity{UserID: "100100"}, dto.CreateDispensationRequest{
		Status:    "DRAFT",
		DateStart: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		DateEnd:   time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
}

func TestDispensationCreateRejectsInvertedDates(t *testing.T) {
	svc, _, _, _, cleanup := newDispServiceMock(t)
	defer cleanup()

	_, err := svc.Create(context.Background(), models.Identity{UserID: "100100"}, dto.CreateDispensationRequest{
		Status:       "DRAFT",
		OtherSubject: "laser alignment",
		DateStart:    time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
		DateEnd:      time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestDispensationUpdateSameDayLaterTimeKeepsRenewals(t *testing.T) {
	svc, repo, notifier, mock, cleanup := newDispServiceMock(t)
	defer cleanup()

	ref := mintDispensationReference(t, svc.signer, repo.stored)

	mock.ExpectBegin()
	mock.ExpectCommit()

	// Same calendar day, later clock time. The noon normalization makes
	// this a non-extension.
	sameDayLater := time.Date(2026, 9, 1, 23, 0, 0, 0, time.UTC)
	detail, err := svc.Update(context.Background(), models.Identity{UserID: "200200"}, dto.UpdateDispensationRequest{
		Reference: ref,
		DateEnd:   &sameDayLater,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, detail.Renewals)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, models.NotificationModified, notifier.sent[0].Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispensationUpdateNextDayIncrementsRenewals(t *testing.T) {
	svc, repo, notifier, mock, cleanup := newDispServiceMock(t)
	defer cleanup()

	notified := fixedNow.AddDate(0, -1, 0)
	repo.stored.NotifiedRenewals = 1
	repo.stored.DateExpiryNotified = &notified
	ref := mintDispensationReference(t, svc.signer, repo.stored)

	mock.ExpectBegin()
	mock.ExpectCommit()

	nextDay := time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)
	detail, err := svc.Update(context.Background(), models.Identity{UserID: "200200"}, dto.UpdateDispensationRequest{
		Reference: ref,
		DateEnd:   &nextDay,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, detail.Renewals)
	assert.Nil(t, repo.updated.DateExpiryNotified)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, models.NotificationRenewed, notifier.sent[0].Kind)
	assert.Equal(t, "DISP-7", notifier.sent[0].RecordCode)
	// Holders without an email address are skipped.
	assert.Equal(t, []string{"holder@example.org"}, notifier.sent[0].Recipients)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispensationUpdateRejectsTicketRemoval(t *testing.T) {
	svc, repo, _, _, cleanup := newDispServiceMock(t)
	defer cleanup()

	ref := mintDispensationReference(t, svc.signer, repo.stored)

	_, err := svc.Update(context.Background(), models.Identity{UserID: "200200"}, dto.UpdateDispensationRequest{
		Reference: ref,
		Tickets:   []models.RelationChange{{Action: models.RelationRemove, Key: "INC-1001"}},
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Contains(t, appErr.Message, "append-only")
	assert.Empty(t, repo.calls)
}

func TestDispensationUpdateSwitchesSubjectToFreeText(t *testing.T) {
	svc, repo, _, mock, cleanup := newDispServiceMock(t)
	defer cleanup()

	subjectID := int64(2)
	repo.stored.SubjectID = &subjectID
	repo.stored.OtherSubject = ""
	ref := mintDispensationReference(t, svc.signer, repo.stored)

	mock.ExpectBegin()
	mock.ExpectCommit()

	other := "confined space entry"
	_, err := svc.Update(context.Background(), models.Identity{UserID: "200200"}, dto.UpdateDispensationRequest{
		Reference:    ref,
		OtherSubject: &other,
	})
	require.NoError(t, err)

	require.NotNil(t, repo.updated)
	assert.Nil(t, repo.updated.SubjectID)
	assert.Equal(t, "confined space entry", repo.updated.OtherSubject)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispensationUpdateRejectsStaleReference(t *testing.T) {
	svc, repo, notifier, mock, cleanup := newDispServiceMock(t)
	defer cleanup()

	ref := mintDispensationReference(t, svc.signer, repo.stored)
	repo.stored.Comment = "changed by someone else"

	mock.ExpectBegin()
	mock.ExpectRollback()

	status := "CANCELLED"
	_, err := svc.Update(context.Background(), models.Identity{UserID: "200200"}, dto.UpdateDispensationRequest{
		Reference: ref,
		Status:    &status,
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrStaleReference.Code, appErr.Code)
	assert.Empty(t, notifier.sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispensationExpireNotifiesOnlyOnTransition(t *testing.T) {
	svc, repo, notifier, mock, cleanup := newDispServiceMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, svc.Expire(context.Background(), 7))
	assert.Equal(t, models.DispensationStatusExpired, repo.updated.Status)
	assert.Equal(t, "system", repo.updated.ModifiedBy)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, models.NotificationExpired, notifier.sent[0].Kind)

	mock.ExpectBegin()
	mock.ExpectCommit()

	// Expiring an already expired record stays silent.
	require.NoError(t, svc.Expire(context.Background(), 7))
	assert.Len(t, notifier.sent, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
