package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/labsafe/permit-api/internal/dto"
	"github.com/labsafe/permit-api/internal/models"
	"github.com/labsafe/permit-api/internal/repository"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
	"github.com/labsafe/permit-api/pkg/reference"
)

type dispensationRepository interface {
	Begin(ctx context.Context) (*sqlx.Tx, error)
	FindByID(ctx context.Context, id int64) (*models.Dispensation, error)
	FindByIDTx(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Dispensation, error)
	Insert(ctx context.Context, tx *sqlx.Tx, disp *models.Dispensation) error
	AssignCode(ctx context.Context, tx *sqlx.Tx, id int64, code string) error
	Update(ctx context.Context, tx *sqlx.Tx, disp *models.Dispensation) error
	DeleteRelations(ctx context.Context, tx *sqlx.Tx, id int64) error
	Delete(ctx context.Context, tx *sqlx.Tx, id int64) error
	FindSubject(ctx context.Context, id int64) (*models.DispensationSubject, error)
	Holders(ctx context.Context, id int64) ([]models.Person, error)
	Rooms(ctx context.Context, id int64) ([]models.Room, error)
	Units(ctx context.Context, id int64) ([]models.Unit, error)
	Tickets(ctx context.Context, id int64) ([]string, error)
}

type unitResolver interface {
	FindByIDTx(ctx context.Context, tx *sqlx.Tx, key string) (*models.Unit, error)
}

// Notification is the payload handed to the notifier once a lifecycle
// decision selects a template kind. Delivery is best-effort and happens
// after the owning transaction commits.
type Notification struct {
	Kind       models.NotificationKind
	RecordCode string
	Recipients []string
	Fields     map[string]interface{}
}

// Notifier dispatches lifecycle notifications. The core only decides
// whether and which kind fires, never the delivery mechanics.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// DispensationService drives the dispensation lifecycle.
type DispensationService struct {
	repo      dispensationRepository
	persons   personResolver
	rooms     roomResolver
	units     unitResolver
	directory DirectoryClient
	cache     feedInvalidator
	notifier  Notifier
	signer    *reference.Signer
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
	location  *time.Location
}

// NewDispensationService constructs a DispensationService.
func NewDispensationService(
	repo dispensationRepository,
	persons personResolver,
	rooms roomResolver,
	units unitResolver,
	directory DirectoryClient,
	cache feedInvalidator,
	notifier Notifier,
	signer *reference.Signer,
	validate *validator.Validate,
	logger *zap.Logger,
	now func() time.Time,
	location *time.Location,
) *DispensationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	if location == nil {
		location = time.Local
	}
	return &DispensationService{
		repo:      repo,
		persons:   persons,
		rooms:     rooms,
		units:     units,
		directory: directory,
		cache:     cache,
		notifier:  notifier,
		signer:    signer,
		validator: validate,
		logger:    logger,
		now:       now,
		location:  location,
	}
}

// Create inserts a new dispensation. Code assignment is two-phase
// inside one transaction: the row is inserted with a placeholder to
// obtain the generated id, then the DISP-<id> display code embedding
// that id is written back.
func (s *DispensationService) Create(ctx context.Context, actor models.Identity, req dto.CreateDispensationRequest) (*models.DispensationDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid dispensation payload")
	}
	if err := s.checkSubject(ctx, req.SubjectID, req.OtherSubject); err != nil {
		return nil, err
	}
	if !req.DateEnd.After(req.DateStart) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "date_end must be after date_start")
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := s.now().UTC()
	disp := &models.Dispensation{
		Code:         "DISP-PENDING",
		Status:       models.DispensationStatus(req.Status),
		SubjectID:    req.SubjectID,
		OtherSubject: req.OtherSubject,
		Requires:     req.Requires,
		Comment:      req.Comment,
		DateStart:    req.DateStart.UTC(),
		DateEnd:      req.DateEnd.UTC(),
		Renewals:     0,
		FilePath:     req.FilePath,
		CreatedBy:    actor.UserID,
		CreatedOn:    now,
		ModifiedBy:   actor.UserID,
		ModifiedOn:   now,
	}

	if err := s.repo.Insert(ctx, tx, disp); err != nil {
		return nil, err
	}
	disp.Code = fmt.Sprintf("DISP-%d", disp.ID)
	if err := s.repo.AssignCode(ctx, tx, disp.ID, disp.Code); err != nil {
		return nil, err
	}

	if err := s.reconcile(ctx, tx, disp.ID,
		addKeys(req.Holders), addKeys(req.Rooms), addKeys(req.Units), addKeys(req.Tickets)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit dispensation")
	}
	committed = true
	s.invalidateFeeds(ctx)

	return s.detail(ctx, disp)
}

// Update applies a mutation after verifying the echoed reference.
// Renewals increments exactly when the new end date moves strictly
// later than the stored one, both normalized to fixed noon in the
// service's location so truncated time components cannot produce
// off-by-one-day effects. Exactly one notification kind is selected
// per update by an ordered decision list and dispatched after commit.
func (s *DispensationService) Update(ctx context.Context, actor models.Identity, req dto.UpdateDispensationRequest) (*models.DispensationDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid dispensation payload")
	}
	for _, ticket := range req.Tickets {
		if ticket.Action != models.RelationAdd {
			return nil, appErrors.Clone(appErrors.ErrValidation, "tickets are append-only")
		}
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	disp, err := s.verifyReference(ctx, tx, req.Reference)
	if err != nil {
		return nil, err
	}

	oldStatus := disp.Status
	oldRenewals := disp.Renewals

	newEnd := disp.DateEnd
	if req.DateEnd != nil {
		newEnd = req.DateEnd.UTC()
	}

	renewals := disp.Renewals
	if req.Renewals != nil {
		renewals = *req.Renewals
	} else if s.atNoon(newEnd).After(s.atNoon(disp.DateEnd)) {
		renewals = disp.Renewals + 1
	}
	if renewals > disp.NotifiedRenewals {
		disp.DateExpiryNotified = nil
	}

	if req.Status != nil {
		disp.Status = models.DispensationStatus(*req.Status)
	}
	if req.SubjectID != nil || req.OtherSubject != nil {
		subjectID := disp.SubjectID
		other := disp.OtherSubject
		if req.SubjectID != nil {
			subjectID = req.SubjectID
			other = ""
		}
		if req.OtherSubject != nil {
			other = *req.OtherSubject
			if other != "" {
				subjectID = nil
			}
		}
		if err := s.checkSubject(ctx, subjectID, other); err != nil {
			return nil, err
		}
		disp.SubjectID = subjectID
		disp.OtherSubject = other
	}
	if req.Requires != nil {
		disp.Requires = *req.Requires
	}
	if req.Comment != nil {
		disp.Comment = *req.Comment
	}
	if req.DateStart != nil {
		disp.DateStart = req.DateStart.UTC()
	}
	if req.FilePath != nil {
		disp.FilePath = *req.FilePath
	}
	disp.DateEnd = newEnd
	disp.Renewals = renewals
	disp.ModifiedBy = actor.UserID
	disp.ModifiedOn = s.now().UTC()

	if err := s.repo.Update(ctx, tx, disp); err != nil {
		return nil, err
	}
	if err := s.reconcile(ctx, tx, disp.ID, req.Holders, req.Rooms, req.Units, req.Tickets); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit dispensation update")
	}
	committed = true
	s.invalidateFeeds(ctx)

	if kind := notificationKind(oldStatus, disp.Status, oldRenewals, disp.Renewals); kind != models.NotificationNone {
		s.dispatch(ctx, kind, disp)
	}

	return s.detail(ctx, disp)
}

// Expire flips a dispensation to Expired. Trusted scanner path.
func (s *DispensationService) Expire(ctx context.Context, id int64) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	disp, err := s.repo.FindByIDTx(ctx, tx, id)
	if err != nil {
		return err
	}
	oldStatus := disp.Status
	disp.Status = models.DispensationStatusExpired
	disp.ModifiedBy = "system"
	disp.ModifiedOn = s.now().UTC()
	if err := s.repo.Update(ctx, tx, disp); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit expiry")
	}
	committed = true
	s.invalidateFeeds(ctx)

	if oldStatus != models.DispensationStatusExpired {
		s.dispatch(ctx, models.NotificationExpired, disp)
	}
	return nil
}

// Delete verifies the reference, removes every child relation and then
// the owning row.
func (s *DispensationService) Delete(ctx context.Context, actor models.Identity, req dto.DeleteRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid delete payload")
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	disp, err := s.verifyReference(ctx, tx, req.Reference)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRelations(ctx, tx, disp.ID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, tx, disp.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit dispensation delete")
	}
	committed = true
	s.invalidateFeeds(ctx)

	s.logger.Sugar().Infow("dispensation deleted", "code", disp.Code, "actor", actor.UserID)
	return nil
}

// Detail returns the dispensation with its relations and a freshly
// minted reference.
func (s *DispensationService) Detail(ctx context.Context, id int64) (*models.DispensationDetail, error) {
	disp, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, disp)
}

// notificationKind selects the template fired by an update. The list is
// ordered; the first matching branch wins and only one notification
// fires per update.
func notificationKind(oldStatus, newStatus models.DispensationStatus, oldRenewals, newRenewals int) models.NotificationKind {
	switch {
	case newRenewals > oldRenewals && newStatus == models.DispensationStatusActive:
		return models.NotificationRenewed
	case oldStatus == models.DispensationStatusDraft && newStatus == models.DispensationStatusActive:
		return models.NotificationNew
	case newStatus == models.DispensationStatusActive:
		return models.NotificationModified
	case newStatus == models.DispensationStatusExpired && oldStatus != models.DispensationStatusExpired:
		return models.NotificationExpired
	case newStatus == models.DispensationStatusCancelled && oldStatus != models.DispensationStatusCancelled:
		return models.NotificationCancelled
	}
	return models.NotificationNone
}

// atNoon pins a date to fixed noon in the service's location. Both
// sides of the renewal comparison go through this so day boundaries
// survive timezone and DST skew.
func (s *DispensationService) atNoon(t time.Time) time.Time {
	year, month, day := t.In(s.location).Date()
	return time.Date(year, month, day, 12, 0, 0, 0, s.location)
}

func (s *DispensationService) checkSubject(ctx context.Context, subjectID *int64, otherSubject string) error {
	if subjectID == nil && otherSubject == "" {
		return appErrors.Clone(appErrors.ErrValidation, "either subject_id or other_subject is required")
	}
	if subjectID != nil && otherSubject != "" {
		return appErrors.Clone(appErrors.ErrValidation, "subject_id and other_subject are mutually exclusive")
	}
	if subjectID != nil {
		if _, err := s.repo.FindSubject(ctx, *subjectID); err != nil {
			return err
		}
	}
	return nil
}

func (s *DispensationService) verifyReference(ctx context.Context, tx *sqlx.Tx, ref reference.Ref) (*models.Dispensation, error) {
	id, signature, err := s.signer.Decode(ref)
	if err != nil {
		return nil, err
	}
	disp, err := s.repo.FindByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	canonical, err := reference.Canonicalize(disp.Canonical())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to canonicalize dispensation")
	}
	if !s.signer.Matches(canonical, signature) {
		return nil, appErrors.Clone(appErrors.ErrStaleReference, "")
	}
	return disp, nil
}

func (s *DispensationService) detail(ctx context.Context, disp *models.Dispensation) (*models.DispensationDetail, error) {
	canonical, err := reference.Canonicalize(disp.Canonical())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to canonicalize dispensation")
	}
	ref, err := s.signer.Sign(disp.ID, canonical)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign dispensation reference")
	}

	holders, err := s.repo.Holders(ctx, disp.ID)
	if err != nil {
		return nil, err
	}
	rooms, err := s.repo.Rooms(ctx, disp.ID)
	if err != nil {
		return nil, err
	}
	units, err := s.repo.Units(ctx, disp.ID)
	if err != nil {
		return nil, err
	}
	tickets, err := s.repo.Tickets(ctx, disp.ID)
	if err != nil {
		return nil, err
	}

	detail := &models.DispensationDetail{
		Dispensation: *disp,
		Reference:    ref,
		Holders:      holders,
		Rooms:        rooms,
		Units:        units,
		Tickets:      tickets,
	}
	if disp.SubjectID != nil {
		subject, err := s.repo.FindSubject(ctx, *disp.SubjectID)
		if err == nil {
			detail.Subject = subject.Name
		}
	}
	return detail, nil
}

func (s *DispensationService) reconcile(ctx context.Context, tx *sqlx.Tx, ownerID int64, holders, rooms, units, tickets []models.RelationChange) error {
	if len(holders) > 0 {
		if err := s.resolveHolders(ctx, tx, holders); err != nil {
			return err
		}
		spec := repository.JoinSpec{
			Table: "dispensation_holders", OwnerColumn: "dispensation_id", TargetColumn: "person_id",
			Resolve: func(ctx context.Context, tx *sqlx.Tx, key string) (interface{}, error) {
				person, err := s.persons.FindBySciperTx(ctx, tx, key)
				if err != nil {
					return nil, err
				}
				return person.ID, nil
			},
		}
		if err := repository.ReconcileRelations(ctx, tx, ownerID, spec, holders); err != nil {
			return err
		}
	}
	if len(rooms) > 0 {
		spec := repository.JoinSpec{
			Table: "dispensation_rooms", OwnerColumn: "dispensation_id", TargetColumn: "room_id",
			Resolve: func(ctx context.Context, tx *sqlx.Tx, key string) (interface{}, error) {
				room, err := s.rooms.FindByNameTx(ctx, tx, key)
				if err != nil {
					return nil, err
				}
				return room.ID, nil
			},
		}
		if err := repository.ReconcileRelations(ctx, tx, ownerID, spec, rooms); err != nil {
			return err
		}
	}
	if len(units) > 0 {
		spec := repository.JoinSpec{
			Table: "dispensation_units", OwnerColumn: "dispensation_id", TargetColumn: "unit_id",
			Resolve: func(ctx context.Context, tx *sqlx.Tx, key string) (interface{}, error) {
				unit, err := s.units.FindByIDTx(ctx, tx, key)
				if err != nil {
					return nil, err
				}
				return unit.ID, nil
			},
		}
		if err := repository.ReconcileRelations(ctx, tx, ownerID, spec, units); err != nil {
			return err
		}
	}
	if len(tickets) > 0 {
		spec := repository.JoinSpec{
			Table: "dispensation_tickets", OwnerColumn: "dispensation_id", TargetColumn: "ticket",
			Resolve: func(_ context.Context, _ *sqlx.Tx, key string) (interface{}, error) {
				return key, nil
			},
		}
		if err := repository.ReconcileRelations(ctx, tx, ownerID, spec, tickets); err != nil {
			return err
		}
	}
	return nil
}

// resolveHolders mirrors the authorization-side holder resolution.
func (s *DispensationService) resolveHolders(ctx context.Context, tx *sqlx.Tx, changes []models.RelationChange) error {
	for _, change := range changes {
		if change.Action != models.RelationAdd {
			continue
		}
		_, err := s.persons.FindBySciperTx(ctx, tx, change.Key)
		if err == nil {
			continue
		}
		if !isNotFound(err) {
			return err
		}
		person, err := s.directory.ResolvePerson(ctx, change.Key)
		if err != nil {
			return err
		}
		if err := s.persons.InsertTx(ctx, tx, person); err != nil {
			return err
		}
	}
	return nil
}

func (s *DispensationService) dispatch(ctx context.Context, kind models.NotificationKind, disp *models.Dispensation) {
	if s.notifier == nil {
		return
	}
	holders, err := s.repo.Holders(ctx, disp.ID)
	if err != nil {
		s.logger.Sugar().Warnw("notification recipients unavailable", "code", disp.Code, "error", err)
		holders = nil
	}
	recipients := make([]string, 0, len(holders))
	for _, holder := range holders {
		if holder.Email != "" {
			recipients = append(recipients, holder.Email)
		}
	}
	s.notifier.Notify(ctx, Notification{
		Kind:       kind,
		RecordCode: disp.Code,
		Recipients: recipients,
		Fields: map[string]interface{}{
			"status":   string(disp.Status),
			"date_end": disp.DateEnd.UTC().Format(time.RFC3339),
			"renewals": disp.Renewals,
		},
	})
}

func (s *DispensationService) invalidateFeeds(ctx context.Context) {
	if s.cache != nil {
		s.cache.InvalidatePrefix(ctx, FeedCachePrefix)
	}
}

func isNotFound(err error) bool {
	appErr := appErrors.FromError(err)
	return appErr != nil && appErr.Code == appErrors.ErrNotFound.Code
}
