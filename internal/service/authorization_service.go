package service

import (
	"context"
	"errors"
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

// FeedCachePrefix scopes the redis keys holding expiring-record feeds.
const FeedCachePrefix = "feeds:expiring:"

type authorizationRepository interface {
	Begin(ctx context.Context) (*sqlx.Tx, error)
	FindByID(ctx context.Context, id int64) (*models.Authorization, error)
	FindByIDTx(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Authorization, error)
	FindByCode(ctx context.Context, authType models.AuthorizationType, code string) (*models.Authorization, error)
	Insert(ctx context.Context, tx *sqlx.Tx, auth *models.Authorization) error
	Update(ctx context.Context, tx *sqlx.Tx, auth *models.Authorization) error
	DeleteRelations(ctx context.Context, tx *sqlx.Tx, id int64) error
	Delete(ctx context.Context, tx *sqlx.Tx, id int64) error
	Holders(ctx context.Context, id int64) ([]models.Person, error)
	Rooms(ctx context.Context, id int64) ([]models.Room, error)
	Chemicals(ctx context.Context, id int64) ([]models.Chemical, error)
	Sources(ctx context.Context, id int64) ([]string, error)
}

type personResolver interface {
	FindBySciperTx(ctx context.Context, tx *sqlx.Tx, sciper string) (*models.Person, error)
	InsertTx(ctx context.Context, tx *sqlx.Tx, person *models.Person) error
}

type roomResolver interface {
	FindByNameTx(ctx context.Context, tx *sqlx.Tx, name string) (*models.Room, error)
}

type chemicalResolver interface {
	FindByCASTx(ctx context.Context, tx *sqlx.Tx, cas string) (*models.Chemical, error)
}

type unitReader interface {
	FindByID(ctx context.Context, id int64) (*models.Unit, error)
	NextAuthorizationSequence(ctx context.Context, tx *sqlx.Tx, id int64) (int, error)
}

// DirectoryClient resolves unknown scipers against the institutional
// person directory. Implementations return a not-found error for
// scipers the directory does not know.
type DirectoryClient interface {
	ResolvePerson(ctx context.Context, sciper string) (*models.Person, error)
}

type feedInvalidator interface {
	InvalidatePrefix(ctx context.Context, prefix string)
}

// AuthorizationService drives the chemical authorization lifecycle.
type AuthorizationService struct {
	repo      authorizationRepository
	persons   personResolver
	rooms     roomResolver
	chemicals chemicalResolver
	units     unitReader
	directory DirectoryClient
	cache     feedInvalidator
	signer    *reference.Signer
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewAuthorizationService constructs an AuthorizationService.
func NewAuthorizationService(
	repo authorizationRepository,
	persons personResolver,
	rooms roomResolver,
	chemicals chemicalResolver,
	units unitReader,
	directory DirectoryClient,
	cache feedInvalidator,
	signer *reference.Signer,
	validate *validator.Validate,
	logger *zap.Logger,
	now func() time.Time,
) *AuthorizationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &AuthorizationService{
		repo:      repo,
		persons:   persons,
		rooms:     rooms,
		chemicals: chemicals,
		units:     units,
		directory: directory,
		cache:     cache,
		signer:    signer,
		validator: validate,
		logger:    logger,
		now:       now,
	}
}

// Create issues a new chemical authorization with its initial holder,
// room and chemical links applied in one transaction. A duplicate
// (type, code) submission is absorbed as success: the surviving record
// is returned and the collision logged, which keeps upstream retries
// harmless at the cost of masking a genuine code collision.
func (s *AuthorizationService) Create(ctx context.Context, actor models.Identity, req dto.CreateAuthorizationRequest) (*models.AuthorizationDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid authorization payload")
	}

	unit, err := s.units.FindByID(ctx, req.UnitID)
	if err != nil {
		return nil, err
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

	code := req.Code
	if code == "" {
		seq, err := s.units.NextAuthorizationSequence(ctx, tx, unit.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to allocate authorization code")
		}
		code = fmt.Sprintf("%s-%03d", unit.Name, seq)
	}

	now := s.now().UTC()
	auth := &models.Authorization{
		Code:           code,
		Type:           models.AuthorizationTypeChemical,
		Status:         models.AuthorizationStatusActive,
		CreationDate:   now,
		ExpirationDate: req.ExpirationDate.UTC(),
		Renewals:       0,
		Authority:      req.Authority,
		UnitID:         unit.ID,
		CreatedBy:      actor.UserID,
		CreatedOn:      now,
		ModifiedBy:     actor.UserID,
		ModifiedOn:     now,
	}

	if err := s.repo.Insert(ctx, tx, auth); err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) && appErr.Code == appErrors.ErrConflict.Code {
			// Duplicate-submission retry: report the survivor as success.
			s.logger.Sugar().Warnw("authorization code collision absorbed",
				"code", code, "unit_id", unit.ID, "actor", actor.UserID)
			existing, findErr := s.repo.FindByCode(ctx, models.AuthorizationTypeChemical, code)
			if findErr != nil {
				return nil, findErr
			}
			return s.detail(ctx, existing)
		}
		return nil, err
	}

	if err := s.resolveHolders(ctx, tx, addKeys(req.Holders)); err != nil {
		return nil, err
	}
	if err := s.reconcile(ctx, tx, auth.ID, addKeys(req.Holders), addKeys(req.Rooms), addKeys(req.Chemicals), nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit authorization")
	}
	committed = true
	s.invalidateFeeds(ctx)

	return s.detail(ctx, auth)
}

// Update applies a renew/update mutation after verifying the echoed
// reference against the record's current content. Renewals follows the
// explicit override when present, otherwise increments exactly when the
// new expiration date moves later than the stored one; an increment
// past the last-notified count resets the notification clock.
func (s *AuthorizationService) Update(ctx context.Context, actor models.Identity, req dto.UpdateAuthorizationRequest) (*models.AuthorizationDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid authorization payload")
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

	auth, err := s.verifyReference(ctx, tx, req.Reference)
	if err != nil {
		return nil, err
	}

	newExpiration := auth.ExpirationDate
	if req.ExpirationDate != nil {
		newExpiration = req.ExpirationDate.UTC()
	}

	renewals := auth.Renewals
	if req.Renewals != nil {
		renewals = *req.Renewals
	} else if newExpiration.After(auth.ExpirationDate) {
		renewals = auth.Renewals + 1
	}

	if renewals > auth.NotifiedRenewals {
		auth.DateExpiryNotified = nil
	}

	auth.ExpirationDate = newExpiration
	auth.Renewals = renewals
	if req.Status != nil {
		auth.Status = models.AuthorizationStatus(*req.Status)
	}
	if req.Authority != nil {
		auth.Authority = *req.Authority
	}
	auth.ModifiedBy = actor.UserID
	auth.ModifiedOn = s.now().UTC()

	if err := s.repo.Update(ctx, tx, auth); err != nil {
		return nil, err
	}
	if err := s.reconcile(ctx, tx, auth.ID, req.Holders, req.Rooms, req.Chemicals, req.Sources); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit authorization update")
	}
	committed = true
	s.invalidateFeeds(ctx)

	return s.detail(ctx, auth)
}

// Expire flips an authorization to Expired. No reference check: this is
// the trusted scanner path, not externally reachable.
func (s *AuthorizationService) Expire(ctx context.Context, id int64) error {
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

	auth, err := s.repo.FindByIDTx(ctx, tx, id)
	if err != nil {
		return err
	}
	auth.Status = models.AuthorizationStatusExpired
	auth.ModifiedBy = "system"
	auth.ModifiedOn = s.now().UTC()
	if err := s.repo.Update(ctx, tx, auth); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit expiry")
	}
	committed = true
	s.invalidateFeeds(ctx)
	return nil
}

// Delete verifies the reference, removes every child relation and then
// the owning row.
func (s *AuthorizationService) Delete(ctx context.Context, actor models.Identity, req dto.DeleteRequest) error {
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

	auth, err := s.verifyReference(ctx, tx, req.Reference)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRelations(ctx, tx, auth.ID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, tx, auth.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit authorization delete")
	}
	committed = true
	s.invalidateFeeds(ctx)

	s.logger.Sugar().Infow("authorization deleted", "code", auth.Code, "actor", actor.UserID)
	return nil
}

// Detail returns the authorization with its relations and a freshly
// minted reference.
func (s *AuthorizationService) Detail(ctx context.Context, id int64) (*models.AuthorizationDetail, error) {
	auth, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, auth)
}

func (s *AuthorizationService) detail(ctx context.Context, auth *models.Authorization) (*models.AuthorizationDetail, error) {
	canonical, err := reference.Canonicalize(auth.Canonical())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to canonicalize authorization")
	}
	ref, err := s.signer.Sign(auth.ID, canonical)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign authorization reference")
	}

	holders, err := s.repo.Holders(ctx, auth.ID)
	if err != nil {
		return nil, err
	}
	rooms, err := s.repo.Rooms(ctx, auth.ID)
	if err != nil {
		return nil, err
	}
	chemicals, err := s.repo.Chemicals(ctx, auth.ID)
	if err != nil {
		return nil, err
	}
	sources, err := s.repo.Sources(ctx, auth.ID)
	if err != nil {
		return nil, err
	}

	return &models.AuthorizationDetail{
		Authorization: *auth,
		Reference:     ref,
		Holders:       holders,
		Rooms:         rooms,
		Chemicals:     chemicals,
		Sources:       sources,
	}, nil
}

// verifyReference decodes the echoed reference and checks its content
// signature against the row as read inside the current transaction.
func (s *AuthorizationService) verifyReference(ctx context.Context, tx *sqlx.Tx, ref reference.Ref) (*models.Authorization, error) {
	id, signature, err := s.signer.Decode(ref)
	if err != nil {
		return nil, err
	}
	auth, err := s.repo.FindByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	canonical, err := reference.Canonicalize(auth.Canonical())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to canonicalize authorization")
	}
	if !s.signer.Matches(canonical, signature) {
		return nil, appErrors.Clone(appErrors.ErrStaleReference, "")
	}
	return auth, nil
}

// resolveHolders makes sure every added holder sciper exists as a
// person, consulting the directory for unknown ones. Holders described
// by Remove changes are left to the reconciler's tolerant path.
func (s *AuthorizationService) resolveHolders(ctx context.Context, tx *sqlx.Tx, changes []models.RelationChange) error {
	for _, change := range changes {
		if change.Action != models.RelationAdd {
			continue
		}
		_, err := s.persons.FindBySciperTx(ctx, tx, change.Key)
		if err == nil {
			continue
		}
		var appErr *appErrors.Error
		if !errors.As(err, &appErr) || appErr.Code != appErrors.ErrNotFound.Code {
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

func (s *AuthorizationService) reconcile(ctx context.Context, tx *sqlx.Tx, ownerID int64, holders, rooms, chemicals, sources []models.RelationChange) error {
	if len(holders) > 0 {
		if err := s.resolveHolders(ctx, tx, holders); err != nil {
			return err
		}
		spec := repository.JoinSpec{
			Table: "authorization_holders", OwnerColumn: "authorization_id", TargetColumn: "person_id",
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
			Table: "authorization_rooms", OwnerColumn: "authorization_id", TargetColumn: "room_id",
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
	if len(chemicals) > 0 {
		spec := repository.JoinSpec{
			Table: "authorization_chemicals", OwnerColumn: "authorization_id", TargetColumn: "chemical_id",
			Resolve: func(ctx context.Context, tx *sqlx.Tx, key string) (interface{}, error) {
				chemical, err := s.chemicals.FindByCASTx(ctx, tx, key)
				if err != nil {
					return nil, err
				}
				return chemical.ID, nil
			},
		}
		if err := repository.ReconcileRelations(ctx, tx, ownerID, spec, chemicals); err != nil {
			return err
		}
	}
	if len(sources) > 0 {
		spec := repository.JoinSpec{
			Table: "authorization_sources", OwnerColumn: "authorization_id", TargetColumn: "source",
			Resolve: func(_ context.Context, _ *sqlx.Tx, key string) (interface{}, error) {
				return key, nil
			},
		}
		if err := repository.ReconcileRelations(ctx, tx, ownerID, spec, sources); err != nil {
			return err
		}
	}
	return nil
}

func (s *AuthorizationService) invalidateFeeds(ctx context.Context) {
	if s.cache != nil {
		s.cache.InvalidatePrefix(ctx, FeedCachePrefix)
	}
}

func addKeys(keys []string) []models.RelationChange {
	changes := make([]models.RelationChange, 0, len(keys))
	for _, key := range keys {
		changes = append(changes, models.RelationChange{Action: models.RelationAdd, Key: key})
	}
	return changes
}
