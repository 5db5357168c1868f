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
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

type unitRepository interface {
	Begin(ctx context.Context) (*sqlx.Tx, error)
	FindByID(ctx context.Context, id int64) (*models.Unit, error)
	Insert(ctx context.Context, unit *models.Unit) error
	ListAll(ctx context.Context) ([]models.Unit, error)
	DeleteTx(ctx context.Context, tx *sqlx.Tx, id int64) error
	CountAuthorizations(ctx context.Context, tx *sqlx.Tx, id int64) (int, error)
}

// UnitService manages the organizational unit tree.
type UnitService struct {
	repo      unitRepository
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewUnitService constructs a UnitService.
func NewUnitService(repo unitRepository, validate *validator.Validate, logger *zap.Logger, now func() time.Time) *UnitService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &UnitService{repo: repo, validator: validate, logger: logger, now: now}
}

// Create inserts a new unit, optionally under a parent.
func (s *UnitService) Create(ctx context.Context, req dto.CreateUnitRequest) (*models.Unit, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid unit payload")
	}
	if req.ParentID != nil {
		if _, err := s.repo.FindByID(ctx, *req.ParentID); err != nil {
			return nil, err
		}
	}
	unit := &models.Unit{
		Name:      req.Name,
		ParentID:  req.ParentID,
		CreatedOn: s.now().UTC(),
	}
	if err := s.repo.Insert(ctx, unit); err != nil {
		return nil, err
	}
	return unit, nil
}

// List returns the whole unit tree as a flat slice.
func (s *UnitService) List(ctx context.Context) ([]models.Unit, error) {
	return s.repo.ListAll(ctx)
}

// Delete removes a unit and its whole subtree. Children are collected
// from a parent-id index over a snapshot of the tree and deleted in
// post-order, so no row is ever orphaned mid-transaction. Any unit in
// the subtree still owning authorizations aborts the whole delete.
func (s *UnitService) Delete(ctx context.Context, id int64) error {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		return err
	}

	units, err := s.repo.ListAll(ctx)
	if err != nil {
		return err
	}
	children := make(map[int64][]int64, len(units))
	for _, unit := range units {
		if unit.ParentID != nil {
			children[*unit.ParentID] = append(children[*unit.ParentID], unit.ID)
		}
	}
	order := postOrder(id, children)

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

	for _, unitID := range order {
		count, err := s.repo.CountAuthorizations(ctx, tx, unitID)
		if err != nil {
			return err
		}
		if count > 0 {
			return appErrors.Clone(appErrors.ErrConflict,
				fmt.Sprintf("unit %d still owns %d authorizations", unitID, count))
		}
		if err := s.repo.DeleteTx(ctx, tx, unitID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit unit delete")
	}
	committed = true
	s.logger.Sugar().Infow("unit subtree deleted", "root", id, "units", len(order))
	return nil
}

// postOrder flattens the subtree rooted at id, children before parents.
func postOrder(id int64, children map[int64][]int64) []int64 {
	var order []int64
	for _, child := range children[id] {
		order = append(order, postOrder(child, children)...)
	}
	return append(order, id)
}
