package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/labsafe/permit-api/internal/models"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

// UnitRepository handles persistence of the organizational unit tree.
type UnitRepository struct {
	db *sqlx.DB
}

// NewUnitRepository constructs the repository.
func NewUnitRepository(db *sqlx.DB) *UnitRepository {
	return &UnitRepository{db: db}
}

// Begin opens a transaction for a multi-step mutation.
func (r *UnitRepository) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin unit tx: %w", err)
	}
	return tx, nil
}

// FindByID returns a unit by id.
func (r *UnitRepository) FindByID(ctx context.Context, id int64) (*models.Unit, error) {
	var unit models.Unit
	err := r.db.GetContext(ctx, &unit,
		`SELECT id, name, parent_id, created_on FROM units WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "unit not found")
		}
		return nil, fmt.Errorf("find unit %d: %w", id, err)
	}
	return &unit, nil
}

// FindByIDTx resolves a unit by id inside a transaction. The relation
// reconciler addresses units by their numeric id rendered as a string.
func (r *UnitRepository) FindByIDTx(ctx context.Context, tx *sqlx.Tx, key string) (*models.Unit, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("invalid unit id %q", key))
	}
	var unit models.Unit
	if err := tx.GetContext(ctx, &unit,
		`SELECT id, name, parent_id, created_on FROM units WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("unit %d not found", id))
		}
		return nil, fmt.Errorf("find unit %d: %w", id, err)
	}
	return &unit, nil
}

// Insert persists a new unit.
func (r *UnitRepository) Insert(ctx context.Context, unit *models.Unit) error {
	const query = `INSERT INTO units (name, parent_id, created_on) VALUES ($1, $2, $3) RETURNING id`
	if err := r.db.QueryRowContext(ctx, query, unit.Name, unit.ParentID, unit.CreatedOn).Scan(&unit.ID); err != nil {
		return fmt.Errorf("insert unit %q: %w", unit.Name, err)
	}
	return nil
}

// ListAll returns every unit. The service builds the parent-id index
// from this snapshot for tree traversal.
func (r *UnitRepository) ListAll(ctx context.Context) ([]models.Unit, error) {
	var units []models.Unit
	if err := r.db.SelectContext(ctx, &units,
		`SELECT id, name, parent_id, created_on FROM units ORDER BY id ASC`); err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	return units, nil
}

// DeleteTx removes a single unit and its own relations. Tree ordering
// (children before parents) is the caller's responsibility.
func (r *UnitRepository) DeleteTx(ctx context.Context, tx *sqlx.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM dispensation_units WHERE unit_id = $1`, id); err != nil {
		return fmt.Errorf("delete unit %d dispensation links: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM units WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete unit %d: %w", id, err)
	}
	return nil
}

// CountAuthorizations reports how many authorizations a unit still owns.
// Units owning authorizations cannot be removed.
func (r *UnitRepository) CountAuthorizations(ctx context.Context, tx *sqlx.Tx, id int64) (int, error) {
	var count int
	if err := tx.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM authorizations WHERE unit_id = $1`, id); err != nil {
		return 0, fmt.Errorf("count unit %d authorizations: %w", id, err)
	}
	return count, nil
}

// NextAuthorizationSequence returns the next display-code sequence for
// a unit, derived from the count of codes already issued under it.
func (r *UnitRepository) NextAuthorizationSequence(ctx context.Context, tx *sqlx.Tx, id int64) (int, error) {
	var count int
	if err := tx.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM authorizations WHERE unit_id = $1`, id); err != nil {
		return 0, fmt.Errorf("sequence for unit %d: %w", id, err)
	}
	return count + 1, nil
}
