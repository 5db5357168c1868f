package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/labsafe/permit-api/internal/models"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

const pqUniqueViolation = "23505"

const authorizationColumns = `id, authorization, type, status, creation_date, expiration_date,
	renewals, authority, date_expiry_notified, notified_renewals, unit_id,
	created_by, created_on, modified_by, modified_on`

// AuthorizationRepository handles persistence of chemical authorizations
// and their child relations.
type AuthorizationRepository struct {
	db *sqlx.DB
}

// NewAuthorizationRepository constructs the repository.
func NewAuthorizationRepository(db *sqlx.DB) *AuthorizationRepository {
	return &AuthorizationRepository{db: db}
}

// Begin opens a transaction for a multi-step mutation.
func (r *AuthorizationRepository) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin authorization tx: %w", err)
	}
	return tx, nil
}

// FindByID returns an authorization by internal id.
func (r *AuthorizationRepository) FindByID(ctx context.Context, id int64) (*models.Authorization, error) {
	query := fmt.Sprintf(`SELECT %s FROM authorizations WHERE id = $1`, authorizationColumns)
	var auth models.Authorization
	if err := r.db.GetContext(ctx, &auth, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "authorization not found")
		}
		return nil, fmt.Errorf("find authorization %d: %w", id, err)
	}
	return &auth, nil
}

// FindByIDTx reads the authorization inside the caller's transaction so
// the stale-reference check and the following write see the same row.
func (r *AuthorizationRepository) FindByIDTx(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Authorization, error) {
	query := fmt.Sprintf(`SELECT %s FROM authorizations WHERE id = $1`, authorizationColumns)
	var auth models.Authorization
	if err := tx.GetContext(ctx, &auth, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "authorization not found")
		}
		return nil, fmt.Errorf("find authorization %d: %w", id, err)
	}
	return &auth, nil
}

// FindByCode returns an authorization by its natural key. Used to
// resolve the survivor when a duplicate-submission retry trips the
// unique constraint.
func (r *AuthorizationRepository) FindByCode(ctx context.Context, authType models.AuthorizationType, code string) (*models.Authorization, error) {
	query := fmt.Sprintf(`SELECT %s FROM authorizations WHERE type = $1 AND authorization = $2`, authorizationColumns)
	var auth models.Authorization
	if err := r.db.GetContext(ctx, &auth, query, authType, code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "authorization not found")
		}
		return nil, fmt.Errorf("find authorization %q: %w", code, err)
	}
	return &auth, nil
}

// Insert persists a new authorization row and fills the generated id.
// A duplicate (type, code) pair surfaces as ErrConflict so the caller
// can decide whether to absorb the retry.
func (r *AuthorizationRepository) Insert(ctx context.Context, tx *sqlx.Tx, auth *models.Authorization) error {
	const query = `INSERT INTO authorizations
		(authorization, type, status, creation_date, expiration_date, renewals, authority,
		 notified_renewals, unit_id, created_by, created_on, modified_by, modified_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`
	err := tx.QueryRowContext(ctx, query,
		auth.Code, auth.Type, auth.Status, auth.CreationDate, auth.ExpirationDate,
		auth.Renewals, auth.Authority, auth.NotifiedRenewals, auth.UnitID,
		auth.CreatedBy, auth.CreatedOn, auth.ModifiedBy, auth.ModifiedOn,
	).Scan(&auth.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("authorization %q already exists", auth.Code))
		}
		return fmt.Errorf("insert authorization %q: %w", auth.Code, err)
	}
	return nil
}

// Update writes the mutable fields of an authorization.
func (r *AuthorizationRepository) Update(ctx context.Context, tx *sqlx.Tx, auth *models.Authorization) error {
	const query = `UPDATE authorizations SET
		status = $1, expiration_date = $2, renewals = $3, authority = $4,
		date_expiry_notified = $5, notified_renewals = $6, modified_by = $7, modified_on = $8
		WHERE id = $9`
	if _, err := tx.ExecContext(ctx, query,
		auth.Status, auth.ExpirationDate, auth.Renewals, auth.Authority,
		auth.DateExpiryNotified, auth.NotifiedRenewals, auth.ModifiedBy, auth.ModifiedOn, auth.ID,
	); err != nil {
		return fmt.Errorf("update authorization %d: %w", auth.ID, err)
	}
	return nil
}

// DeleteRelations removes every child relation of the authorization.
func (r *AuthorizationRepository) DeleteRelations(ctx context.Context, tx *sqlx.Tx, id int64) error {
	for _, table := range []string{
		"authorization_holders", "authorization_rooms",
		"authorization_chemicals", "authorization_sources",
	} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE authorization_id = $1", table), id); err != nil {
			return fmt.Errorf("delete %s for authorization %d: %w", table, id, err)
		}
	}
	return nil
}

// Delete removes the authorization row itself.
func (r *AuthorizationRepository) Delete(ctx context.Context, tx *sqlx.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM authorizations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete authorization %d: %w", id, err)
	}
	return nil
}

// FindExpiring classifies active authorizations against the threshold.
// A non-zero threshold is the advance-warning scan and only returns
// records never yet notified; the zero threshold is the past-due scan
// and ignores notification history because expiry itself must not be
// suppressed by a prior reminder.
func (r *AuthorizationRepository) FindExpiring(ctx context.Context, now time.Time, thresholdDays int) ([]models.Authorization, error) {
	cutoff := now.AddDate(0, 0, thresholdDays)
	query := fmt.Sprintf(`SELECT %s FROM authorizations WHERE status = $1 AND expiration_date < $2`, authorizationColumns)
	args := []interface{}{models.AuthorizationStatusActive, cutoff}
	if thresholdDays != 0 {
		query += ` AND date_expiry_notified IS NULL`
	}
	query += ` ORDER BY expiration_date ASC`

	var records []models.Authorization
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("scan expiring authorizations: %w", err)
	}
	return records, nil
}

// MarkNotified stamps the expiry reminder timestamp and remembers the
// renewal count at notification time so a later renewal can reset it.
func (r *AuthorizationRepository) MarkNotified(ctx context.Context, id int64, at time.Time, renewals int) error {
	const query = `UPDATE authorizations SET date_expiry_notified = $1, notified_renewals = $2 WHERE id = $3`
	if _, err := r.db.ExecContext(ctx, query, at, renewals, id); err != nil {
		return fmt.Errorf("mark authorization %d notified: %w", id, err)
	}
	return nil
}

// Holders lists the persons linked to the authorization.
func (r *AuthorizationRepository) Holders(ctx context.Context, id int64) ([]models.Person, error) {
	const query = `SELECT p.id, p.sciper, p.first_name, p.last_name, p.email
		FROM persons p JOIN authorization_holders ah ON ah.person_id = p.id
		WHERE ah.authorization_id = $1 ORDER BY p.sciper ASC`
	var holders []models.Person
	if err := r.db.SelectContext(ctx, &holders, query, id); err != nil {
		return nil, fmt.Errorf("list authorization holders: %w", err)
	}
	return holders, nil
}

// Rooms lists the rooms linked to the authorization.
func (r *AuthorizationRepository) Rooms(ctx context.Context, id int64) ([]models.Room, error) {
	const query = `SELECT rm.id, rm.name
		FROM rooms rm JOIN authorization_rooms ar ON ar.room_id = rm.id
		WHERE ar.authorization_id = $1 ORDER BY rm.name ASC`
	var rooms []models.Room
	if err := r.db.SelectContext(ctx, &rooms, query, id); err != nil {
		return nil, fmt.Errorf("list authorization rooms: %w", err)
	}
	return rooms, nil
}

// Chemicals lists the chemicals linked to the authorization.
func (r *AuthorizationRepository) Chemicals(ctx context.Context, id int64) ([]models.Chemical, error) {
	const query = `SELECT ch.id, ch.cas, ch.name_en
		FROM chemicals ch JOIN authorization_chemicals ac ON ac.chemical_id = ch.id
		WHERE ac.authorization_id = $1 ORDER BY ch.cas ASC`
	var chemicals []models.Chemical
	if err := r.db.SelectContext(ctx, &chemicals, query, id); err != nil {
		return nil, fmt.Errorf("list authorization chemicals: %w", err)
	}
	return chemicals, nil
}

// Sources lists the free-text radiation sources linked to the
// authorization.
func (r *AuthorizationRepository) Sources(ctx context.Context, id int64) ([]string, error) {
	const query = `SELECT source FROM authorization_sources WHERE authorization_id = $1 ORDER BY source ASC`
	var sources []string
	if err := r.db.SelectContext(ctx, &sources, query, id); err != nil {
		return nil, fmt.Errorf("list authorization sources: %w", err)
	}
	return sources, nil
}
