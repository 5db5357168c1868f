package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/labsafe/permit-api/internal/models"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

const dispensationColumns = `id, dispensation, status, subject_id, other_subject, requires,
	comment, date_start, date_end, renewals, file_path, date_expiry_notified,
	notified_renewals, created_by, created_on, modified_by, modified_on`

// DispensationRepository handles persistence of dispensations and their
// child relations.
type DispensationRepository struct {
	db *sqlx.DB
}

// NewDispensationRepository constructs the repository.
func NewDispensationRepository(db *sqlx.DB) *DispensationRepository {
	return &DispensationRepository{db: db}
}

// Begin opens a transaction for a multi-step mutation.
func (r *DispensationRepository) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dispensation tx: %w", err)
	}
	return tx, nil
}

// FindByID returns a dispensation by internal id.
func (r *DispensationRepository) FindByID(ctx context.Context, id int64) (*models.Dispensation, error) {
	query := fmt.Sprintf(`SELECT %s FROM dispensations WHERE id = $1`, dispensationColumns)
	var disp models.Dispensation
	if err := r.db.GetContext(ctx, &disp, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "dispensation not found")
		}
		return nil, fmt.Errorf("find dispensation %d: %w", id, err)
	}
	return &disp, nil
}

// FindByIDTx reads the dispensation inside the caller's transaction.
func (r *DispensationRepository) FindByIDTx(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Dispensation, error) {
	query := fmt.Sprintf(`SELECT %s FROM dispensations WHERE id = $1`, dispensationColumns)
	var disp models.Dispensation
	if err := tx.GetContext(ctx, &disp, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "dispensation not found")
		}
		return nil, fmt.Errorf("find dispensation %d: %w", id, err)
	}
	return &disp, nil
}

// Insert persists a new dispensation with a placeholder code and fills
// the generated id. The caller assigns the real DISP-<id> code with
// AssignCode inside the same transaction.
func (r *DispensationRepository) Insert(ctx context.Context, tx *sqlx.Tx, disp *models.Dispensation) error {
	const query = `INSERT INTO dispensations
		(dispensation, status, subject_id, other_subject, requires, comment,
		 date_start, date_end, renewals, file_path, notified_renewals,
		 created_by, created_on, modified_by, modified_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`
	err := tx.QueryRowContext(ctx, query,
		disp.Code, disp.Status, disp.SubjectID, disp.OtherSubject, disp.Requires, disp.Comment,
		disp.DateStart, disp.DateEnd, disp.Renewals, disp.FilePath, disp.NotifiedRenewals,
		disp.CreatedBy, disp.CreatedOn, disp.ModifiedBy, disp.ModifiedOn,
	).Scan(&disp.ID)
	if err != nil {
		return fmt.Errorf("insert dispensation: %w", err)
	}
	return nil
}

// AssignCode is the second phase of creation: once the generated id is
// known, the display code embedding it is written back.
func (r *DispensationRepository) AssignCode(ctx context.Context, tx *sqlx.Tx, id int64, code string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE dispensations SET dispensation = $1 WHERE id = $2`, code, id); err != nil {
		return fmt.Errorf("assign dispensation code %q: %w", code, err)
	}
	return nil
}

// Update writes the mutable fields of a dispensation.
func (r *DispensationRepository) Update(ctx context.Context, tx *sqlx.Tx, disp *models.Dispensation) error {
	const query = `UPDATE dispensations SET
		status = $1, subject_id = $2, other_subject = $3, requires = $4, comment = $5,
		date_start = $6, date_end = $7, renewals = $8, file_path = $9,
		date_expiry_notified = $10, notified_renewals = $11, modified_by = $12, modified_on = $13
		WHERE id = $14`
	if _, err := tx.ExecContext(ctx, query,
		disp.Status, disp.SubjectID, disp.OtherSubject, disp.Requires, disp.Comment,
		disp.DateStart, disp.DateEnd, disp.Renewals, disp.FilePath,
		disp.DateExpiryNotified, disp.NotifiedRenewals, disp.ModifiedBy, disp.ModifiedOn, disp.ID,
	); err != nil {
		return fmt.Errorf("update dispensation %d: %w", disp.ID, err)
	}
	return nil
}

// DeleteRelations removes every child relation of the dispensation.
func (r *DispensationRepository) DeleteRelations(ctx context.Context, tx *sqlx.Tx, id int64) error {
	for _, table := range []string{
		"dispensation_holders", "dispensation_rooms",
		"dispensation_units", "dispensation_tickets",
	} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE dispensation_id = $1", table), id); err != nil {
			return fmt.Errorf("delete %s for dispensation %d: %w", table, id, err)
		}
	}
	return nil
}

// Delete removes the dispensation row itself.
func (r *DispensationRepository) Delete(ctx context.Context, tx *sqlx.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM dispensations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete dispensation %d: %w", id, err)
	}
	return nil
}

// FindExpiring mirrors the authorization scan for dispensations: the
// advance-warning scan (threshold != 0) skips records already notified,
// the past-due scan (threshold == 0) returns every overdue active
// record.
func (r *DispensationRepository) FindExpiring(ctx context.Context, now time.Time, thresholdDays int) ([]models.Dispensation, error) {
	cutoff := now.AddDate(0, 0, thresholdDays)
	query := fmt.Sprintf(`SELECT %s FROM dispensations WHERE status = $1 AND date_end < $2`, dispensationColumns)
	args := []interface{}{models.DispensationStatusActive, cutoff}
	if thresholdDays != 0 {
		query += ` AND date_expiry_notified IS NULL`
	}
	query += ` ORDER BY date_end ASC`

	var records []models.Dispensation
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("scan expiring dispensations: %w", err)
	}
	return records, nil
}

// MarkNotified stamps the expiry reminder timestamp and the renewal
// count at notification time.
func (r *DispensationRepository) MarkNotified(ctx context.Context, id int64, at time.Time, renewals int) error {
	const query = `UPDATE dispensations SET date_expiry_notified = $1, notified_renewals = $2 WHERE id = $3`
	if _, err := r.db.ExecContext(ctx, query, at, renewals, id); err != nil {
		return fmt.Errorf("mark dispensation %d notified: %w", id, err)
	}
	return nil
}

// FindSubject resolves one entry of the closed subject vocabulary.
func (r *DispensationRepository) FindSubject(ctx context.Context, id int64) (*models.DispensationSubject, error) {
	var subject models.DispensationSubject
	if err := r.db.GetContext(ctx, &subject, `SELECT id, name FROM dispensation_subjects WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "dispensation subject not found")
		}
		return nil, fmt.Errorf("find dispensation subject %d: %w", id, err)
	}
	return &subject, nil
}

// Holders lists the persons linked to the dispensation.
func (r *DispensationRepository) Holders(ctx context.Context, id int64) ([]models.Person, error) {
	const query = `SELECT p.id, p.sciper, p.first_name, p.last_name, p.email
		FROM persons p JOIN dispensation_holders dh ON dh.person_id = p.id
		WHERE dh.dispensation_id = $1 ORDER BY p.sciper ASC`
	var holders []models.Person
	if err := r.db.SelectContext(ctx, &holders, query, id); err != nil {
		return nil, fmt.Errorf("list dispensation holders: %w", err)
	}
	return holders, nil
}

// Rooms lists the rooms linked to the dispensation.
func (r *DispensationRepository) Rooms(ctx context.Context, id int64) ([]models.Room, error) {
	const query = `SELECT rm.id, rm.name
		FROM rooms rm JOIN dispensation_rooms dr ON dr.room_id = rm.id
		WHERE dr.dispensation_id = $1 ORDER BY rm.name ASC`
	var rooms []models.Room
	if err := r.db.SelectContext(ctx, &rooms, query, id); err != nil {
		return nil, fmt.Errorf("list dispensation rooms: %w", err)
	}
	return rooms, nil
}

// Units lists the units linked to the dispensation.
func (r *DispensationRepository) Units(ctx context.Context, id int64) ([]models.Unit, error) {
	const query = `SELECT u.id, u.name, u.parent_id, u.created_on
		FROM units u JOIN dispensation_units du ON du.unit_id = u.id
		WHERE du.dispensation_id = $1 ORDER BY u.name ASC`
	var units []models.Unit
	if err := r.db.SelectContext(ctx, &units, query, id); err != nil {
		return nil, fmt.Errorf("list dispensation units: %w", err)
	}
	return units, nil
}

// Tickets lists the external ticket references linked to the
// dispensation.
func (r *DispensationRepository) Tickets(ctx context.Context, id int64) ([]string, error) {
	const query = `SELECT ticket FROM dispensation_tickets WHERE dispensation_id = $1 ORDER BY ticket ASC`
	var tickets []string
	if err := r.db.SelectContext(ctx, &tickets, query, id); err != nil {
		return nil, fmt.Errorf("list dispensation tickets: %w", err)
	}
	return tickets, nil
}
