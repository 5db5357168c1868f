package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/labsafe/permit-api/internal/models"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

// PersonRepository handles persistence of persons.
type PersonRepository struct {
	db *sqlx.DB
}

// NewPersonRepository constructs the repository.
func NewPersonRepository(db *sqlx.DB) *PersonRepository {
	return &PersonRepository{db: db}
}

// FindBySciperTx resolves a person by sciper inside a transaction.
func (r *PersonRepository) FindBySciperTx(ctx context.Context, tx *sqlx.Tx, sciper string) (*models.Person, error) {
	var person models.Person
	err := tx.GetContext(ctx, &person,
		`SELECT id, sciper, first_name, last_name, email FROM persons WHERE sciper = $1`, sciper)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("person %s not found", sciper))
		}
		return nil, fmt.Errorf("find person %s: %w", sciper, err)
	}
	return &person, nil
}

// InsertTx persists a new person resolved from the directory.
func (r *PersonRepository) InsertTx(ctx context.Context, tx *sqlx.Tx, person *models.Person) error {
	const query = `INSERT INTO persons (sciper, first_name, last_name, email)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sciper) DO UPDATE SET email = EXCLUDED.email
		RETURNING id`
	if err := tx.QueryRowContext(ctx, query,
		person.Sciper, person.FirstName, person.LastName, person.Email).Scan(&person.ID); err != nil {
		return fmt.Errorf("insert person %s: %w", person.Sciper, err)
	}
	return nil
}

// RoomRepository handles persistence of rooms.
type RoomRepository struct {
	db *sqlx.DB
}

// NewRoomRepository constructs the repository.
func NewRoomRepository(db *sqlx.DB) *RoomRepository {
	return &RoomRepository{db: db}
}

// FindByNameTx resolves a room by display name inside a transaction.
func (r *RoomRepository) FindByNameTx(ctx context.Context, tx *sqlx.Tx, name string) (*models.Room, error) {
	var room models.Room
	err := tx.GetContext(ctx, &room, `SELECT id, name FROM rooms WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("room %q not found", name))
		}
		return nil, fmt.Errorf("find room %q: %w", name, err)
	}
	return &room, nil
}

// ChemicalRepository handles persistence of chemicals.
type ChemicalRepository struct {
	db *sqlx.DB
}

// NewChemicalRepository constructs the repository.
func NewChemicalRepository(db *sqlx.DB) *ChemicalRepository {
	return &ChemicalRepository{db: db}
}

// FindByCASTx resolves a chemical by CAS number inside a transaction.
// Chemicals must pre-exist; authorizations never create them.
func (r *ChemicalRepository) FindByCASTx(ctx context.Context, tx *sqlx.Tx, cas string) (*models.Chemical, error) {
	var chemical models.Chemical
	err := tx.GetContext(ctx, &chemical, `SELECT id, cas, name_en FROM chemicals WHERE cas = $1`, cas)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("chemical %s not found", cas))
		}
		return nil, fmt.Errorf("find chemical %s: %w", cas, err)
	}
	return &chemical, nil
}
