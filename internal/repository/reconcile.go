package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/labsafe/permit-api/internal/models"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
)

// JoinSpec describes one many-to-many join table so a single generic
// reconciler can serve every relation kind. Resolve maps the natural
// key of a change record to the value stored in TargetColumn; for
// free-text joins (radiation sources, tickets) it returns the key
// itself.
type JoinSpec struct {
	Table        string
	OwnerColumn  string
	TargetColumn string
	Resolve      func(ctx context.Context, tx *sqlx.Tx, key string) (interface{}, error)
}

// ReconcileRelations applies a declarative change list against one join
// table inside the caller's transaction. Add resolves the target (a
// missing target is a hard not-found error, related entities are never
// created as a side effect of being referenced) and inserts the link
// idempotently. Remove tolerates missing targets and deletes every
// matching link, which also cleans up legacy duplicate rows.
func ReconcileRelations(ctx context.Context, tx *sqlx.Tx, ownerID int64, spec JoinSpec, changes []models.RelationChange) error {
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (%s, %s) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		spec.Table, spec.OwnerColumn, spec.TargetColumn,
	)
	deleteQuery := fmt.Sprintf(
		"DELETE FROM %s WHERE %s = $1 AND %s = $2",
		spec.Table, spec.OwnerColumn, spec.TargetColumn,
	)

	for _, change := range changes {
		switch change.Action {
		case models.RelationAdd:
			target, err := spec.Resolve(ctx, tx, change.Key)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, insertQuery, ownerID, target); err != nil {
				return fmt.Errorf("link %s %q: %w", spec.Table, change.Key, err)
			}
		case models.RelationRemove:
			target, err := spec.Resolve(ctx, tx, change.Key)
			if err != nil {
				var appErr *appErrors.Error
				if errors.As(err, &appErr) && appErr.Code == appErrors.ErrNotFound.Code {
					continue
				}
				return err
			}
			if _, err := tx.ExecContext(ctx, deleteQuery, ownerID, target); err != nil {
				return fmt.Errorf("unlink %s %q: %w", spec.Table, change.Key, err)
			}
		default:
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown relation action %q", change.Action))
		}
	}
	return nil
}
