package storage

import (
	"fmt"

	"marketplace/internal/models"
)

// classifyStatusConflict explains why a conditional status update matched
// no row, given the row as it is now (nil when it does not exist).
func classifyStatusConflict(current *models.ContactRequest, ownerID string) error {
	switch {
	case current == nil:
		return fmt.Errorf("contact request: %w", models.ErrNotFound)
	case current.PropertyOwnerID != ownerID:
		return fmt.Errorf("contact request %s: %w", current.ID, models.ErrForbidden)
	default:
		return fmt.Errorf("contact request %s is %s: %w", current.ID, current.Status, models.ErrInvalidTransition)
	}
}

// validateStatusTarget rejects targets no update may set.
func validateStatusTarget(status models.ContactStatus) error {
	if !models.ContactStatusPending.CanTransitionTo(status) {
		return fmt.Errorf("cannot move to %q: %w", status, models.ErrInvalidTransition)
	}
	return nil
}
