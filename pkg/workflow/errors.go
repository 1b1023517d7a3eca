package workflow

import (
	"fmt"
	"time"
)

// MaintenanceWindowViolation reports an execute attempt outside the window
// without an admin override.
type MaintenanceWindowViolation struct {
	ChangeID string
	Now      time.Time
}

func (e *MaintenanceWindowViolation) Error() string {
	return fmt.Sprintf("change %s: %s is outside the maintenance window and no admin override was given",
		e.ChangeID, e.Now.Format(time.RFC3339))
}
