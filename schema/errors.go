package schema

import (
	"fmt"

	"github.com/impactdev/impactor/core"
)

// MigrationError reports a collection that could not be brought to its
// expected version.
type MigrationError struct {
	Collection string
	// Step is the name of the failed step, empty when the collection
	// could not be checked or created.
	Step string
	// LastVersion is the last version successfully applied, or
	// storage.NoSchemaVersion when the base schema was never created.
	LastVersion int
	Err         error
}

func (e *MigrationError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("migration of %s failed at version %d: %v", e.Collection, e.LastVersion, e.Err)
	}
	return fmt.Sprintf("migration of %s failed at step %q after version %d: %v", e.Collection, e.Step, e.LastVersion, e.Err)
}

func (e *MigrationError) Unwrap() []error {
	return []error{core.ErrMigration, e.Err}
}
