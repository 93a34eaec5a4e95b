// Schema migrations applied by the database wrapper. Each subsystem owns its
// own ordered list, tracked in a per-subsystem versions table.
package migration

import (
	"database/sql"
	"fmt"
)

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return fmt.Sprintf("migration[%s]", m.Name)
}
