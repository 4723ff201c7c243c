package grade

import (
	"context"
	"database/sql"
	"time"
)

// SQLOverrideSource reads host-LMS due-date overrides in their list order.
type SQLOverrideSource struct {
	db *sql.DB
}

func NewSQLOverrideSource(db *sql.DB) *SQLOverrideSource {
	return &SQLOverrideSource{db: db}
}

func (s *SQLOverrideSource) OverridesForAssignment(ctx context.Context, assignmentID int64) ([]Override, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, target_id, due_at FROM assignment_overrides
		 WHERE assignment_id=$1
		 ORDER BY position ASC, id ASC`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		var o Override
		var scope string
		var due sql.NullInt64
		if err := rows.Scan(&scope, &o.TargetID, &due); err != nil {
			return nil, err
		}
		o.Scope = OverrideScope(scope)
		if due.Valid {
			t := time.Unix(due.Int64, 0).UTC()
			o.DueAt = &t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
