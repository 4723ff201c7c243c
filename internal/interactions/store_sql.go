package interactions

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/mind-engage/xapi-gradesync/internal/xapi"
)

// SQLStore is the append-mostly interaction log. Writes dedup on exact match,
// so at-least-once delivery from the player collapses to one row.
type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

const (
	noProgress = -1
	noSuccess  = -1
)

// RecordProgress stores a progress event. Returns created=false when an
// identical row already exists.
func (s *SQLStore) RecordProgress(ctx context.Context, learner string, course, assignment int64, activity string, progress int, at time.Time) (bool, error) {
	return s.insert(ctx, learner, course, assignment, activity, KindProgressed, progress, noSuccess, at)
}

// RecordAnswer stores an answer event. The activity ID carries the question
// suffix, so distinct questions never collide in the dedup constraint.
func (s *SQLStore) RecordAnswer(ctx context.Context, learner string, course, assignment int64, activity string, success bool, at time.Time) (bool, error) {
	suc := 0
	if success {
		suc = 1
	}
	return s.insert(ctx, learner, course, assignment, activity, KindAnswered, noProgress, suc, at)
}

func (s *SQLStore) insert(ctx context.Context, learner string, course, assignment int64, activity string, kind Kind, progress, success int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions
		   (learner_id, course_id, assignment_id, activity_id, kind, progress, success, pending_reprocessing, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (learner_id, activity_id, kind, progress, success) DO NOTHING`,
		learner, course, assignment, activity, string(kind), progress, success, true, at.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkCompleted records that a learner reached 100% on an activity. Returns
// true only for the first caller; concurrent duplicates lose the insert race
// and must not re-trigger grading.
func (s *SQLStore) MarkCompleted(ctx context.Context, learner, activity string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO completions (learner_id, activity_id, completed_at)
		 VALUES ($1,$2,$3)
		 ON CONFLICT (learner_id, activity_id) DO NOTHING`,
		learner, activity, at.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MaxProgress returns the highest recorded progress for the pair, or 0.
func (s *SQLStore) MaxProgress(ctx context.Context, learner, activity string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(progress) FROM interactions
		 WHERE learner_id=$1 AND activity_id=$2 AND kind=$3`,
		learner, activity, string(KindProgressed)).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid || max.Int64 < 0 {
		return 0, nil
	}
	return int(max.Int64), nil
}

// LatestCorrectness reduces answer rows to a 0-100 mastery percentage.
// Per question only the most recent row counts; questions never answered
// count as incorrect.
func (s *SQLStore) LatestCorrectness(ctx context.Context, learner, activity string, questionCount int) (float64, error) {
	if questionCount <= 0 {
		return 0, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT activity_id, success FROM interactions
		 WHERE learner_id=$1 AND kind=$2 AND (activity_id=$3 OR activity_id LIKE $4 ESCAPE '\')
		 ORDER BY created_at ASC, id ASC`,
		learner, string(KindAnswered), activity, likeEscape(activity)+`#%`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	latest := map[string]bool{}
	for rows.Next() {
		var composite string
		var success int
		if err := rows.Scan(&composite, &success); err != nil {
			return 0, err
		}
		// Later rows overwrite earlier ones: last write per question wins.
		latest[xapi.QuestionID(composite)] = success == 1
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	correct := 0
	for _, ok := range latest {
		if ok {
			correct++
		}
	}
	// Stale catalog metadata can undercount questions; never report past 100.
	if correct > questionCount {
		correct = questionCount
	}
	return float64(correct) / float64(questionCount) * 100, nil
}

// CompletedBy reports whether a 100%-progress event exists at or before due.
func (s *SQLStore) CompletedBy(ctx context.Context, learner, activity string, due time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM interactions
		 WHERE learner_id=$1 AND activity_id=$2 AND kind=$3 AND progress=100 AND created_at<=$4
		 LIMIT 1`,
		learner, activity, string(KindProgressed), due.Unix()).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ClaimPending claims up to limit dirty rows for reprocessing. Each row is
// cleared with a compare-and-swap so concurrent sweeps never double-count;
// the returned keys are the distinct grading targets of the rows this call
// actually won.
func (s *SQLStore) ClaimPending(ctx context.Context, limit int) ([]PendingKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, learner_id, course_id, assignment_id, activity_id, kind FROM interactions
		 WHERE pending_reprocessing=$1
		 ORDER BY id ASC
		 LIMIT $2`,
		true, limit)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		id  int64
		key PendingKey
	}
	var cands []candidate
	for rows.Next() {
		var c candidate
		var kind string
		if err := rows.Scan(&c.id, &c.key.LearnerID, &c.key.CourseID, &c.key.AssignmentID, &c.key.ActivityID, &kind); err != nil {
			rows.Close()
			return nil, err
		}
		if Kind(kind) == KindAnswered {
			// Answer rows grade against the base activity.
			c.key.ActivityID = baseActivity(c.key.ActivityID)
		}
		cands = append(cands, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	seen := map[PendingKey]struct{}{}
	var keys []PendingKey
	for _, c := range cands {
		res, err := s.db.ExecContext(ctx,
			`UPDATE interactions SET pending_reprocessing=$1
			 WHERE id=$2 AND pending_reprocessing=$3`,
			false, c.id, true)
		if err != nil {
			return keys, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return keys, err
		}
		if n == 0 {
			continue // another sweep won this row
		}
		if _, dup := seen[c.key]; !dup {
			seen[c.key] = struct{}{}
			keys = append(keys, c.key)
		}
	}
	return keys, nil
}

// ClearPending clears the dirty flag on every interaction of a grading target.
// Called by the synchronous completion trigger after a grade lands.
func (s *SQLStore) ClearPending(ctx context.Context, learner, activity string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE interactions SET pending_reprocessing=$1
		 WHERE learner_id=$2 AND (activity_id=$3 OR activity_id LIKE $4 ESCAPE '\') AND pending_reprocessing=$5`,
		false, learner, activity, likeEscape(activity)+`#%`, true)
	return err
}

// RequeuePending re-dirties a grading target whose publish attempt failed,
// so the next sweep retries it.
func (s *SQLStore) RequeuePending(ctx context.Context, learner, activity string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE interactions SET pending_reprocessing=$1
		 WHERE learner_id=$2 AND (activity_id=$3 OR activity_id LIKE $4 ESCAPE '\')`,
		true, learner, activity, likeEscape(activity)+`#%`)
	return err
}

func baseActivity(composite string) string {
	for i := len(composite) - 1; i >= 0; i-- {
		if composite[i] == '#' {
			return composite[:i]
		}
	}
	return composite
}

// likeEscape quotes LIKE metacharacters so activity URIs containing '%' or
// '_' match literally. Answer rows are keyed "<activity>#<question>", so the
// grading target matches either the bare activity or its fragment prefix.
func likeEscape(v string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(v)
}
