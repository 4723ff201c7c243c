package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("module not found")

// Module is the per-activity quiz metadata the grader and the suspend_data
// repair shim need. The host LMS owns everything else about an assignment.
type Module struct {
	ActivityID    string  `json:"activity_id"`
	Title         string  `json:"title"`
	QuestionCount int     `json:"question_count"`
	QuizBreakdown []int   `json:"quiz_breakdown"`
	ScoreMaximum  float64 `json:"score_maximum"`
}

type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (s *SQLStore) Put(ctx context.Context, m Module) error {
	bj, err := json.Marshal(m.QuizBreakdown)
	if err != nil {
		return err
	}
	if m.ScoreMaximum <= 0 {
		m.ScoreMaximum = 100
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO modules (activity_id, title, question_count, quiz_breakdown_json, score_maximum, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (activity_id) DO UPDATE SET
		   title=EXCLUDED.title,
		   question_count=EXCLUDED.question_count,
		   quiz_breakdown_json=EXCLUDED.quiz_breakdown_json,
		   score_maximum=EXCLUDED.score_maximum`,
		m.ActivityID, m.Title, m.QuestionCount, string(bj), m.ScoreMaximum, time.Now().Unix())
	return err
}

func (s *SQLStore) Get(ctx context.Context, activityID string) (Module, error) {
	var m Module
	var bj string
	err := s.db.QueryRowContext(ctx,
		`SELECT activity_id, title, question_count, quiz_breakdown_json, score_maximum
		 FROM modules WHERE activity_id=$1`, activityID).
		Scan(&m.ActivityID, &m.Title, &m.QuestionCount, &bj, &m.ScoreMaximum)
	if errors.Is(err, sql.ErrNoRows) {
		return Module{}, ErrNotFound
	}
	if err != nil {
		return Module{}, err
	}
	if err := json.Unmarshal([]byte(bj), &m.QuizBreakdown); err != nil {
		m.QuizBreakdown = nil
	}
	return m, nil
}

// QuestionCount returns 0 for unknown modules: a module with no registered
// quiz grades on engagement alone.
func (s *SQLStore) QuestionCount(ctx context.Context, activityID string) (int, error) {
	m, err := s.Get(ctx, activityID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return m.QuestionCount, nil
}

// ScoreMaximum returns the gradebook maximum for the module, defaulting to
// 100 for modules never registered.
func (s *SQLStore) ScoreMaximum(ctx context.Context, activityID string) (float64, error) {
	m, err := s.Get(ctx, activityID)
	if errors.Is(err, ErrNotFound) {
		return 100, nil
	}
	if err != nil {
		return 0, err
	}
	return m.ScoreMaximum, nil
}

// QuizBreakdown satisfies modstate.BreakdownSource.
func (s *SQLStore) QuizBreakdown(ctx context.Context, activityID string) ([]int, error) {
	m, err := s.Get(ctx, activityID)
	if err != nil {
		return nil, err
	}
	return m.QuizBreakdown, nil
}
