package grade

import (
	"context"
	"fmt"
	"time"
)

// Weights is the fixed composite-grade configuration. The three components
// must sum to exactly 1.0.
type Weights struct {
	Engagement  float64
	Mastery     float64
	Punctuality float64
}

func DefaultWeights() Weights {
	return Weights{Engagement: 0.4, Mastery: 0.4, Punctuality: 0.2}
}

func (w Weights) Validate() error {
	if sum := w.Engagement + w.Mastery + w.Punctuality; sum != 1.0 {
		return fmt.Errorf("grade weights must sum to 1.0, got %v", sum)
	}
	return nil
}

type OverrideScope string

const (
	ScopeSection OverrideScope = "section"
	ScopeUser    OverrideScope = "user"
)

// Override is a host-LMS due-date rule. A nil DueAt clears the due date for
// whoever it matches.
type Override struct {
	Scope    OverrideScope
	TargetID int64
	DueAt    *time.Time
}

// Learner carries the identifiers override matching needs alongside the
// tool-side learner ID.
type Learner struct {
	ID         string // tool-side learner identifier (interaction log key)
	HostUserID int64  // host-LMS user id, matched by user-scoped overrides
	SectionID  int64  // current section, matched by section-scoped overrides
}

// DueDateForUser resolves the effective due date by scanning the override
// list in order. The last matching entry wins outright, whatever its scope;
// there is no specificity ranking. No match means no due date.
func DueDateForUser(l Learner, overrides []Override) *time.Time {
	var due *time.Time
	matched := false
	for _, o := range overrides {
		switch o.Scope {
		case ScopeUser:
			if o.TargetID == l.HostUserID {
				due, matched = o.DueAt, true
			}
		case ScopeSection:
			if o.TargetID == l.SectionID {
				due, matched = o.DueAt, true
			}
		}
	}
	if !matched {
		return nil
	}
	return due
}

// InteractionLog is the read side of the interaction store the calculator
// reduces over.
type InteractionLog interface {
	MaxProgress(ctx context.Context, learner, activity string) (int, error)
	LatestCorrectness(ctx context.Context, learner, activity string, questionCount int) (float64, error)
	CompletedBy(ctx context.Context, learner, activity string, due time.Time) (bool, error)
}

// QuizInfo supplies the module's expected question count.
type QuizInfo interface {
	QuestionCount(ctx context.Context, activityID string) (int, error)
}

// Calculator reduces a point-in-time interaction snapshot to a 0-100 grade.
// It is pure read-reduce: safe to recompute concurrently from any trigger.
type Calculator struct {
	Log     InteractionLog
	Quiz    QuizInfo
	Weights Weights
}

func NewCalculator(log InteractionLog, quiz QuizInfo, w Weights) *Calculator {
	return &Calculator{Log: log, Quiz: quiz, Weights: w}
}

// ComputeGrade implements the composite:
//
//	engagement*We + mastery*Wm + punctuality*Wp
//
// For quiz-less modules the composite collapses to the raw engagement score.
func (c *Calculator) ComputeGrade(ctx context.Context, l Learner, activity string, overrides []Override) (float64, error) {
	maxp, err := c.Log.MaxProgress(ctx, l.ID, activity)
	if err != nil {
		return 0, fmt.Errorf("max progress: %w", err)
	}
	engagement := float64(maxp)

	qc, err := c.Quiz.QuestionCount(ctx, activity)
	if err != nil {
		return 0, fmt.Errorf("question count: %w", err)
	}
	if qc == 0 {
		return engagement, nil
	}

	mastery, err := c.Log.LatestCorrectness(ctx, l.ID, activity, qc)
	if err != nil {
		return 0, fmt.Errorf("latest correctness: %w", err)
	}

	punctuality := 0.0
	if due := DueDateForUser(l, overrides); due != nil {
		onTime, err := c.Log.CompletedBy(ctx, l.ID, activity, *due)
		if err != nil {
			return 0, fmt.Errorf("completed by: %w", err)
		}
		if onTime {
			punctuality = 100
		}
	}

	return engagement*c.Weights.Engagement + mastery*c.Weights.Mastery + punctuality*c.Weights.Punctuality, nil
}
