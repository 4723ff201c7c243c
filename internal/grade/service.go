package grade

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/mind-engage/xapi-gradesync/internal/lti"
)

// OverrideSource yields the ordered due-date override list for an assignment.
type OverrideSource interface {
	OverridesForAssignment(ctx context.Context, assignmentID int64) ([]Override, error)
}

// ModuleInfo supplies the gradebook score maximum for an activity.
type ModuleInfo interface {
	ScoreMaximum(ctx context.Context, activityID string) (float64, error)
}

// ScoreSubmitter is the slice of the AGS client the pipeline needs.
type ScoreSubmitter interface {
	SubmitScore(ctx context.Context, lineItemURL string, s lti.Score) (string, error)
	GetResult(ctx context.Context, lineItemURL, userID string) (lti.Result, bool, error)
}

// SubmitterFactory builds a fresh publisher per launch context; tokens are
// never shared across contexts.
type SubmitterFactory func() ScoreSubmitter

// PendingClearer clears interaction dirty flags once a grade incorporating
// them has been published.
type PendingClearer interface {
	ClearPending(ctx context.Context, learner, activity string) error
}

// Service is the explicit grading orchestration step: compute, publish,
// clear dirty flags. It replaces any notion of grading as a persistence
// side effect.
type Service struct {
	Calc         *Calculator
	Overrides    OverrideSource
	Modules      ModuleInfo
	NewSubmitter SubmitterFactory
	Pending      PendingClearer
	Log          *zap.Logger
}

// GradeAndPublish recomputes the learner's grade for the activity and pushes
// it to the host gradebook. Re-running it for an unchanged snapshot is a
// no-op: an identical prior result short-circuits the submission.
func (s *Service) GradeAndPublish(ctx context.Context, l Learner, assignmentID int64, activity, lineItemURL string) (float64, error) {
	overrides, err := s.Overrides.OverridesForAssignment(ctx, assignmentID)
	if err != nil {
		return 0, fmt.Errorf("load overrides: %w", err)
	}

	grade, err := s.Calc.ComputeGrade(ctx, l, activity, overrides)
	if err != nil {
		return 0, err
	}

	max, err := s.Modules.ScoreMaximum(ctx, activity)
	if err != nil {
		return 0, fmt.Errorf("score maximum: %w", err)
	}
	given := grade / 100 * max

	sub := s.NewSubmitter()
	if prior, found, err := sub.GetResult(ctx, lineItemURL, l.ID); err == nil && found &&
		prior.ResultScore != nil && math.Abs(*prior.ResultScore-given) < 1e-9 {
		s.Log.Debug("grade unchanged, skipping submit",
			zap.String("learner", l.ID), zap.String("activity", activity))
		if s.Pending != nil {
			_ = s.Pending.ClearPending(ctx, l.ID, activity)
		}
		return grade, nil
	}

	resultURL, err := sub.SubmitScore(ctx, lineItemURL, lti.FullyGradedSubmission(l.ID, given, max))
	if err != nil {
		return 0, fmt.Errorf("submit score: %w", err)
	}

	if s.Pending != nil {
		if err := s.Pending.ClearPending(ctx, l.ID, activity); err != nil {
			s.Log.Warn("clear pending failed", zap.String("learner", l.ID), zap.Error(err))
		}
	}

	s.Log.Info("grade published",
		zap.String("learner", l.ID),
		zap.String("activity", activity),
		zap.Float64("grade", grade),
		zap.String("result", resultURL))
	return grade, nil
}

// PublishInProgress sends the first-open sentinel submission for a launch.
func (s *Service) PublishInProgress(ctx context.Context, learnerID, lineItemURL string) error {
	sub := s.NewSubmitter()
	_, err := sub.SubmitScore(ctx, lineItemURL, lti.InProgressSubmission(learnerID))
	return err
}

// PublishPending marks the module submitted and awaiting manual review.
func (s *Service) PublishPending(ctx context.Context, learnerID, lineItemURL string) error {
	sub := s.NewSubmitter()
	_, err := sub.SubmitScore(ctx, lineItemURL, lti.PendingSubmission(learnerID))
	return err
}
