package sweep

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mind-engage/xapi-gradesync/internal/grade"
	"github.com/mind-engage/xapi-gradesync/internal/interactions"
	"github.com/mind-engage/xapi-gradesync/internal/launch"
)

// ContextSource recovers the latest launch context for a grading target.
type ContextSource interface {
	LatestForLearnerAssignment(ctx context.Context, learnerID string, assignmentID int64) (launch.Session, error)
}

// Sweeper is the scan-and-clear regrade loop over interactions still flagged
// pending_reprocessing. Claiming is per-row compare-and-swap, so concurrent
// sweeps (or a sweep racing the synchronous trigger) never double-count.
type Sweeper struct {
	Log      *interactions.SQLStore
	Grader   *grade.Service
	Sessions ContextSource
	Interval time.Duration
	Batch    int
	Zap      *zap.Logger
}

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.Zap.Error("sweep failed", zap.Error(err))
			} else if n > 0 {
				s.Zap.Info("sweep regraded", zap.Int("targets", n))
			}
		}
	}
}

// SweepOnce claims one batch of dirty rows and regrades their targets.
// Returns the number of grading targets processed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	keys, err := s.Log.ClaimPending(ctx, s.Batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		sess, err := s.Sessions.LatestForLearnerAssignment(ctx, k.LearnerID, k.AssignmentID)
		if err != nil || sess.LineItemURL == "" {
			s.Zap.Warn("no launch context for pending target, skipping",
				zap.String("learner", k.LearnerID), zap.Int64("assignment", k.AssignmentID))
			continue
		}
		l := grade.Learner{ID: k.LearnerID, HostUserID: sess.HostUserID, SectionID: sess.SectionID}
		if _, err := s.Grader.GradeAndPublish(ctx, l, k.AssignmentID, k.ActivityID, sess.LineItemURL); err != nil {
			s.Zap.Error("sweep regrade failed",
				zap.String("learner", k.LearnerID), zap.String("activity", k.ActivityID), zap.Error(err))
			// Give the target back so the next sweep retries it.
			if rqErr := s.Log.RequeuePending(ctx, k.LearnerID, k.ActivityID); rqErr != nil {
				s.Zap.Error("requeue pending failed",
					zap.String("learner", k.LearnerID), zap.String("activity", k.ActivityID), zap.Error(rqErr))
			}
			continue
		}
		n++
	}
	return n, nil
}
