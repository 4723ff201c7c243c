package interactions

import "time"

type Kind string

const (
	KindProgressed Kind = "progressed"
	KindAnswered   Kind = "answered"
)

// Interaction is one recorded telemetry event. Rows are append-only; the
// only mutable column is the pending_reprocessing dirty flag.
type Interaction struct {
	ID           int64
	LearnerID    string
	CourseID     int64
	AssignmentID int64
	ActivityID   string // composite (base#question) for answered rows
	Kind         Kind
	Progress     int // 0..100 for progressed, -1 otherwise
	Success      int // 0|1 for answered, -1 otherwise
	Pending      bool
	CreatedAt    time.Time
}

// PendingKey identifies a (learner, assignment) pair whose interactions were
// claimed by a sweep and still need a grade recomputation.
type PendingKey struct {
	LearnerID    string
	CourseID     int64
	AssignmentID int64
	ActivityID   string
}
