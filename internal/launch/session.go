package launch

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrUnauthorized = errors.New("launch session not found or expired")

// Session is the launch context a bearer token resolves to. It carries
// everything the ingestion façade and the grading pipeline need about the
// learner's current launch.
type Session struct {
	TokenID      string // jti
	LearnerID    string
	HostUserID   int64
	CourseID     int64
	AssignmentID int64
	SectionID    int64
	ActivityID   string
	LineItemURL  string
	ExpiresAt    time.Time
}

// Resolver maps the ingestion Authorization header to a launch session.
// The façade depends only on this interface; the host SSO layer may swap in
// its own implementation.
type Resolver interface {
	Resolve(ctx context.Context, bearer string) (Session, error)
}

type claims struct {
	jwt.RegisteredClaims
}

// SQLResolver verifies an HMAC-signed launch token and loads its session row.
type SQLResolver struct {
	db   *sql.DB
	hmac []byte
	now  func() time.Time
}

func NewSQLResolver(db *sql.DB, secret string) *SQLResolver {
	return &SQLResolver{db: db, hmac: []byte(secret), now: time.Now}
}

// Mint stores a session and returns the bearer token for it. Called by the
// LTI launch handler after a successful launch.
func (r *SQLResolver) Mint(ctx context.Context, s Session, ttl time.Duration) (string, error) {
	now := r.now()
	s.TokenID = uuid.NewString()
	s.ExpiresAt = now.Add(ttl)

	c := &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "xapi-gradesync",
			Subject:   s.LearnerID,
			ID:        s.TokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(r.hmac)
	if err != nil {
		return "", err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO launch_sessions
		   (token_id, learner_id, host_user_id, course_id, assignment_id, section_id, activity_id, line_item_url, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.TokenID, s.LearnerID, s.HostUserID, s.CourseID, s.AssignmentID, s.SectionID,
		s.ActivityID, s.LineItemURL, now.Unix(), s.ExpiresAt.Unix())
	if err != nil {
		return "", err
	}
	return tok, nil
}

// LatestForLearnerAssignment returns the most recent launch context for a
// learner/assignment pair. The sweep uses it to recover the line-item URL
// and override-matching identifiers outside any live request.
func (r *SQLResolver) LatestForLearnerAssignment(ctx context.Context, learnerID string, assignmentID int64) (Session, error) {
	var s Session
	var expires int64
	err := r.db.QueryRowContext(ctx,
		`SELECT token_id, learner_id, host_user_id, course_id, assignment_id, section_id, activity_id, line_item_url, expires_at
		 FROM launch_sessions
		 WHERE learner_id=$1 AND assignment_id=$2
		 ORDER BY created_at DESC LIMIT 1`, learnerID, assignmentID).
		Scan(&s.TokenID, &s.LearnerID, &s.HostUserID, &s.CourseID, &s.AssignmentID, &s.SectionID,
			&s.ActivityID, &s.LineItemURL, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrUnauthorized
	}
	if err != nil {
		return Session{}, err
	}
	s.ExpiresAt = time.Unix(expires, 0)
	return s, nil
}

func (r *SQLResolver) Resolve(ctx context.Context, bearer string) (Session, error) {
	token, err := jwt.ParseWithClaims(bearer, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return r.hmac, nil
	})
	if err != nil || !token.Valid {
		return Session{}, ErrUnauthorized
	}
	c, ok := token.Claims.(*claims)
	if !ok || c.ID == "" {
		return Session{}, ErrUnauthorized
	}

	var s Session
	var expires int64
	err = r.db.QueryRowContext(ctx,
		`SELECT token_id, learner_id, host_user_id, course_id, assignment_id, section_id, activity_id, line_item_url, expires_at
		 FROM launch_sessions WHERE token_id=$1`, c.ID).
		Scan(&s.TokenID, &s.LearnerID, &s.HostUserID, &s.CourseID, &s.AssignmentID, &s.SectionID,
			&s.ActivityID, &s.LineItemURL, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrUnauthorized
	}
	if err != nil {
		return Session{}, err
	}
	s.ExpiresAt = time.Unix(expires, 0)
	if r.now().After(s.ExpiresAt) {
		return Session{}, ErrUnauthorized
	}
	return s, nil
}
