package xapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Verb and extension URIs used by the embedded cmi5 player.
const (
	VerbProgressed = "http://adlnet.gov/expapi/verbs/progressed"
	VerbAnswered   = "http://adlnet.gov/expapi/verbs/answered"

	ProgressExtension = "https://w3id.org/xapi/cmi5/result/extensions/progress"
)

// Statement is the subset of an xAPI statement this service consumes.
type Statement struct {
	ID     string  `json:"id,omitempty"`
	Actor  Actor   `json:"actor"`
	Verb   Verb    `json:"verb"`
	Object Object  `json:"object"`
	Result *Result `json:"result,omitempty"`

	Timestamp string `json:"timestamp,omitempty"` // RFC3339
}

type Actor struct {
	ObjectType string   `json:"objectType,omitempty"`
	Account    *Account `json:"account,omitempty"`
	Mbox       string   `json:"mbox,omitempty"`
}

type Account struct {
	HomePage string `json:"homePage,omitempty"`
	Name     string `json:"name,omitempty"`
}

type Verb struct {
	ID      string            `json:"id"`
	Display map[string]string `json:"display,omitempty"`
}

type Object struct {
	ObjectType string `json:"objectType,omitempty"`
	ID         string `json:"id"`
}

type Result struct {
	Success    *bool                      `json:"success,omitempty"`
	Completion *bool                      `json:"completion,omitempty"`
	Duration   string                     `json:"duration,omitempty"`
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// Progress extracts the 0-100 progress extension from a progressed statement.
func (s *Statement) Progress() (int, error) {
	if s.Result == nil {
		return 0, fmt.Errorf("statement has no result")
	}
	raw, ok := s.Result.Extensions[ProgressExtension]
	if !ok {
		return 0, fmt.Errorf("missing progress extension %s", ProgressExtension)
	}
	var pct int
	if err := json.Unmarshal(raw, &pct); err != nil {
		return 0, fmt.Errorf("progress extension not an integer: %w", err)
	}
	if pct < 0 || pct > 100 {
		return 0, fmt.Errorf("progress %d out of range 0..100", pct)
	}
	return pct, nil
}

// Success extracts result.success from an answered statement.
func (s *Statement) Success() (bool, error) {
	if s.Result == nil || s.Result.Success == nil {
		return false, fmt.Errorf("statement has no result.success")
	}
	return *s.Result.Success, nil
}

// When returns the statement timestamp, or now if absent/unparseable.
func (s *Statement) When(now func() time.Time) time.Time {
	if s.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, s.Timestamp); err == nil {
			return t
		}
	}
	return now()
}

// QuestionID extracts the question identifier suffix from a composite
// answer-event activity ID. Player object IDs look like
// "https://modules.example/units/algebra-1#q_3"; some publishers use a
// final path segment instead of a fragment.
func QuestionID(activityID string) string {
	if i := strings.LastIndex(activityID, "#"); i >= 0 {
		return activityID[i+1:]
	}
	if i := strings.LastIndex(activityID, "/"); i >= 0 {
		return activityID[i+1:]
	}
	return activityID
}
