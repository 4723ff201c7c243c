package modstate

import (
	"encoding/json"
	"fmt"
)

// Repairer rewrites a known-malformed suspend_data payload into its
// well-formed equivalent. Well-formed input must come back byte-for-byte.
type Repairer interface {
	Repair(value []byte, quizBreakdown []int) ([]byte, error)
}

// suspendDoc is the player state envelope: a version tag and a flat data
// array. The tail of the array is the quiz-results segment.
type suspendDoc struct {
	V *int   `json:"v"`
	D *[]int `json:"d"`
}

const quizMarker = 256

// quizMarkerRepairer handles the upstream packaging defect where the
// per-quiz marker cells are dropped from the quiz-results segment. Answer
// cells are always < 256, so a missing-marker tail is distinguishable from
// a well-formed one. Anything that matches neither shape passes through
// untouched; this is a compatibility shim, not a parser.
type quizMarkerRepairer struct{}

func NewQuizMarkerRepairer() Repairer { return quizMarkerRepairer{} }

func (quizMarkerRepairer) Repair(value []byte, quizBreakdown []int) ([]byte, error) {
	if len(quizBreakdown) == 0 {
		return value, nil
	}
	var doc suspendDoc
	if err := json.Unmarshal(value, &doc); err != nil || doc.V == nil || doc.D == nil {
		return nil, fmt.Errorf("suspend_data is not a versioned data document")
	}
	d := *doc.D

	answers := 0
	for _, n := range quizBreakdown {
		answers += n
	}

	// Well-formed tail: one marker cell before each quiz's answer block.
	if hasMarkers(d, quizBreakdown) {
		return value, nil
	}

	// Malformed tail: the answer cells are present but every marker is gone.
	if len(d) < answers {
		return value, nil
	}
	tail := d[len(d)-answers:]
	for _, c := range tail {
		if c < 0 || c >= quizMarker {
			return value, nil
		}
	}

	repaired := make([]int, 0, len(d)+len(quizBreakdown))
	repaired = append(repaired, d[:len(d)-answers]...)
	off := 0
	for _, n := range quizBreakdown {
		repaired = append(repaired, quizMarker)
		repaired = append(repaired, tail[off:off+n]...)
		off += n
	}

	out, err := json.Marshal(suspendDoc{V: doc.V, D: &repaired})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func hasMarkers(d, quizBreakdown []int) bool {
	segment := 0
	for _, n := range quizBreakdown {
		segment += n + 1
	}
	if len(d) < segment {
		return false
	}
	tail := d[len(d)-segment:]
	i := 0
	for _, n := range quizBreakdown {
		if tail[i] != quizMarker {
			return false
		}
		i++
		for j := 0; j < n; j++ {
			if tail[i] < 0 || tail[i] >= quizMarker {
				return false
			}
			i++
		}
	}
	return true
}
