package modstate

import "testing"

// Fixtures mirror real player payloads: a version tag and a flat data array
// whose tail is the quiz-results segment. The malformed variants come from
// the known packaging defect that drops the per-quiz marker cells.

func TestRepair_WellFormedUnchanged(t *testing.T) {
	r := NewQuizMarkerRepairer()
	// Two quizzes (2 and 3 questions): markers present before each block.
	in := `{"v":1,"d":[7,12,0,256,1,0,256,1,1,0]}`
	out, err := r.Repair([]byte(in), []int{2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != in {
		t.Fatalf("well-formed input must round-trip byte-for-byte:\n in: %s\nout: %s", in, out)
	}
}

func TestRepair_MalformedGetsMarkers(t *testing.T) {
	r := NewQuizMarkerRepairer()
	// Same payload with both markers dropped by the packaging defect.
	in := `{"v":1,"d":[7,12,0,1,0,1,1,0]}`
	want := `{"v":1,"d":[7,12,0,256,1,0,256,1,1,0]}`
	out, err := r.Repair([]byte(in), []int{2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != want {
		t.Fatalf("repair mismatch:\nwant: %s\n got: %s", want, out)
	}
}

func TestRepair_RepairIsIdempotent(t *testing.T) {
	r := NewQuizMarkerRepairer()
	in := `{"v":1,"d":[7,12,0,1,0,1,1,0]}`
	once, err := r.Repair([]byte(in), []int{2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	twice, err := r.Repair(once, []int{2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(once) != string(twice) {
		t.Fatalf("repairing repaired output must be a no-op:\nonce:  %s\ntwice: %s", once, twice)
	}
}

func TestRepair_NoBreakdownPassesThrough(t *testing.T) {
	r := NewQuizMarkerRepairer()
	in := `{"v":2,"d":[1,2,3]}`
	out, err := r.Repair([]byte(in), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != in {
		t.Fatalf("quiz-less module must pass through unchanged, got %s", out)
	}
}

func TestRepair_UnrecognizedTailPassesThrough(t *testing.T) {
	r := NewQuizMarkerRepairer()
	// Tail too short for the breakdown: neither well-formed nor the known
	// defect, so the shim leaves it alone.
	in := `{"v":1,"d":[7,1]}`
	out, err := r.Repair([]byte(in), []int{2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != in {
		t.Fatalf("unrecognized payload must pass through unchanged, got %s", out)
	}
}

func TestRepair_RejectsNonDocument(t *testing.T) {
	r := NewQuizMarkerRepairer()
	for _, in := range []string{`"just a string"`, `{"d":[1]}`, `{"v":1}`, `not json`} {
		if _, err := r.Repair([]byte(in), []int{2}); err == nil {
			t.Fatalf("expected error for %s", in)
		}
	}
}
