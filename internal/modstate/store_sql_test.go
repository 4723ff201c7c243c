package modstate_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite" // driver for "sqlite"

	"github.com/mind-engage/xapi-gradesync/internal/db"
	"github.com/mind-engage/xapi-gradesync/internal/modstate"
)

type fakeBreakdown struct{ byActivity map[string][]int }

func (f fakeBreakdown) QuizBreakdown(_ context.Context, activityID string) ([]int, error) {
	b, ok := f.byActivity[activityID]
	if !ok {
		return nil, errors.New("module not found")
	}
	return b, nil
}

func openTestStore(t *testing.T) *modstate.SQLStore {
	t.Helper()
	h, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	h.SetMaxOpenConns(1)
	if err := db.EnsureSchema(context.Background(), h, db.DriverSQLite); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	bd := fakeBreakdown{byActivity: map[string][]int{
		"https://modules.example/units/algebra-1": {2, 3},
	}}
	return modstate.NewSQLStore(h, "sqlite", 1000, modstate.NewQuizMarkerRepairer(), bd)
}

func key(stateID string) modstate.Key {
	return modstate.Key{
		LearnerID:    "u1",
		CourseID:     1,
		AssignmentID: 2,
		ActivityID:   "https://modules.example/units/algebra-1",
		StateID:      stateID,
	}
}

func TestGet_Missing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), key(modstate.StateBookmark)); !errors.Is(err, modstate.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutGet_Bookmark(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	k := key(modstate.StateBookmark)

	if err := s.Put(ctx, k, "slide-12"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.Get(ctx, k)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "slide-12" {
		t.Fatalf("expected slide-12, got %q", got)
	}

	// Overwrite, not version.
	if err := s.Put(ctx, k, "slide-13"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = s.Get(ctx, k)
	if got != "slide-13" {
		t.Fatalf("expected overwrite to slide-13, got %q", got)
	}
}

func TestPut_BookmarkTooLong(t *testing.T) {
	s := openTestStore(t)
	long := strings.Repeat("x", 1001)
	err := s.Put(context.Background(), key(modstate.StateBookmark), long)
	if !errors.Is(err, modstate.ErrValidation) {
		t.Fatalf("oversized bookmark must be rejected, not truncated; got %v", err)
	}
}

func TestPut_CumulativeTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	k := key(modstate.StateCumulativeTime)

	if err := s.Put(ctx, k, "3600"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"-5", "12.5", "soon", ""} {
		if err := s.Put(ctx, k, bad); !errors.Is(err, modstate.ErrValidation) {
			t.Fatalf("expected validation error for %q, got %v", bad, err)
		}
	}
}

func TestPut_UnknownStateID(t *testing.T) {
	s := openTestStore(t)
	err := s.Put(context.Background(), key("launch_data"), "x")
	if !errors.Is(err, modstate.ErrValidation) {
		t.Fatalf("expected validation error for unknown stateId, got %v", err)
	}
}

func TestPut_SuspendDataRepairedOnWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	k := key(modstate.StateSuspendData)

	malformed := `{"v":1,"d":[7,12,0,1,0,1,1,0]}`
	want := `{"v":1,"d":[7,12,0,256,1,0,256,1,1,0]}`
	if err := s.Put(ctx, k, malformed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.Get(ctx, k)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("expected repaired payload:\nwant: %s\n got: %s", want, got)
	}
}

func TestPut_SuspendDataWellFormedUntouched(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	k := key(modstate.StateSuspendData)

	wellFormed := `{"v":1,"d":[7,12,0,256,1,0,256,1,1,0]}`
	if err := s.Put(ctx, k, wellFormed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.Get(ctx, k)
	if got != wellFormed {
		t.Fatalf("well-formed payload must be stored byte-for-byte, got %s", got)
	}
}

func TestPut_SuspendDataRejectsGarbage(t *testing.T) {
	s := openTestStore(t)
	err := s.Put(context.Background(), key(modstate.StateSuspendData), "not a document")
	if !errors.Is(err, modstate.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPut_SuspendDataUnknownModuleStillValidates(t *testing.T) {
	s := openTestStore(t)
	k := key(modstate.StateSuspendData)
	k.ActivityID = "https://modules.example/units/unregistered"

	if err := s.Put(context.Background(), k, `{"v":1,"d":[1,2,3]}`); err != nil {
		t.Fatalf("valid envelope for unknown module must store: %v", err)
	}
	if err := s.Put(context.Background(), k, `{"nope":true}`); !errors.Is(err, modstate.ErrValidation) {
		t.Fatalf("expected validation error for bad envelope, got %v", err)
	}
}
