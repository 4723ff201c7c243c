package lrs

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mind-engage/xapi-gradesync/internal/grade"
	"github.com/mind-engage/xapi-gradesync/internal/interactions"
	"github.com/mind-engage/xapi-gradesync/internal/launch"
	"github.com/mind-engage/xapi-gradesync/internal/modstate"
	"github.com/mind-engage/xapi-gradesync/internal/xapi"
)

/*
Mock-LRS façade for the embedded cmi5 player.

Two resources:
  - PUT /xapi/statements            progress/answer telemetry
  - PUT|GET /xapi/activities/state  suspend_data / bookmark / cumulative_time

Unrecognized statement verbs are accepted and discarded: telemetry senders
evolve independently of this service, so noise is not an error.
*/

type Handlers struct {
	Sessions launch.Resolver
	Log      *interactions.SQLStore
	States   *modstate.SQLStore
	Grader   *grade.Service
	Zap      *zap.Logger
	Now      func() time.Time
}

func NewHandlers(sessions launch.Resolver, log *interactions.SQLStore, states *modstate.SQLStore, grader *grade.Service, zl *zap.Logger) *Handlers {
	return &Handlers{Sessions: sessions, Log: log, States: states, Grader: grader, Zap: zl, Now: time.Now}
}

// Routes mounts the xAPI resources. PUT to an unknown xAPI endpoint is a
// plain 404; other unknown combinations fall through to the router default.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Put("/statements", h.PutStatement)
	r.Put("/activities/state", h.PutState)
	r.Get("/activities/state", h.GetState)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	return r
}

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (launch.Session, bool) {
	ah := r.Header.Get("Authorization")
	if !strings.HasPrefix(ah, "Bearer ") {
		http.Error(w, "missing bearer", http.StatusUnauthorized)
		return launch.Session{}, false
	}
	sess, err := h.Sessions.Resolve(r.Context(), strings.TrimPrefix(ah, "Bearer "))
	if err != nil {
		http.Error(w, "invalid launch token", http.StatusUnauthorized)
		return launch.Session{}, false
	}
	return sess, true
}

// PutStatement ingests one xAPI statement. Always 204 on accepted writes,
// including silently discarded unknown verbs.
func (h *Handlers) PutStatement(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var st xapi.Statement
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		http.Error(w, "bad statement json", http.StatusBadRequest)
		return
	}
	if st.Object.ID == "" {
		http.Error(w, "statement object.id required", http.StatusBadRequest)
		return
	}

	at := st.When(h.Now)

	switch st.Verb.ID {
	case xapi.VerbProgressed:
		pct, err := st.Progress()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := h.Log.RecordProgress(r.Context(), sess.LearnerID, sess.CourseID, sess.AssignmentID, st.Object.ID, pct, at); err != nil {
			http.Error(w, "record progress", http.StatusInternalServerError)
			return
		}
		// The completion CAS, not the row insert, decides first-time-100:
		// a redelivered 100% event dedups to created=false but must still
		// lose the trigger race cleanly.
		if pct == 100 {
			h.onCompleted(r, sess, st.Object.ID, at)
		}

	case xapi.VerbAnswered:
		success, err := st.Success()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Mastery changes accumulate; the pending sweep picks them up.
		if _, err := h.Log.RecordAnswer(r.Context(), sess.LearnerID, sess.CourseID, sess.AssignmentID, st.Object.ID, success, at); err != nil {
			http.Error(w, "record answer", http.StatusInternalServerError)
			return
		}

	default:
		// Unknown verb: discard, still a success.
	}

	w.WriteHeader(http.StatusNoContent)
}

// onCompleted runs the explicit completion orchestration: a compare-and-set
// on the completion marker decides which request grades, so duplicate 100%
// events never double-publish.
func (h *Handlers) onCompleted(r *http.Request, sess launch.Session, activity string, at time.Time) {
	first, err := h.Log.MarkCompleted(r.Context(), sess.LearnerID, activity, at)
	if err != nil {
		h.Zap.Error("mark completed", zap.String("learner", sess.LearnerID), zap.Error(err))
		return
	}
	if !first || h.Grader == nil {
		return
	}
	if sess.LineItemURL == "" {
		h.Zap.Warn("completion without line item, skipping publish",
			zap.String("learner", sess.LearnerID), zap.String("activity", activity))
		return
	}
	l := grade.Learner{ID: sess.LearnerID, HostUserID: sess.HostUserID, SectionID: sess.SectionID}
	if _, err := h.Grader.GradeAndPublish(r.Context(), l, sess.AssignmentID, activity, sess.LineItemURL); err != nil {
		h.Zap.Error("grade publish failed",
			zap.String("learner", sess.LearnerID), zap.String("activity", activity), zap.Error(err))
	}
}

func stateKey(sess launch.Session, r *http.Request) (modstate.Key, bool) {
	q := r.URL.Query()
	k := modstate.Key{
		LearnerID:    sess.LearnerID,
		CourseID:     sess.CourseID,
		AssignmentID: sess.AssignmentID,
		ActivityID:   q.Get("activityId"),
		StateID:      q.Get("stateId"),
	}
	return k, k.ActivityID != "" && k.StateID != ""
}

// PutState stores one of the three resume-state blobs. Validation errors
// surface to the caller; they are never silently corrected, except for the
// targeted suspend_data repair inside the store.
func (h *Handlers) PutState(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	k, ok := stateKey(sess, r)
	if !ok {
		http.Error(w, "stateId and activityId required", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := h.States.Put(r.Context(), k, string(body)); err != nil {
		if errors.Is(err, modstate.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "store state", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	k, ok := stateKey(sess, r)
	if !ok {
		http.Error(w, "stateId and activityId required", http.StatusBadRequest)
		return
	}
	v, err := h.States.Get(r.Context(), k)
	if errors.Is(err, modstate.ErrNotFound) {
		http.Error(w, "state not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "load state", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write([]byte(v))
}
