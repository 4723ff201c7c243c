package lti_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/xapi-gradesync/internal/lti"
)

// fakePlatform serves the token endpoint plus one line item's scores and
// results containers.
type fakePlatform struct {
	key *rsa.PrivateKey

	tokenCalls   int
	lastGrant    string
	lastAssnType string
	lastScope    string
	assertionOK  bool

	scores  []lti.Score
	results []lti.Result

	tokenStatus int
}

func (p *fakePlatform) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls++
		_ = r.ParseForm()
		p.lastGrant = r.PostFormValue("grant_type")
		p.lastAssnType = r.PostFormValue("client_assertion_type")
		p.lastScope = r.PostFormValue("scope")

		assertion := r.PostFormValue("client_assertion")
		tok, err := jwt.Parse(assertion, func(tk *jwt.Token) (interface{}, error) {
			return &p.key.PublicKey, nil
		})
		p.assertionOK = err == nil && tok.Valid

		if p.tokenStatus != 0 {
			w.WriteHeader(p.tokenStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-123", "token_type": "Bearer", "expires_in": 3600,
		})
	})

	mux.HandleFunc("/lineitems/1/scores", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			t.Errorf("missing bearer on score post")
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/vnd.ims.lis.v1.score+json" {
			t.Errorf("unexpected score content type %q", ct)
		}
		var s lti.Score
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			t.Errorf("decode score: %v", err)
		}
		p.scores = append(p.scores, s)
		_ = json.NewEncoder(w).Encode(map[string]string{"resultUrl": "https://plat.example/results/9"})
	})

	mux.HandleFunc("/lineitems/1/results", func(w http.ResponseWriter, r *http.Request) {
		if len(p.results) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(p.results)
	})

	return mux
}

func newClient(t *testing.T) (*lti.Client, *fakePlatform, *httptest.Server) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := &fakePlatform{key: key}
	srv := httptest.NewServer(p.handler(t))
	t.Cleanup(srv.Close)

	c := lti.NewClient(srv.URL+"/oauth/token", "tool-client-1", key)
	return c, p, srv
}

func TestAuthenticate_JWTAssertion(t *testing.T) {
	c, p, _ := newClient(t)

	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.lastGrant != "client_credentials" {
		t.Fatalf("expected client_credentials grant, got %q", p.lastGrant)
	}
	if p.lastAssnType != "urn:ietf:params:oauth:client-assertion-type:jwt-bearer" {
		t.Fatalf("unexpected assertion type %q", p.lastAssnType)
	}
	if !p.assertionOK {
		t.Fatalf("platform could not verify the signed assertion")
	}
	if p.lastScope == "" {
		t.Fatalf("expected AGS scopes on the token request")
	}

	// One grant per client instance.
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.tokenCalls != 1 {
		t.Fatalf("expected a single token call, got %d", p.tokenCalls)
	}
}

func TestAuthenticate_Failure(t *testing.T) {
	c, p, _ := newClient(t)
	p.tokenStatus = http.StatusUnauthorized

	err := c.Authenticate(context.Background())
	if !errors.Is(err, lti.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestSubmitScore_FullyGraded(t *testing.T) {
	c, p, srv := newClient(t)

	resultURL, err := c.SubmitScore(context.Background(), srv.URL+"/lineitems/1",
		lti.FullyGradedSubmission("platform-sub-1", 80, 100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resultURL != "https://plat.example/results/9" {
		t.Fatalf("expected platform result URL, got %q", resultURL)
	}
	if len(p.scores) != 1 {
		t.Fatalf("expected 1 posted score, got %d", len(p.scores))
	}
	s := p.scores[0]
	if s.UserID != "platform-sub-1" || s.ActivityProgress != "Submitted" || s.GradingProgress != "FullyGraded" {
		t.Fatalf("unexpected payload %+v", s)
	}
	if s.ScoreGiven == nil || *s.ScoreGiven != 80 || s.ScoreMaximum == nil || *s.ScoreMaximum != 100 {
		t.Fatalf("unexpected score fields %+v", s)
	}
	if s.Timestamp == "" {
		t.Fatalf("submit must stamp the score")
	}
}

func TestSubmitScore_PendingShapesCarryNoScore(t *testing.T) {
	c, p, srv := newClient(t)

	if _, err := c.SubmitScore(context.Background(), srv.URL+"/lineitems/1", lti.InProgressSubmission("u")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.SubmitScore(context.Background(), srv.URL+"/lineitems/1", lti.PendingSubmission("u")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.scores) != 2 {
		t.Fatalf("expected 2 posted scores, got %d", len(p.scores))
	}
	inprog, pending := p.scores[0], p.scores[1]
	if inprog.ActivityProgress != "InProgress" || inprog.GradingProgress != "PendingManual" || inprog.SubmittedAt == "" {
		t.Fatalf("unexpected first-open payload %+v", inprog)
	}
	if pending.ActivityProgress != "Submitted" || pending.GradingProgress != "PendingManual" {
		t.Fatalf("unexpected pending payload %+v", pending)
	}
	for _, s := range p.scores {
		if s.ScoreGiven != nil || s.ScoreMaximum != nil {
			t.Fatalf("status payloads must carry no score fields: %+v", s)
		}
	}
}

func TestGetResult_AbsentOn404(t *testing.T) {
	c, _, srv := newClient(t)

	_, found, err := c.GetResult(context.Background(), srv.URL+"/lineitems/1", "u")
	if err != nil {
		t.Fatalf("404 is a normal outcome, not an error: %v", err)
	}
	if found {
		t.Fatalf("expected absent result")
	}
}

func TestGetResult_Found(t *testing.T) {
	c, p, srv := newClient(t)
	score := 80.0
	p.results = []lti.Result{{ID: "https://plat.example/results/9", UserID: "u", ResultScore: &score}}

	res, found, err := c.GetResult(context.Background(), srv.URL+"/lineitems/1", "u")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || res.ResultScore == nil || *res.ResultScore != 80 {
		t.Fatalf("unexpected result %+v found=%v", res, found)
	}
}
