package main

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/mind-engage/xapi-gradesync/internal/catalog"
	"github.com/mind-engage/xapi-gradesync/internal/config"
	"github.com/mind-engage/xapi-gradesync/internal/db"
	"github.com/mind-engage/xapi-gradesync/internal/grade"
	"github.com/mind-engage/xapi-gradesync/internal/interactions"
	"github.com/mind-engage/xapi-gradesync/internal/launch"
	"github.com/mind-engage/xapi-gradesync/internal/lrs"
	"github.com/mind-engage/xapi-gradesync/internal/lti"
	"github.com/mind-engage/xapi-gradesync/internal/modstate"
	"github.com/mind-engage/xapi-gradesync/internal/sweep"
)

func main() {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}

	// --- Stores ---
	ilog := interactions.NewSQLStore(dbh, cfg.DBDriver)
	cat := catalog.NewSQLStore(dbh, cfg.DBDriver)
	states := modstate.NewSQLStore(dbh, cfg.DBDriver, cfg.BookmarkMaxBytes, modstate.NewQuizMarkerRepairer(), cat)
	sessions := launch.NewSQLResolver(dbh, cfg.LaunchHMACSecret)

	// --- Score publisher (optional: disabled without platform creds) ---
	var agsKey *rsa.PrivateKey
	if cfg.AGSPrivateKeyPEM != "" {
		agsKey, err = lti.ParsePrivateKey([]byte(cfg.AGSPrivateKeyPEM))
		if err != nil {
			log.Fatalf("ags private key: %v", err)
		}
	}

	var grader *grade.Service
	if cfg.AGSTokenURL != "" && agsKey != nil {
		weights := grade.Weights{
			Engagement:  cfg.WeightEngagement,
			Mastery:     cfg.WeightMastery,
			Punctuality: cfg.WeightPunctuality,
		}
		grader = &grade.Service{
			Calc:      grade.NewCalculator(ilog, cat, weights),
			Overrides: grade.NewSQLOverrideSource(dbh),
			Modules:   cat,
			NewSubmitter: func() grade.ScoreSubmitter {
				// One client per launch context; tokens are never shared.
				return lti.NewClient(cfg.AGSTokenURL, cfg.AGSClientID, agsKey)
			},
			Pending: ilog,
			Log:     zl,
		}
	} else {
		zl.Warn("AGS credentials not configured; grades will not be published")
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "PUT", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Experience-API-Version"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := lrs.NewHandlers(sessions, ilog, states, grader, zl)
	r.Mount("/xapi", h.Routes())

	// Catalog + launch admin (basic auth, bcrypt hash from config).
	r.Group(func(ar chi.Router) {
		ar.Use(catalog.BasicAuth(cfg.AdminUser, cfg.AdminPassHash))
		ar.Put("/admin/modules", catalog.PutModuleHandler(cat))
		ar.Get("/admin/modules", catalog.GetModuleHandler(cat))
		ar.Post("/admin/launches", mintLaunchHandler(sessions))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	// --- Pending-reprocessing sweep ---
	swCtx, swCancel := context.WithCancel(context.Background())
	defer swCancel()
	if grader != nil {
		sw := &sweep.Sweeper{
			Log:      ilog,
			Grader:   grader,
			Sessions: sessions,
			Interval: cfg.SweepInterval,
			Batch:    cfg.SweepBatch,
			Zap:      zl,
		}
		go sw.Run(swCtx)
	}

	log.Printf("listening on %s (db=%s)", cfg.HTTPAddr, cfg.DBDriver)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}

// mintLaunchHandler is the operational hook the host SSO layer calls after a
// successful LTI launch: it stores the launch context and returns the bearer
// token the player will use against the xAPI façade.
func mintLaunchHandler(sessions *launch.SQLResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			LearnerID    string `json:"learner_id"`
			HostUserID   int64  `json:"host_user_id"`
			CourseID     int64  `json:"course_id"`
			AssignmentID int64  `json:"assignment_id"`
			SectionID    int64  `json:"section_id"`
			ActivityID   string `json:"activity_id"`
			LineItemURL  string `json:"line_item_url"`
			TTLSeconds   int64  `json:"ttl_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.LearnerID == "" || req.ActivityID == "" {
			http.Error(w, "learner_id and activity_id required", http.StatusBadRequest)
			return
		}
		ttl := time.Duration(req.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 8 * time.Hour
		}
		tok, err := sessions.Mint(r.Context(), launch.Session{
			LearnerID:    req.LearnerID,
			HostUserID:   req.HostUserID,
			CourseID:     req.CourseID,
			AssignmentID: req.AssignmentID,
			SectionID:    req.SectionID,
			ActivityID:   req.ActivityID,
			LineItemURL:  req.LineItemURL,
		}, ttl)
		if err != nil {
			http.Error(w, "mint launch", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": tok})
	}
}
