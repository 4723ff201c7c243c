package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	// Composite grade weights; must sum to exactly 1.0.
	WeightEngagement  float64
	WeightMastery     float64
	WeightPunctuality float64

	// State store limits.
	BookmarkMaxBytes int

	// Launch-session token verification.
	LaunchHMACSecret string

	// AGS tool credentials (private_key_jwt).
	AGSClientID      string
	AGSTokenURL      string
	AGSPrivateKeyPEM string // RSA private key, PEM-encoded

	// Module catalog admin (basic auth, bcrypt hash).
	AdminUser     string
	AdminPassHash string

	// pending_reprocessing sweep.
	SweepInterval time.Duration
	SweepBatch    int

	CORSOrigins []string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:  addr,
		PublicURL: os.Getenv("PUBLIC_URL"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		WeightEngagement:  envFloat("WEIGHT_ENGAGEMENT", 0.4),
		WeightMastery:     envFloat("WEIGHT_MASTERY", 0.4),
		WeightPunctuality: envFloat("WEIGHT_PUNCTUALITY", 0.2),

		BookmarkMaxBytes: envInt("BOOKMARK_MAX_BYTES", 1000),

		LaunchHMACSecret: envOr("LAUNCH_HMAC_SECRET", "supersecret-dev-key"),

		AGSClientID:      envOr("AGS_CLIENT_ID", "TOOL_CLIENT_ID"),
		AGSTokenURL:      os.Getenv("AGS_TOKEN_URL"),
		AGSPrivateKeyPEM: os.Getenv("AGS_PRIVATE_KEY_PEM"),

		AdminUser:     envOr("ADMIN_USER", "admin"),
		AdminPassHash: envOr("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji"),

		SweepInterval: envDuration("SWEEP_INTERVAL", 5*time.Minute),
		SweepBatch:    envInt("SWEEP_BATCH", 200),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}

// Validate rejects configurations the grading engine cannot run with.
func (c Config) Validate() error {
	if sum := c.WeightEngagement + c.WeightMastery + c.WeightPunctuality; sum != 1.0 {
		return fmt.Errorf("grade weights must sum to 1.0, got %v", sum)
	}
	if c.BookmarkMaxBytes <= 0 {
		return fmt.Errorf("BOOKMARK_MAX_BYTES must be positive, got %d", c.BookmarkMaxBytes)
	}
	if c.SweepBatch <= 0 {
		return fmt.Errorf("SWEEP_BATCH must be positive, got %d", c.SweepBatch)
	}
	return nil
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
