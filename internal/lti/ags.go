// internal/lti/ags.go
package lti

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

/*
AGS score-publishing client.

Auth: client_credentials with a private_key_jwt client assertion (RS256),
scoped to line-item read/write plus score/result operations. One client
instance serves one launch context; tokens are not shared or refreshed
across instances.

No internal retries: auth and submission failures surface to the caller,
which owns backoff policy.
*/

const (
	assertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeResultReadOnly   = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
)

// ErrAuth marks token-endpoint failures so callers can tell an auth problem
// from a submission problem.
var ErrAuth = errors.New("ags authentication failed")

// ===== Models (per IMS AGS 2.0 spec, trimmed to what we use) =====

type Score struct {
	UserID           string   `json:"userId"`
	Timestamp        string   `json:"timestamp"`              // RFC3339
	ScoreGiven       *float64 `json:"scoreGiven,omitempty"`   // awarded points
	ScoreMaximum     *float64 `json:"scoreMaximum,omitempty"` // max points
	ActivityProgress string   `json:"activityProgress"`       // Initialized|InProgress|Submitted|Completed
	GradingProgress  string   `json:"gradingProgress"`        // NotReady|Pending|Failed|PendingManual|FullyGraded
	SubmittedAt      string   `json:"submittedAt,omitempty"`  // RFC3339
	Comment          string   `json:"comment,omitempty"`
}

type Result struct {
	ID            string   `json:"id,omitempty"` // result URL
	UserID        string   `json:"userId,omitempty"`
	ResultScore   *float64 `json:"resultScore,omitempty"`
	ResultMaximum *float64 `json:"resultMaximum,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	Timestamp     string   `json:"timestamp,omitempty"`
}

// submittedAtSentinel is the fixed non-meaningful timestamp carried by the
// first-open submission, where nothing gradable exists yet.
var submittedAtSentinel = time.Unix(0, 0).UTC().Format(time.RFC3339)

// InProgressSubmission is the first-open payload: the learner opened the
// module, nothing to grade yet.
func InProgressSubmission(userID string) Score {
	return Score{
		UserID:           userID,
		ActivityProgress: "InProgress",
		GradingProgress:  "PendingManual",
		SubmittedAt:      submittedAtSentinel,
	}
}

// PendingSubmission marks work submitted and awaiting manual review.
func PendingSubmission(userID string) Score {
	return Score{
		UserID:           userID,
		ActivityProgress: "Submitted",
		GradingProgress:  "PendingManual",
	}
}

// FullyGradedSubmission carries a computed numeric grade.
func FullyGradedSubmission(userID string, scoreGiven, scoreMaximum float64) Score {
	return Score{
		UserID:           userID,
		ActivityProgress: "Submitted",
		GradingProgress:  "FullyGraded",
		ScoreGiven:       &scoreGiven,
		ScoreMaximum:     &scoreMaximum,
	}
}

// ===== Client =====

type Client struct {
	HTTP *http.Client

	TokenURL   string
	ClientID   string
	PrivateKey *rsa.PrivateKey
	Scopes     []string

	Now func() time.Time

	accessToken string
}

func NewClient(tokenURL, clientID string, key *rsa.PrivateKey) *Client {
	return &Client{
		HTTP:       &http.Client{Timeout: 15 * time.Second},
		TokenURL:   tokenURL,
		ClientID:   clientID,
		PrivateKey: key,
		Scopes:     []string{ScopeLineItem, ScopeLineItemReadOnly, ScopeScore, ScopeResultReadOnly},
		Now:        time.Now,
	}
}

// ParsePrivateKey reads the tool's RSA signing key from PEM.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	return jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
}

// Authenticate performs the client_credentials grant once for this client
// instance. Subsequent calls are no-ops.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.accessToken != "" {
		return nil
	}
	if c.TokenURL == "" || c.ClientID == "" || c.PrivateKey == nil {
		return fmt.Errorf("%w: missing TokenURL/ClientID/PrivateKey", ErrAuth)
	}

	assertion, err := c.clientAssertion()
	if err != nil {
		return fmt.Errorf("%w: sign assertion: %v", ErrAuth, err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", assertionTypeJWTBearer)
	form.Set("client_assertion", assertion)
	form.Set("scope", strings.Join(c.Scopes, " "))

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: token endpoint returned %s", ErrAuth, resp.Status)
	}
	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in,omitempty"`
		TokenType   string `json:"token_type,omitempty"`
		Scope       string `json:"scope,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("%w: empty access_token in token response", ErrAuth)
	}
	c.accessToken = tr.AccessToken
	return nil
}

// clientAssertion builds the signed private_key_jwt: iss == sub == client_id,
// audience is the token endpoint.
func (c *Client) clientAssertion() (string, error) {
	now := c.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.ClientID,
		Subject:   c.ClientID,
		Audience:  jwt.ClaimStrings{c.TokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        uuid.NewString(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return t.SignedString(c.PrivateKey)
}

// SubmitScore POSTs the payload to "{lineItemURL}/scores" and returns the
// result URL the platform reports (or the results collection URL when the
// platform returns a bare 2xx).
func (c *Client) SubmitScore(ctx context.Context, lineItemURL string, s Score) (string, error) {
	if lineItemURL == "" {
		return "", errors.New("lineItemURL required")
	}
	if s.UserID == "" {
		return "", errors.New("score.userId required")
	}
	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}
	if s.Timestamp == "" {
		s.Timestamp = c.Now().UTC().Format(time.RFC3339Nano)
	}

	u := strings.TrimRight(lineItemURL, "/") + "/scores"
	body, _ := json.Marshal(s)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/vnd.ims.lis.v1.score+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", httpErr("post score", resp)
	}
	var out struct {
		ResultURL string `json:"resultUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && out.ResultURL != "" {
		return out.ResultURL, nil
	}
	return strings.TrimRight(lineItemURL, "/") + "/results?user_id=" + url.QueryEscape(s.UserID), nil
}

// GetResult reads the prior result for one user. A platform 404 and an empty
// container are both the normal "no result yet" outcome, not errors.
func (c *Client) GetResult(ctx context.Context, lineItemURL, userID string) (Result, bool, error) {
	if lineItemURL == "" {
		return Result{}, false, errors.New("lineItemURL required")
	}
	if err := c.Authenticate(ctx); err != nil {
		return Result{}, false, err
	}

	u, _ := url.Parse(strings.TrimRight(lineItemURL, "/") + "/results")
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/vnd.ims.lis.v2.resultcontainer+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Result{}, false, nil
	}
	if resp.StatusCode/100 != 2 {
		return Result{}, false, httpErr("get result", resp)
	}
	var out []Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, false, err
	}
	if len(out) == 0 {
		return Result{}, false, nil
	}
	return out[0], true, nil
}

// Uniform HTTP error helper.
func httpErr(op string, resp *http.Response) error {
	return fmt.Errorf("%s: platform returned %s", op, resp.Status)
}
