package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/stakehold/internal/auth"
)

// Config holds the configuration for connecting to the stakehold API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	// Token returns a bearer token for each request. Nil sends none, which
	// only a development server accepts.
	Token func() (string, error)
}

// IssuerTokens mints operator tokens from iss and reuses each one until it
// is close to expiry.
func IssuerTokens(iss *auth.Issuer, subject string, ttl time.Duration) func() (string, error) {
	var (
		mu      sync.Mutex
		token   string
		renewAt time.Time
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if token != "" && time.Now().Before(renewAt) {
			return token, nil
		}
		t, err := iss.Issue(subject, ttl)
		if err != nil {
			return "", err
		}
		token, renewAt = t, time.Now().Add(ttl*3/4)
		return token, nil
	}
}

// StakeholdClient is a pure HTTP client for the operator API.
type StakeholdClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewStakeholdClient creates a new client for the operator API.
func NewStakeholdClient(cfg Config) *StakeholdClient {
	return &StakeholdClient{
		cfg: cfg,
		httpClient: &http.Client{
			// Settlement can wait out several broadcast retries.
			Timeout: 60 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *StakeholdClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.Token != nil {
		token, err := c.cfg.Token()
		if err != nil {
			return nil, fmt.Errorf("issue operator token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func sessionPath(id string) string {
	return "/v1/sessions/" + url.PathEscape(id)
}

// CreateSession opens a new escrow session.
func (c *StakeholdClient) CreateSession(ctx context.Context, chainName, stake, participantA, participantB, timeout string) (json.RawMessage, error) {
	body := map[string]string{
		"chain":         chainName,
		"stake":         stake,
		"participant_a": participantA,
		"participant_b": participantB,
	}
	if timeout != "" {
		body["timeout"] = timeout
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/sessions", nil, body)
}

// GetSession returns one session.
func (c *StakeholdClient) GetSession(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, sessionPath(id), nil, nil)
}

// ListSessions lists sessions, optionally filtered by state.
func (c *StakeholdClient) ListSessions(ctx context.Context, state string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions", q, nil)
}

// PollDeposits checks the escrow balance and applies any new deposits.
func (c *StakeholdClient) PollDeposits(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, sessionPath(id)+"/poll", nil, nil)
}

// DeclareWinner settles an active session in favor of winner.
func (c *StakeholdClient) DeclareWinner(ctx context.Context, id, winner string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, sessionPath(id)+"/winner", nil, map[string]string{"winner": winner})
}

// CancelSession expires a session and refunds its depositors.
func (c *StakeholdClient) CancelSession(ctx context.Context, id, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, sessionPath(id)+"/cancel", nil, map[string]string{"reason": reason})
}

// SettleSession retries the payout owed by a resolved session.
func (c *StakeholdClient) SettleSession(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, sessionPath(id)+"/settle", nil, nil)
}

// LedgerEntries returns the reward ledger rows for a session.
func (c *StakeholdClient) LedgerEntries(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/ledger/"+url.PathEscape(id), nil, nil)
}

// ListChains returns the configured chains and their circuit state.
func (c *StakeholdClient) ListChains(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/chains", nil, nil)
}
