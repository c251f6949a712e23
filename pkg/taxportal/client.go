// Package taxportal provides a client for the tax-authority verification
// portal, a microservice that renders CAPTCHA challenges and verifies tax
// IDs against the government registry.
package taxportal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ErrUnavailable wraps network failures and portal-side errors. Callers may
// retry the whole exchange later; the session they held is gone either way.
var ErrUnavailable = eris.New("taxportal: service unavailable")

// Client defines the portal operations.
type Client interface {
	// FetchChallenge obtains a fresh CAPTCHA session from the portal.
	FetchChallenge(ctx context.Context) (*Challenge, error)
	// Verify redeems a CAPTCHA session against a tax ID.
	Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error)
}

// Challenge is a one-time CAPTCHA session issued by the portal.
type Challenge struct {
	SessionID   string `json:"sessionId"`
	ImageBase64 string `json:"image"`
}

// VerifyRequest redeems a challenge for a tax-ID lookup.
type VerifyRequest struct {
	SessionID string `json:"sessionId"`
	TaxID     string `json:"taxId"`
	Response  string `json:"response"`
}

// VerifyResponse is the portal's answer. A non-empty Error with no business
// data means the challenge response was rejected; that is a terminal outcome
// for the session, not a transport failure.
type VerifyResponse struct {
	Status           string `json:"status"`
	LegalName        string `json:"legalName"`
	TradeName        string `json:"tradeName"`
	RegistrationDate string `json:"registrationDate"`
	BusinessType     string `json:"businessType"`
	Address          string `json:"address"`
	EInvoiceStatus   string `json:"eInvoiceStatus"`
	Error            string `json:"error"`
}

// Rejected reports whether the portal refused the challenge response.
func (r *VerifyResponse) Rejected() bool {
	return r.Error != ""
}

// Option configures the portal client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outbound requests per second. The portal throttles
// aggressive callers, so the default is deliberately low.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a tax-portal client.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(2), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) FetchChallenge(ctx context.Context) (*Challenge, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/getCaptcha", nil)
	if err != nil {
		return nil, err
	}

	var ch Challenge
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, eris.Wrap(err, "taxportal: unmarshal challenge")
	}
	if ch.SessionID == "" {
		return nil, eris.Wrap(ErrUnavailable, "portal returned challenge without session id")
	}
	return &ch, nil
}

func (c *httpClient) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "taxportal: marshal verify request")
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v1/verify", payload)
	if err != nil {
		return nil, err
	}

	var resp VerifyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "taxportal: unmarshal verify response")
	}
	return &resp, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "taxportal: rate limit wait")
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, eris.Wrap(err, "taxportal: create request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(ErrUnavailable, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "taxportal: read response body")
	}

	// The portal answers business rejections with 200 plus an error field;
	// anything else here is the service itself misbehaving.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return nil, eris.Wrapf(ErrUnavailable, "%s %s: status %d: %s", method, path, resp.StatusCode, string(body))
	}

	return body, nil
}
