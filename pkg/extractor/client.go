// Package extractor provides a client for the external vision-extraction
// service that turns document blobs into structured invoice JSON.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clearledger/invoice-sentinel/internal/keypool"
	"github.com/clearledger/invoice-sentinel/internal/model"
	"github.com/clearledger/invoice-sentinel/internal/resilience"
)

// CredentialSource supplies API keys and accepts exhaustion reports. The
// key pool implements it.
type CredentialSource interface {
	GetActive() (keypool.Credential, error)
	MarkExhausted(hash, reason string)
	Size() int
}

// Client defines the extraction operations.
type Client interface {
	// Extract submits a document and returns the structured result.
	Extract(ctx context.Context, document []byte, filename string) (*model.ExtractionResult, error)
}

// Option configures the extractor client.
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

type httpClient struct {
	baseURL string
	creds   CredentialSource
	http    *http.Client
}

// NewClient creates an extraction-service client backed by a credential pool.
func NewClient(baseURL string, creds CredentialSource, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		creds:   creds,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract submits the document, failing over to the next pool credential on
// quota rejection. The failover loop is capped at one pass over the pool.
func (c *httpClient) Extract(ctx context.Context, document []byte, filename string) (*model.ExtractionResult, error) {
	attempts := c.creds.Size()
	for i := 0; i < attempts; i++ {
		cred, err := c.creds.GetActive()
		if err != nil {
			break
		}

		result, quotaHit, err := c.extractOnce(ctx, cred, document, filename)
		if err != nil {
			return nil, err
		}
		if quotaHit {
			c.creds.MarkExhausted(cred.Hash, "extraction service rejected credential quota")
			continue
		}
		return result, nil
	}
	return nil, &resilience.QuotaExhaustedError{PoolSize: c.creds.Size()}
}

func (c *httpClient) extractOnce(ctx context.Context, cred keypool.Credential, document []byte, filename string) (*model.ExtractionResult, bool, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("document", filename)
	if err != nil {
		return nil, false, eris.Wrap(err, "extractor: build form")
	}
	if _, err := part.Write(document); err != nil {
		return nil, false, eris.Wrap(err, "extractor: write document")
	}
	if err := mw.Close(); err != nil {
		return nil, false, eris.Wrap(err, "extractor: close form")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/extract", &buf)
	if err != nil {
		return nil, false, eris.Wrap(err, "extractor: create request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+cred.Secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, &resilience.ServiceUnavailableError{Service: "extractor", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, eris.Wrap(err, "extractor: read response body")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusPaymentRequired:
		zap.L().Warn("extraction credential over quota",
			zap.String("key", model.Credential{KeyHash: cred.Hash}.HashPrefix()),
			zap.Int("status", resp.StatusCode))
		return nil, true, nil
	case resp.StatusCode >= 500:
		return nil, false, &resilience.ServiceUnavailableError{
			Service: "extractor",
			Err:     eris.Errorf("status %d: %s", resp.StatusCode, string(body)),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, false, &resilience.ExtractionError{
			Reason: eris.Errorf("status %d: %s", resp.StatusCode, string(body)).Error(),
		}
	}

	var result model.ExtractionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, false, eris.Wrap(err, "extractor: unmarshal result")
	}
	return &result, false, nil
}
