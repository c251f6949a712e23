package taxportal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/getCaptcha", r.URL.Path)
		json.NewEncoder(w).Encode(Challenge{SessionID: "sess-123", ImageBase64: "aW1n"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRateLimit(1000))
	ch, err := c.FetchChallenge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-123", ch.SessionID)
	assert.Equal(t, "aW1n", ch.ImageBase64)
}

func TestFetchChallenge_MissingSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRateLimit(1000))
	_, err := c.FetchChallenge(context.Background())
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrUnavailable))
}

func TestVerify_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/verify", r.URL.Path)

		var req VerifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sess-123", req.SessionID)
		assert.Equal(t, "29ABCDE1234F1Z5", req.TaxID)

		json.NewEncoder(w).Encode(VerifyResponse{
			Status:    "Active",
			LegalName: "Acme Supplies Pvt Ltd",
			TradeName: "Acme",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRateLimit(1000))
	resp, err := c.Verify(context.Background(), VerifyRequest{
		SessionID: "sess-123",
		TaxID:     "29ABCDE1234F1Z5",
		Response:  "x7k2p",
	})
	require.NoError(t, err)
	assert.False(t, resp.Rejected())
	assert.Equal(t, "Acme Supplies Pvt Ltd", resp.LegalName)
}

func TestVerify_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(VerifyResponse{Error: "invalid captcha response"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRateLimit(1000))
	resp, err := c.Verify(context.Background(), VerifyRequest{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.True(t, resp.Rejected())
	assert.Equal(t, "invalid captcha response", resp.Error)
}

func TestVerify_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRateLimit(1000))
	_, err := c.Verify(context.Background(), VerifyRequest{SessionID: "sess-1"})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrUnavailable))
}

func TestVerify_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, WithRateLimit(1000))
	_, err := c.Verify(context.Background(), VerifyRequest{SessionID: "sess-1"})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrUnavailable))
}
