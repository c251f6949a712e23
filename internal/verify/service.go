// Package verify implements the tax-ID verification cache and the CAPTCHA
// challenge/response exchange with the external portal.
package verify

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clearledger/invoice-sentinel/internal/model"
	"github.com/clearledger/invoice-sentinel/internal/resilience"
	"github.com/clearledger/invoice-sentinel/pkg/taxportal"
)

// ErrSessionInvalid is returned by Submit for unknown, expired, or
// already-redeemed sessions. The caller must request a fresh challenge.
var ErrSessionInvalid = eris.New("verify: session unknown or expired")

// ErrTooManySessions is returned when the pending-session cap is reached.
var ErrTooManySessions = eris.New("verify: too many pending sessions")

// CacheStore is the persistence the service needs: the tax-ID cache plus the
// ability to flip verification status on the invoices that carry a tax ID.
type CacheStore interface {
	GetTaxIDRecord(ctx context.Context, taxID string) (*model.TaxIDRecord, error)
	UpsertTaxIDRecord(ctx context.Context, rec *model.TaxIDRecord) error
	SetVerificationByTaxID(ctx context.Context, taxID string, status model.VerificationStatus) error
}

// Outcome is the result of a completed submit.
type Outcome struct {
	Verified bool
	Record   *model.TaxIDRecord
	Reason   string
}

// Service is the look-aside verification cache. Cache hits verify an invoice
// with no external I/O; misses go through the two-step CAPTCHA exchange.
type Service struct {
	store    CacheStore
	portal   taxportal.Client
	sessions *SessionStore
}

func NewService(store CacheStore, portal taxportal.Client, sessions *SessionStore) *Service {
	return &Service{store: store, portal: portal, sessions: sessions}
}

// Lookup returns the cached record for a tax ID, or nil on a miss.
func (s *Service) Lookup(ctx context.Context, taxID string) (*model.TaxIDRecord, error) {
	rec, err := s.store.GetTaxIDRecord(ctx, taxID)
	if err != nil {
		return nil, eris.Wrap(err, "verify: cache lookup")
	}
	return rec, nil
}

// RequestChallenge starts the external exchange: it fetches a CAPTCHA from
// the portal and registers the session locally with a bounded lifetime.
func (s *Service) RequestChallenge(ctx context.Context) (*taxportal.Challenge, error) {
	ch, err := s.portal.FetchChallenge(ctx)
	if err != nil {
		if eris.Is(err, taxportal.ErrUnavailable) {
			return nil, &resilience.ServiceUnavailableError{Service: "taxportal", Err: err}
		}
		return nil, err
	}
	if !s.sessions.Put(ch.SessionID) {
		return nil, ErrTooManySessions
	}

	zap.L().Debug("issued verification challenge", zap.String("session_id", ch.SessionID))
	return ch, nil
}

// Submit redeems a session exactly once. On success it refreshes the cache
// entry and marks the tax ID's invoices VERIFIED; a wrong response or an
// invalid session marks them FAILED. A portal outage leaves verification
// PENDING, the session is spent either way.
func (s *Service) Submit(ctx context.Context, sessionID, taxID, response string) (*Outcome, error) {
	if !s.sessions.Redeem(sessionID) {
		if err := s.store.SetVerificationByTaxID(ctx, taxID, model.VerificationFailed); err != nil {
			return nil, eris.Wrap(err, "verify: mark failed")
		}
		return nil, ErrSessionInvalid
	}

	resp, err := s.portal.Verify(ctx, taxportal.VerifyRequest{
		SessionID: sessionID,
		TaxID:     taxID,
		Response:  response,
	})
	if err != nil {
		if eris.Is(err, taxportal.ErrUnavailable) {
			return nil, &resilience.ServiceUnavailableError{Service: "taxportal", Err: err}
		}
		return nil, err
	}

	if resp.Rejected() {
		zap.L().Info("verification rejected",
			zap.String("tax_id", taxID), zap.String("reason", resp.Error))
		if err := s.store.SetVerificationByTaxID(ctx, taxID, model.VerificationFailed); err != nil {
			return nil, eris.Wrap(err, "verify: mark failed")
		}
		return &Outcome{Verified: false, Reason: resp.Error}, nil
	}

	rec, err := s.refreshCache(ctx, taxID, resp)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetVerificationByTaxID(ctx, taxID, model.VerificationVerified); err != nil {
		return nil, eris.Wrap(err, "verify: mark verified")
	}

	zap.L().Info("tax id verified",
		zap.String("tax_id", taxID),
		zap.String("legal_name", rec.LegalName),
		zap.Int("verification_count", rec.VerificationCount))
	return &Outcome{Verified: true, Record: rec}, nil
}

// refreshCache updates the cache entry in place. An existing entry keeps its
// identity and running verification count; only the business data and the
// last-verified stamp move forward.
func (s *Service) refreshCache(ctx context.Context, taxID string, resp *taxportal.VerifyResponse) (*model.TaxIDRecord, error) {
	rec, err := s.store.GetTaxIDRecord(ctx, taxID)
	if err != nil {
		return nil, eris.Wrap(err, "verify: cache read")
	}
	if rec == nil {
		rec = &model.TaxIDRecord{TaxID: taxID}
	}

	rec.LegalName = resp.LegalName
	rec.TradeName = resp.TradeName
	rec.Status = resp.Status
	rec.BusinessType = resp.BusinessType
	rec.Address = resp.Address
	rec.EInvoiceStatus = resp.EInvoiceStatus
	if resp.RegistrationDate != "" {
		if d, err := time.Parse("2006-01-02", resp.RegistrationDate); err == nil {
			rec.RegistrationDate = &d
		}
	}
	rec.LastVerifiedAt = time.Now().UTC()
	rec.VerificationCount++

	if err := s.store.UpsertTaxIDRecord(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "verify: cache write")
	}
	return rec, nil
}
