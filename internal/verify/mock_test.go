package verify

import (
	"context"

	"github.com/clearledger/invoice-sentinel/internal/model"
	"github.com/clearledger/invoice-sentinel/pkg/taxportal"
)

type fakeStore struct {
	records  map[string]*model.TaxIDRecord
	statuses map[string]model.VerificationStatus
	getErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:  make(map[string]*model.TaxIDRecord),
		statuses: make(map[string]model.VerificationStatus),
	}
}

func (f *fakeStore) GetTaxIDRecord(_ context.Context, taxID string) (*model.TaxIDRecord, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.records[taxID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) UpsertTaxIDRecord(_ context.Context, rec *model.TaxIDRecord) error {
	cp := *rec
	f.records[rec.TaxID] = &cp
	return nil
}

func (f *fakeStore) SetVerificationByTaxID(_ context.Context, taxID string, status model.VerificationStatus) error {
	f.statuses[taxID] = status
	return nil
}

type fakePortal struct {
	challenge      *taxportal.Challenge
	challengeErr   error
	challengeCalls int
	verifyResp     *taxportal.VerifyResponse
	verifyErr      error
	verifyCalls    int
}

func (f *fakePortal) FetchChallenge(context.Context) (*taxportal.Challenge, error) {
	f.challengeCalls++
	if f.challengeErr != nil {
		return nil, f.challengeErr
	}
	return f.challenge, nil
}

func (f *fakePortal) Verify(_ context.Context, _ taxportal.VerifyRequest) (*taxportal.VerifyResponse, error) {
	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.verifyResp, nil
}
