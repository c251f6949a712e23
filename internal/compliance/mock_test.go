package compliance

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/clearledger/invoice-sentinel/internal/model"
)

type fakeHistory struct {
	avg     decimal.Decimal
	samples int
	err     error
	calls   int
}

func (f *fakeHistory) HistoricalAverage(_ context.Context, _, _, _ string) (decimal.Decimal, int, error) {
	f.calls++
	return f.avg, f.samples, f.err
}

type fakeDups struct {
	original *model.Invoice
	err      error
	calls    int
}

func (f *fakeDups) FindOriginal(_ context.Context, _ *model.Invoice) (*model.Invoice, error) {
	f.calls++
	return f.original, f.err
}
