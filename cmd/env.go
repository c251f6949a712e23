package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clearledger/invoice-sentinel/internal/compliance"
	"github.com/clearledger/invoice-sentinel/internal/duplicate"
	"github.com/clearledger/invoice-sentinel/internal/keypool"
	"github.com/clearledger/invoice-sentinel/internal/pipeline"
	"github.com/clearledger/invoice-sentinel/internal/ratetable"
	"github.com/clearledger/invoice-sentinel/internal/store"
	"github.com/clearledger/invoice-sentinel/internal/verify"
	"github.com/clearledger/invoice-sentinel/pkg/extractor"
	"github.com/clearledger/invoice-sentinel/pkg/taxportal"
)

// sentinelEnv holds the wired store, clients, and processor shared by the
// process/batch/worker/serve commands.
type sentinelEnv struct {
	Store     store.Store
	Processor *pipeline.Processor
	Rates     *ratetable.Table
	Keys      *keypool.Pool
	Verify    *verify.Service
	Extractor extractor.Client
}

// Close releases resources held by the environment.
func (e *sentinelEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "sentinel.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, rate table, key pool, portal and extractor
// clients, and the invoice processor. Callers should defer env.Close().
func initEnv(ctx context.Context) (*sentinelEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rates, err := ratetable.Load(cfg.RateTable.Path)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load rate table")
	}
	zap.L().Info("rate table loaded", zap.Int("codes", rates.Len()))

	linker := duplicate.NewLinker(st)
	engine := compliance.NewEngine(rates, st, linker, cfg.Pipeline)
	processor := pipeline.NewProcessor(st, engine, linker)

	portal := taxportal.NewClient(cfg.Portal.BaseURL,
		taxportal.WithRateLimit(cfg.Portal.RequestsPerSec),
		taxportal.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Portal.TimeoutSecs) * time.Second,
		}))
	sessions := verify.NewSessionStore(cfg.Session.SessionTTL(), cfg.Session.MaxPending)
	verifySvc := verify.NewService(st, portal, sessions)

	keys := keypool.New(cfg.Extractor.Keys)
	ext := extractor.NewClient(cfg.Extractor.BaseURL, keys,
		extractor.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Extractor.TimeoutSecs) * time.Second,
		}))

	return &sentinelEnv{
		Store:     st,
		Processor: processor,
		Rates:     rates,
		Keys:      keys,
		Verify:    verifySvc,
		Extractor: ext,
	}, nil
}
