package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/pario-ai/pit/pkg/anomaly"
	"github.com/pario-ai/pit/pkg/bout"
	"github.com/pario-ai/pit/pkg/budget"
	"github.com/pario-ai/pit/pkg/catalog"
	"github.com/pario-ai/pit/pkg/config"
	"github.com/pario-ai/pit/pkg/ledger"
	"github.com/pario-ai/pit/pkg/logging"
	"github.com/pario-ai/pit/pkg/metrics"
	"github.com/pario-ai/pit/pkg/models"
	"github.com/pario-ai/pit/pkg/pricing"
	"github.com/pario-ai/pit/pkg/router"
	"github.com/pario-ai/pit/pkg/store"
	"github.com/pario-ai/pit/pkg/tracker"
)

// app holds the components every command shares. All of them except the
// anomaly log live in one sqlite file.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB
	ledger    *ledger.SQLiteLedger
	bouts     *bout.Store
	tracker   *tracker.SQLiteTracker
	anomalies *anomaly.Logger
	catalog   *catalog.Catalog
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.LoadOrBuiltin(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db, catalog: cat}

	a.ledger, err = ledger.NewWithDB(db, ledger.Config{
		StartingMicro: models.CreditsToMicro(cfg.Ledger.StartingCredits),
		Intro:         cfg.Pools.Intro,
		Daily:         cfg.Pools.Daily,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	if a.bouts, err = bout.NewStore(db); err != nil {
		a.Close()
		return nil, fmt.Errorf("init bout store: %w", err)
	}
	if a.tracker, err = tracker.NewWithDB(db); err != nil {
		a.Close()
		return nil, fmt.Errorf("init tracker: %w", err)
	}
	if cfg.Anomaly.Enabled {
		if a.anomalies, err = anomaly.New(cfg.Anomaly); err != nil {
			a.Close()
			return nil, fmt.Errorf("init anomaly log: %w", err)
		}
	}
	return a, nil
}

// Close releases everything openApp opened.
func (a *app) Close() error {
	var errs []error
	if a.anomalies != nil {
		errs = append(errs, a.anomalies.Close())
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}

// engine wires a bout engine whose collectors register on reg.
func (a *app) engine(reg prometheus.Registerer) (*bout.Engine, error) {
	deps := bout.Deps{
		Store:     a.bouts,
		Ledger:    a.ledger,
		Generator: router.NewWithFactory(a.cfg, router.DefaultFactory, a.logger),
		Catalog:   a.catalog,
		Allocator: budget.NewAllocator(a.cfg.Engine.ContextWindows),
		Pricing:   priceTable(a.cfg),
		Usage:     a.tracker,
		Metrics:   metrics.New(reg),
		Logger:    a.logger,
	}
	if a.anomalies != nil {
		deps.Anomalies = a.anomalies
	}
	return bout.New(bout.Config{
		DefaultModel:   a.cfg.Engine.DefaultModel,
		ShareLineModel: a.cfg.Engine.ShareLineModel,
		CreditsEnabled: a.cfg.Ledger.CreditsEnabled,
		RunTimeout:     a.cfg.Engine.RunTimeout,
		StaleAfter:     a.cfg.Engine.StaleAfter,
		FirstTokenWarn: a.cfg.Engine.FirstTokenWarn,
		ShareLine:      a.cfg.Engine.ShareLine,
	}, deps)
}

func priceTable(cfg *config.Config) *pricing.Table {
	overrides := make(map[string]pricing.Price, len(cfg.Engine.Pricing))
	for _, p := range cfg.Engine.Pricing {
		overrides[p.Model] = pricing.Price{
			InputPerMillion:  decimal.NewFromFloat(p.Input),
			OutputPerMillion: decimal.NewFromFloat(p.Output),
		}
	}
	return pricing.NewTable(overrides)
}
