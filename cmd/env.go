package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procurehq/rfq-engine/internal/auction"
	"github.com/procurehq/rfq-engine/internal/award"
	"github.com/procurehq/rfq-engine/internal/blob"
	"github.com/procurehq/rfq-engine/internal/jobs"
	"github.com/procurehq/rfq-engine/internal/notify"
	"github.com/procurehq/rfq-engine/internal/ocr"
	"github.com/procurehq/rfq-engine/internal/settlement"
	"github.com/procurehq/rfq-engine/internal/shipping"
	"github.com/procurehq/rfq-engine/internal/store"
)

// engineEnv holds the store, queue, and managers shared by the worker,
// serve, and manual-trigger commands.
type engineEnv struct {
	Store      store.Store
	Queue      *jobs.Queue
	Engine     *auction.Engine
	Awards     *award.Manager
	Shipping   *shipping.Manager
	Settlement *settlement.Manager
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
		if err != nil {
			return nil, eris.Wrap(err, "init postgres store")
		}
		return st, nil
	case "sqlite", "":
		st, err := store.NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "init sqlite store")
		}
		return st, nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEngine wires the store, queue, notification sink, and all managers.
// Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	sink := notify.NewStoreSink(st, cfg.Notify)
	queue := jobs.New(st, cfg.Queue)
	engine := auction.NewEngine(st, sink, queue)
	engine.RegisterHandlers(queue)

	extractor, err := ocr.NewExtractor(cfg.OCR, cfg.OCR.MistralAPIKey)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	blobs, err := blob.NewFSStore(cfg.Blob.Dir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	signer, err := blob.NewHMACSigner(cfg.Blob)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	zap.L().Info("engine initialized",
		zap.String("driver", cfg.Store.Driver),
		zap.String("ocr_provider", cfg.OCR.Provider))

	return &engineEnv{
		Store:      st,
		Queue:      queue,
		Engine:     engine,
		Awards:     award.NewManager(st, sink, queue),
		Shipping:   shipping.NewManager(st, sink, extractor, cfg.OCR),
		Settlement: settlement.NewManager(st, blobs, signer, sink),
	}, nil
}
