// Package app wires every component from a Config. Both binaries build
// through it so the server and the operator CLI share one object graph.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Guizzs26/booking-sync/internal/config"
	"github.com/Guizzs26/booking-sync/internal/engine"
	"github.com/Guizzs26/booking-sync/internal/erp"
	"github.com/Guizzs26/booking-sync/internal/events"
	"github.com/Guizzs26/booking-sync/internal/httpapi"
	"github.com/Guizzs26/booking-sync/internal/outcome"
	"github.com/Guizzs26/booking-sync/internal/reconcile"
	"github.com/Guizzs26/booking-sync/internal/redisx"
	"github.com/Guizzs26/booking-sync/internal/storefront"
	"github.com/Guizzs26/booking-sync/internal/webhook"
)

const kafkaBuffer = 256

type App struct {
	Config     config.Config
	Store      *outcome.Store
	ERP        *erp.Client
	Storefront *storefront.Client
	Engine     *engine.Engine
	Reconciler *reconcile.Reconciler
	Events     events.Publisher

	logger  *slog.Logger
	closers []func() error
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) (err error) {
	cfg, logger := a.Config, a.logger

	a.Store, err = outcome.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { a.Store.Close(); return nil })

	if err := a.Store.InitSchema(ctx); err != nil {
		return err
	}

	deps := engine.Deps{}

	if cfg.RedisAddr != "" {
		rdb, err := redisx.New(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rdb.Close)
		deps.Locker = redisx.NewLocker(rdb, redisx.TTLLock, logger)
		deps.Cache = redisx.NewIDCache(rdb)
		logger.Info("Using Redis for locks and ERP id cache", "addr", cfg.RedisAddr)
	}

	a.Events, err = newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Events.Close)
	deps.Events = a.Events

	a.ERP = erp.NewClient(cfg, logger)
	a.Storefront = storefront.NewClient(cfg, logger)

	deps.ERP = a.ERP
	deps.Store = a.Store
	a.Engine = engine.New(deps, cfg, logger)
	a.Reconciler = reconcile.New(a.Storefront, a.Engine, a.Store, cfg, logger)

	return nil
}

func newPublisher(cfg config.Config, logger *slog.Logger) (events.Publisher, error) {
	switch cfg.EventsSink {
	case "rabbitmq":
		p, err := events.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			return nil, fmt.Errorf("events sink: %w", err)
		}
		return p, nil
	case "kafka":
		return events.NewKafkaPublisher(cfg.KafkaBrokers, events.DefaultKafkaTopic, kafkaBuffer, logger), nil
	default:
		return events.Noop{}, nil
	}
}

// Handler builds the HTTP surface over the wired components.
func (a *App) Handler() http.Handler {
	h := httpapi.NewHandler(httpapi.Deps{
		Verifier:   webhook.NewVerifier(a.Config.WebhookSecret, a.Config.WebhookMaxBodyBytes),
		Storefront: a.Storefront,
		Syncer:     a.Engine,
		ERP:        a.ERP,
		Store:      a.Store,
		Reconciler: a.Reconciler,
	}, a.Config, a.logger)
	return httpapi.NewRouter(h, a.logger)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
