package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/messaging-fleet/internal/api"
	"github.com/LeventeLantos/messaging-fleet/internal/campaign"
	"github.com/LeventeLantos/messaging-fleet/internal/client"
	"github.com/LeventeLantos/messaging-fleet/internal/config"
	"github.com/LeventeLantos/messaging-fleet/internal/conn"
	"github.com/LeventeLantos/messaging-fleet/internal/creds"
	"github.com/LeventeLantos/messaging-fleet/internal/lease"
	"github.com/LeventeLantos/messaging-fleet/internal/metrics"
	"github.com/LeventeLantos/messaging-fleet/internal/ownership"
	"github.com/LeventeLantos/messaging-fleet/internal/queue"
	"github.com/LeventeLantos/messaging-fleet/internal/repo"
	"github.com/LeventeLantos/messaging-fleet/internal/scheduler"
	"github.com/LeventeLantos/messaging-fleet/internal/session"
	"github.com/LeventeLantos/messaging-fleet/internal/store"
)

type mode string

const (
	modeServe  mode = "serve"
	modeWorker mode = "worker"
)

const campaignQueue = "campaigns"

type app struct {
	cfg *config.Config
	log *slog.Logger

	rdb *redis.Client
	db  *sql.DB

	st        *store.Client
	creds     *creds.Store
	registry  *session.Registry
	ownership *ownership.Manager
	gateway   *client.Gateway
	service   *campaign.Service
	worker    *queue.Worker
	queue     *queue.Queue
	loops     scheduler.Group
}

func runApp(ctx context.Context, cfg *config.Config, m mode) error {
	log := newLogger(cfg.Log).With("pod", cfg.Server.PodID)
	slog.SetDefault(log)

	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	log.Info("messaging starting",
		"mode", string(m),
		"addr", cfg.Server.Address,
		"redis", cfg.Redis.Address,
		"archive", cfg.Database.Enabled,
		"concurrency", cfg.Queue.Concurrency,
	)

	h := api.NewHandler(api.Deps{
		Campaigns:   a.service,
		Connections: a.ownership,
		Sessions:    a.registry,
		Challenges:  a.creds,
		Fleet:       a.st,
		Events:      a.gateway,
		Logger:      log,
	})
	router := api.InternalRouter(h)
	if m == modeServe {
		router = api.Router(h)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.worker.Start()
	a.loops.StartAll()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	a.worker.Stop()
	a.loops.StopAll()
	a.ownership.Shutdown(shutdownCtx)

	log.Info("messaging stopped")
	return runErr
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	a.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.st = store.New(a.rdb, cfg.Redis.Prefix)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.st.Ping(pingCtx); err != nil {
		a.close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	var archive campaign.Archive
	if cfg.Database.Enabled {
		db, err := sql.Open("pgx", cfg.Database.PostgresURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.db = db
		pg := repo.NewPostgresCampaignArchive(db)
		if err := pg.Migrate(pingCtx); err != nil {
			a.close()
			return nil, fmt.Errorf("migrate archive: %w", err)
		}
		archive = pg
	}

	leases := lease.NewManager(a.st, cfg.Lease.RetryInterval, log)
	a.creds = creds.NewStore(a.st, creds.Options{
		CredentialTTL: cfg.Session.CredentialTTL,
		KeyTTL:        cfg.Session.KeyTTL,
		ChallengeTTL:  cfg.Session.ChallengeTTL,
	})
	a.gateway = client.NewGateway(cfg.Gateway.URL, cfg.Gateway.CallbackURL, cfg.Gateway.Timeout, log)

	a.registry = session.NewRegistry(func(userID string) session.Session {
		return conn.NewMachine(userID, a.gateway, a.creds, conn.Options{
			AuthorizedIdentities: cfg.Session.AuthorizedIdentities,
			ReconnectDelay:       cfg.Session.ReconnectDelay,
			LogoutDelay:          cfg.Session.LogoutDelay,
			Logger:               log,
		})
	}, session.Options{MaxConnected: cfg.Session.MaxConnected, Logger: log})

	a.ownership = ownership.NewManager(leases, a.registry, cfg.Server.PodID, cfg.Lease.ConnTTL, log)

	a.queue = queue.New(a.st, campaignQueue, queue.Options{
		Visibility:  cfg.Queue.Visibility,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Retention:   cfg.Queue.Retention,
		Keep:        cfg.Queue.Keep,
	})

	a.service = campaign.NewService(a.st, a.queue, archive, campaign.Options{
		Phone:            campaign.PhoneRule{CountryCode: cfg.Campaign.PhoneCountryCode, Length: cfg.Campaign.PhoneLength},
		HeartbeatTTL:     cfg.Campaign.HeartbeatTTL,
		EnforceHeartbeat: cfg.Campaign.EnforceHeartbeat,
		CancelTTL:        cfg.Campaign.CancelTTL,
		SendDelay:        cfg.Campaign.SendDelay,
		EventsCap:        cfg.Campaign.EventsCap,
		Logger:           log,
	})

	proc := campaign.NewProcessor(a.service, leases, a.ownership, client.NewMediaFetcher(cfg.Gateway.MediaTimeout, cfg.Gateway.MediaMaxBytes), campaign.ProcessorOptions{
		CampaignLeaseTTL: cfg.Lease.CampaignTTL,
		LeaseTimeout:     cfg.Lease.AcquireTimeout,
		ReadyTimeout:     cfg.Campaign.ReadyTimeout,
		SendDelay:        cfg.Campaign.SendDelay,
		OwnershipRetry:   cfg.Campaign.OwnershipRetry,
		MaxSendAttempts:  cfg.Campaign.MaxSendAttempts,
		Limiter:          campaign.NewUserLimiter(cfg.Campaign.RatePerSecond, 1),
		Logger:           log,
	})

	w, err := queue.NewWorker(a.queue, proc.Handle, queue.WorkerOptions{
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
		OnDeadLetter: proc.DeadLetter,
		Logger:       log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.worker = w

	if err := a.addLoops(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) addLoops() error {
	cfg := a.cfg
	loops := []struct {
		name     string
		interval time.Duration
		tick     func(context.Context)
	}{
		{"lease-renew", cfg.Lease.RenewInterval, a.ownership.RenewAll},
		{"idle-evict", cfg.Session.EvictInterval, a.evictIdle},
		{"queue-maintain", cfg.Queue.MaintainInterval, a.maintainQueue},
		{"inventory", cfg.Session.InventoryInterval, a.publishInventory},
	}
	for _, l := range loops {
		loop, err := scheduler.New(l.name, l.interval, l.tick, a.log)
		if err != nil {
			return fmt.Errorf("loop %s: %w", l.name, err)
		}
		a.loops.Add(loop)
	}
	return nil
}

func (a *app) evictIdle(ctx context.Context) {
	if evicted := a.ownership.EvictIdle(ctx, a.cfg.Session.IdleTimeout); len(evicted) > 0 {
		a.log.Info("evicted idle sessions", "users", evicted)
	}
}

func (a *app) maintainQueue(ctx context.Context) {
	promoted, recovered, err := a.queue.Maintain(ctx)
	if err != nil {
		a.log.Warn("queue maintenance failed", "err", err)
		return
	}
	if promoted > 0 || recovered > 0 {
		a.log.Info("queue maintenance", "promoted", promoted, "recovered", recovered)
	}
}

func (a *app) publishInventory(ctx context.Context) {
	stats := a.registry.Stats()
	metrics.ActiveSessions.Set(float64(stats.Total))

	err := a.st.PublishInventory(ctx, store.PodInventory{
		PodID:     a.cfg.Server.PodID,
		Sessions:  stats.Total,
		Connected: stats.Connected,
		Users:     a.registry.UserIDs(),
	}, 3*a.cfg.Session.InventoryInterval)
	if err != nil {
		a.log.Warn("publish inventory failed", "err", err)
	}
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}
