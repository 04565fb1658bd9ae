package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleetgate/pkg/api"
	"fleetgate/pkg/config"
	"fleetgate/pkg/db"
	"fleetgate/pkg/discovery"
	"fleetgate/pkg/dispatch"
	"fleetgate/pkg/limiter"
	"fleetgate/pkg/logger"
	"fleetgate/pkg/metrics"
	"fleetgate/pkg/model"
	"fleetgate/pkg/probe"
	"fleetgate/pkg/registry"
	"fleetgate/pkg/routing"
	"fleetgate/pkg/store"
	"fleetgate/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML, optional)")
	addr := flag.String("addr", "", "listen address (overrides config)")
	token := flag.String("token", "", "bootstrap admin token (overrides config)")
	seeds := flag.String("seeds", "", "static seed file of node descriptors (overrides config)")
	consulAddr := flag.String("consul-addr", "", "consul address for node discovery (requires build tag consul)")
	tlsCert := flag.String("tls-cert", "", "TLS cert path (enables HTTPS if set with --tls-key)")
	tlsKey := flag.String("tls-key", "", "TLS key path (enables HTTPS if set with --tls-cert)")
	clientCA := flag.String("client-ca", "", "require and verify client certs using this CA (optional)")
	usersDB := flag.Bool("users-db", false, "enable the mysql users store for JWT admin sessions")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("gateway version=%s", version.Build)
		return
	}

	// .env first: config and the users DB both read the environment
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlag(&cfg.Server.ListenAddr, *addr)
	applyFlag(&cfg.Server.AdminToken, *token)
	applyFlag(&cfg.Discovery.SeedFile, *seeds)
	applyFlag(&cfg.Discovery.ConsulAddr, *consulAddr)
	applyFlag(&cfg.Server.TLSCert, *tlsCert)
	applyFlag(&cfg.Server.TLSKey, *tlsKey)
	applyFlag(&cfg.Server.ClientCA, *clientCA)

	logr, err := logger.New(cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logr.Sync()

	sink, err := metrics.Setup("fleetgate")
	if err != nil {
		logr.Fatal("metrics setup failed", zap.Error(err))
	}

	journal, err := store.Open(cfg.Journal.Path, cfg.Journal.MaxSize)
	if err != nil {
		logr.Fatal("journal open failed", zap.Error(err))
	}
	defer journal.Close()

	reg := registry.New()
	hub := api.NewEventHub(logr)
	pub := routing.NewPublisher(cfg.Routing.PublishInterval, reg, logr)

	prb := probe.New(probe.Config{
		Interval:      cfg.Probe.Interval,
		Timeout:       cfg.Probe.Timeout,
		Jitter:        cfg.Probe.Jitter,
		SlowThreshold: cfg.Probe.SlowThreshold,
		Parallelism:   cfg.Probe.Parallelism,
		Thresholds: probe.Thresholds{
			DegradeAfter: cfg.Probe.DegradeAfter,
			CondemnAfter: cfg.Probe.CondemnAfter,
		},
	}, reg, logr)

	lim := limiter.New(limiter.Config{
		PerNode:    cfg.Limits.PerNode,
		Global:     cfg.Limits.Global,
		QueueDepth: cfg.Limits.QueueDepth,
		QueueWait:  cfg.Limits.QueueWait,
	})

	disp := dispatch.New(dispatch.Config{
		RetryBudget:   cfg.Dispatch.RetryBudget,
		PerTryTimeout: cfg.Dispatch.PerTryTimeout,
	}, pub.Current, lim, logr)

	emit := func(e model.Event) {
		if err := journal.AppendEvent(e); err != nil {
			logr.Warn("journal append failed", zap.Error(err))
		}
		hub.Broadcast(e)
	}
	prb.SetOnTransition(emit)
	prb.SetNotify(pub.Notify)
	pub.SetOnPublish(emit)
	disp.SetHint(prb.ReportFailure)

	var sources []discovery.Source
	if cfg.Discovery.SeedFile != "" {
		sources = append(sources, discovery.NewStaticSource(cfg.Discovery.SeedFile))
	}
	var consulSrc *discovery.ConsulSource
	if cfg.Discovery.ConsulAddr != "" {
		consulSrc, err = discovery.NewConsulSource(cfg.Discovery.ConsulAddr, cfg.Discovery.ConsulPrefix, logr)
		if err != nil {
			logr.Fatal("consul source init failed", zap.Error(err))
		}
		sources = append(sources, consulSrc)
	}

	ref := discovery.NewRefresher(cfg.Discovery.RefreshInterval, sources, reg, logr)
	ref.SetOnEvent(emit)
	ref.SetOnRetire(lim.Forget)
	ref.SetNotify(pub.Notify)

	deps := &api.Deps{
		Registry:    reg,
		Publisher:   pub,
		Dispatcher:  disp,
		Prober:      prb,
		Limiter:     lim,
		Journal:     journal,
		Hub:         hub,
		Sink:        sink,
		Log:         logr,
		AdminToken:  cfg.Server.AdminToken,
		ClientToken: cfg.Server.ClientToken,
	}
	if *usersDB {
		database, err := db.Open()
		if err != nil {
			logr.Fatal("users db open failed", zap.Error(err))
		}
		deps.DB = database
	}

	mux := http.NewServeMux()
	api.RegisterClientRoutes(mux, deps)
	api.RegisterAdminRoutes(mux, deps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ref.Run(ctx) })
	g.Go(func() error { return prb.Run(ctx) })
	g.Go(func() error { return pub.Run(ctx) })
	if consulSrc != nil {
		consulSrc.Watch(ctx, ref.Kick)
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logr.Info("gateway listening",
			zap.String("addr", cfg.Server.ListenAddr),
			zap.String("build", version.Build),
			zap.Bool("tls", cfg.Server.TLSCert != "" && cfg.Server.TLSKey != ""),
		)
		var err error
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			if cfg.Server.ClientCA != "" {
				tlsCfg, terr := api.ServerTLSConfig(cfg.Server.TLSCert, cfg.Server.TLSKey, cfg.Server.ClientCA)
				if terr != nil {
					return terr
				}
				srv.TLSConfig = tlsCfg
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
			}
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logr.Fatal("gateway exited", zap.Error(err))
	}
	logr.Info("gateway stopped")
}

func applyFlag(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
