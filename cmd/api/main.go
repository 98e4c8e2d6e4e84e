package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keymint.dev/internal/assertion"
	"keymint.dev/internal/audit"
	"keymint.dev/internal/broker"
	"keymint.dev/internal/config"
	"keymint.dev/internal/federation"
	"keymint.dev/internal/httpapi"
	"keymint.dev/internal/issuer"
	"keymint.dev/internal/lease"
	"keymint.dev/internal/obs"
	"keymint.dev/internal/policy"
	"keymint.dev/internal/registry"
	"keymint.dev/internal/store/pg"
	"keymint.dev/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", envOr("KEYMINT_CONFIG", "config.yaml"), "Path to broker configuration")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	regStore, err := registry.NewInMemory(cfg.RegistryRecords())
	if err != nil {
		log.Fatalf("registry: %v", err)
	}

	keys, err := buildKeySet(ctx, cfg.Trust)
	if err != nil {
		log.Fatalf("trust keys: %v", err)
	}
	validator, err := assertion.NewValidator(assertion.Config{
		Issuer:    cfg.Trust.Issuer,
		Audiences: cfg.Trust.Audiences,
		Window:    cfg.Trust.Window.Std(),
	}, keys)
	if err != nil {
		log.Fatalf("validator: %v", err)
	}

	mapper, err := federation.NewMapper(ctx, regStore)
	if err != nil {
		log.Fatalf("federation: %v", err)
	}
	engine, err := policy.NewEngine(regStore, cfg.PolicyDocuments())
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	// Audit: Postgres when a DSN is configured, in-process memory otherwise.
	// Either way the SSE stream sees every appended record.
	var (
		recorder audit.Recorder
		reader   audit.Reader
		db       *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open audit store: %v", err)
		}
		defer pgStore.Close()
		recorder, reader, db = pgStore, pgStore, pgStore.DB()
	} else {
		mem := audit.NewMemory()
		recorder, reader = mem, mem
	}
	auditStream := stream.New()
	recorder = audit.WithSink(recorder, auditStream)

	minter, err := buildMinter(cfg.Provider)
	if err != nil {
		log.Fatalf("provider: %v", err)
	}
	issuing := issuer.NewService(minter)

	// The sweep callback needs the broker, which needs the manager; the
	// closure binds late, before the first sweep runs.
	var svc *broker.Service
	leases := lease.NewManager(
		lease.WithSweepInterval(cfg.Lease.SweepInterval.Std()),
		lease.WithRetention(cfg.Lease.Retention.Std()),
		lease.WithExpiredFunc(func(l lease.Lease, ref string) { svc.HandleExpired(l, ref) }),
	)
	svc, err = broker.NewService(validator, mapper, engine, leases, issuing, recorder)
	if err != nil {
		log.Fatalf("broker: %v", err)
	}
	go leases.Run(ctx)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, svc, reader, auditStream)
	api.ConfigureRate(cfg.Rate.Burst, cfg.Rate.RPS)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // SSE connections stay open
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting keymint %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

func buildKeySet(ctx context.Context, trust config.Trust) (assertion.KeySet, error) {
	if trust.JWKSURL != "" {
		return assertion.RemoteKeys(ctx, trust.JWKSURL), nil
	}
	pems := make([]string, 0, len(trust.KeyFiles))
	for _, path := range trust.KeyFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		pems = append(pems, string(data))
	}
	return assertion.StaticKeys(pems...)
}

func buildMinter(p config.Provider) (issuer.Minter, error) {
	if p.Mode == "http" {
		return issuer.NewHTTPMinter(p.MintURL, p.RevokeURL, p.Token), nil
	}
	return issuer.NewStaticMinter(p.Secret)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
