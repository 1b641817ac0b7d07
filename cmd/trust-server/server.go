package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"

	"github.com/kubeflow/trust-ledger/pkg/attestation"
	"github.com/kubeflow/trust-ledger/pkg/audit"
	"github.com/kubeflow/trust-ledger/pkg/authz"
	"github.com/kubeflow/trust-ledger/pkg/ha"
	"github.com/kubeflow/trust-ledger/pkg/jobs"
	"github.com/kubeflow/trust-ledger/pkg/keys"
	"github.com/kubeflow/trust-ledger/pkg/remediation"
	"github.com/kubeflow/trust-ledger/pkg/store"
	"github.com/kubeflow/trust-ledger/pkg/trust"
)

// API base paths.
const (
	keysBasePath        = "/api/keys/v1alpha1"
	auditBasePath       = "/api/audit/v1alpha1"
	attestationBasePath = "/api/attestation/v1alpha1"
	remediationBasePath = "/api/remediation/v1alpha1"
	jobsBasePath        = "/api/jobs/v1alpha1"
)

// services is everything the router and the background loops share.
type services struct {
	db           *gorm.DB
	ledger       *audit.Ledger
	keys         *keys.Service
	keysCfg      *keys.Config
	jobStore     *jobs.JobStore
	jobCfg       *jobs.JobConfig
	orchestrator *remediation.Orchestrator
	processor    *trust.Processor
	posture      *trust.PostureStore

	// authorizer is nil when requests are not authorized beyond identity.
	authorizer     authz.Authorizer
	authzNamespace string
}

func allModels() []any {
	models := append([]any{&audit.Event{}, &jobs.Job{}}, keys.Models()...)
	models = append(models, remediation.Models()...)
	return append(models, trust.Models()...)
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func loadPolicy(path string) (*attestation.Policy, error) {
	if path != "" {
		return attestation.LoadPolicyFile(path)
	}
	return attestation.PolicyFromEnv()
}

// buildServices wires the stores and services over an opened database.
func buildServices(db *gorm.DB, policy *attestation.Policy, logger *slog.Logger) *services {
	s := &services{
		db:       db,
		ledger:   audit.NewLedger(db, audit.AuditConfigFromEnv()),
		keysCfg:  keys.ConfigFromEnv(),
		jobStore: jobs.NewJobStore(db),
		jobCfg:   jobs.JobConfigFromEnv(),
		posture:  trust.NewPostureStore(db),
	}
	s.keys = keys.NewService(db, s.ledger, s.keysCfg, logger)
	if n := keys.NewNotifier(db, logger); n != nil {
		s.keys.SetNotifier(n)
	}
	s.orchestrator = remediation.NewOrchestrator(db, s.jobStore, logger)
	s.processor = trust.NewProcessor(db, policy, trust.ConfigFromEnv(), logger)
	s.processor.SetRemediator(s.orchestrator)
	s.processor.SetKeyRevoker(s.keys)
	return s
}

func (s *services) router(corsOrigins []string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Remote-User", "X-Remote-Group"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(req.Context())
		}
		if err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authz.IdentityMiddleware())
		if s.authorizer != nil {
			r.Use(authz.AuthzMiddleware(s.authorizer, s.authzNamespace, logger))
		}
		r.Mount(keysBasePath, keys.Router(s.keys, logger))
		r.Mount(auditBasePath, audit.Router(s.ledger))
		r.Mount(attestationBasePath, trust.Router(s.processor, s.posture, logger))
		r.Mount(remediationBasePath, remediation.Router(s.orchestrator, logger))
		r.Mount(jobsBasePath, jobs.Router(s.jobStore, s.orchestrator, logger))
	})
	return r
}

// runLeaderLoops runs the singleton loops until ctx is cancelled.
func (s *services) runLeaderLoops(ctx context.Context, logger *slog.Logger) {
	sweeper := keys.NewSweeper(s.keys, s.keysCfg, logger)
	pool := jobs.NewWorkerPool(s.jobStore, jobs.Executors(jobs.LogExecutor{Logger: logger}), s.orchestrator, s.jobCfg, logger)

	var g errgroup.Group
	g.Go(func() error { sweeper.Run(ctx); return nil })
	g.Go(func() error { pool.Run(ctx); return nil })
	_ = g.Wait()
}

func run(ctx context.Context, opts *options) error {
	logger := newLogger(opts.logFormat, opts.logLevel)
	slog.SetDefault(logger)

	dbCfg := store.DBConfigFromEnv()
	if opts.dbType != "" {
		dbCfg.Type = opts.dbType
	}
	if opts.dbDSN != "" {
		dbCfg.DSN = opts.dbDSN
	}
	db, err := store.Open(dbCfg)
	if err != nil {
		return err
	}

	haCfg := ha.ConfigFromEnv()
	locker := ha.NewMigrationLocker(db, haCfg)
	if err := locker.WithLock(ctx, func() error {
		return store.Migrate(ctx, db, dbCfg, logger, allModels()...)
	}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	policy, err := loadPolicy(opts.policyFile)
	if err != nil {
		return fmt.Errorf("load trust policy: %w", err)
	}
	svc := buildServices(db, policy, logger)

	if opts.playbooksFile != "" {
		created, err := svc.orchestrator.Playbooks().SeedFromFile(ctx, opts.playbooksFile)
		if err != nil {
			return fmt.Errorf("seed playbooks: %w", err)
		}
		logger.Info("playbooks seeded", "file", opts.playbooksFile, "created", created)
	}

	authzCfg := authz.ConfigFromEnv()
	var client kubernetes.Interface
	if haCfg.LeaderElectionEnabled || authzCfg.Mode == authz.AuthzModeSAR {
		if client, err = ha.InClusterClient(); err != nil {
			return fmt.Errorf("kubernetes client: %w", err)
		}
	}
	if authzCfg.Mode != authz.AuthzModeNone {
		if svc.authorizer, err = authz.NewAuthorizer(authzCfg, client); err != nil {
			return err
		}
		svc.authzNamespace = authzCfg.Namespace
	}
	elector := ha.NewLeaderElector(haCfg, client, logger)
	elector.OnStartLeading(func(ctx context.Context) { svc.runLeaderLoops(ctx, logger) })

	httpServer := &http.Server{
		Addr:    opts.listen,
		Handler: svc.router(opts.corsOrigins, logger),
	}

	logger.Info("trust server ready",
		"listen", opts.listen,
		"db", dbCfg.Type,
		"policyVersion", policy.Version,
		"leaderElection", haCfg.LeaderElectionEnabled,
		"authz", authzCfg.Mode)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		elector.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if sqlDB, dbErr := db.DB(); dbErr == nil {
		_ = sqlDB.Close()
	}
	logger.Info("trust server stopped")
	return err
}
