package routes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/Wikid82/cerberus/internal/api/handlers"
	"github.com/Wikid82/cerberus/internal/api/middleware"
	"github.com/Wikid82/cerberus/internal/authority"
	"github.com/Wikid82/cerberus/internal/cerberus"
	"github.com/Wikid82/cerberus/internal/config"
	"github.com/Wikid82/cerberus/internal/evidence"
	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/metrics"
	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/ratestate"
	"github.com/Wikid82/cerberus/internal/services"
	"github.com/Wikid82/cerberus/internal/signing"
	"github.com/Wikid82/cerberus/internal/transparency"
)

const (
	retrySweepInterval = time.Second
	bundleCacheTTL     = 5 * time.Minute
)

// Runtime holds the background components started by Register.
type Runtime struct {
	Engine      *cerberus.Cerberus
	Submitter   *evidence.Submitter
	Evidence    *evidence.Service
	Log         *transparency.Log
	Maintenance *services.MaintenanceService

	redis *redis.Client
}

// Shutdown stops the scheduler, drains the evidence queue until ctx ends and
// releases backend connections.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.Maintenance.Stop()
	err := rt.Submitter.Shutdown(ctx)
	rt.Evidence.Stop()
	if rt.redis != nil {
		err = errors.Join(err, rt.redis.Close())
	}
	return err
}

// Register wires up API routes, performs automatic migrations and starts the evidence
// pipeline. Callers must Shutdown the returned runtime.
func Register(router *gin.Engine, db *gorm.DB, cfg config.Config) (*Runtime, error) {
	if err := db.AutoMigrate(
		&models.LogEntry{},
		&models.BundleIndex{},
		&models.EvidenceBlob{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := transparency.NewLog(db)
	if err := log.Load(ctx); err != nil {
		return nil, fmt.Errorf("load transparency log: %w", err)
	}

	// The local key signs tree heads of the local log and serves authority requests.
	local, err := localSigner(cfg.Evidence.SigningKeyPath)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Log: log}
	var (
		backend  transparency.Service = log
		signer   signing.Signer       = local
		treeSize handlers.TreeSizer   = log
	)
	if cfg.Evidence.SigningBackend == config.SigningBackendRemote {
		client, err := authority.NewClient(authority.Options{
			BaseURL: cfg.Evidence.AuthorityURL,
			Secret:  cfg.Evidence.AuthoritySecret,
			Timeout: cfg.Evidence.Timeout,
		})
		if err != nil {
			return nil, &config.ConfigurationError{Field: "authority_url", Reason: err.Error()}
		}
		if err := client.FetchKey(ctx); err != nil {
			// Sign fetches the key again on first use.
			logger.Log().WithError(err).Warn("authority key unavailable at startup")
		}
		backend, signer, treeSize = client, client, nil
	}

	var blobs evidence.BlobStore = evidence.NewGormBlobStore(db)
	if cfg.Evidence.Store == config.EvidenceStoreRedis {
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.Evidence.RedisAddr})
		blobs = evidence.NewRedisBlobStore(rt.redis, "")
	}
	repo := evidence.NewRepository(blobs, db)

	rt.Submitter = evidence.NewSubmitter(repo, backend, signer, evidence.Options{
		QueueCapacity: cfg.Evidence.QueueCapacity,
		Workers:       1,
		Retry: evidence.RetryPolicy{
			BaseDelay:   cfg.Evidence.Retry.Base,
			Factor:      2,
			MaxDelay:    cfg.Evidence.Retry.Cap,
			MaxAttempts: cfg.Evidence.Retry.MaxAttempts,
		},
		Timeout: cfg.Evidence.Timeout,
		Alerter: evidence.ShoutrrrAlerter{URL: cfg.Evidence.AlertURL},
	})
	rt.Evidence = evidence.NewService(repo, backend, signer, bundleCacheTTL)

	store := ratestate.New(cfg.Admission.StateTTL)
	rt.Engine = cerberus.New(cfg.Admission, store, rt.Submitter)
	rt.Maintenance, err = services.NewMaintenanceService(store, rt.Submitter, cfg.Admission.CleanupInterval, retrySweepInterval)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	router.GET("/api/v1/health", handlers.HealthHandler)

	// Peers calling the authority endpoints are not subject to admission control.
	if cfg.Evidence.AuthorityEnabled {
		authorityHandler := handlers.NewAuthorityHandler(log, local)
		authorityHandler.RegisterRoutes(router.Group("/api/v1/authority", middleware.AuthorityToken(cfg.Evidence.AuthoritySecret)))
	}

	api := router.Group("/api/v1")
	api.Use(rt.Engine.Middleware())

	// The local log only grows when it backs this node's evidence or serves peers.
	if cfg.Evidence.SigningBackend != config.SigningBackendRemote || cfg.Evidence.AuthorityEnabled {
		transparencyHandler := handlers.NewTransparencyHandler(log, local)
		transparencyHandler.RegisterRoutes(api.Group("/log"))
	}

	protected := api.Group("/")
	protected.Use(middleware.APIToken(cfg.APITokenHash))
	{
		evidenceHandler := handlers.NewEvidenceHandler(rt.Evidence)
		evidenceHandler.RegisterRoutes(protected.Group("/evidence"))

		securityHandler := handlers.NewSecurityHandler(rt.Engine, rt.Submitter, rt.Evidence, treeSize, cfg.Evidence)
		protected.GET("/security/status", securityHandler.GetStatus)
	}

	rt.Submitter.Start()
	rt.Evidence.Start()
	rt.Maintenance.Start()

	logger.Log().WithFields(map[string]interface{}{
		"signing_backend": cfg.Evidence.SigningBackend,
		"evidence_store":  cfg.Evidence.Store,
		"shadow_mode":     cfg.Admission.ShadowMode,
		"tree_size":       log.Size(),
		"key_id":          local.Identity(),
	}).Info("cerberus admission and evidence pipeline started")
	return rt, nil
}

func localSigner(path string) (*signing.Local, error) {
	if path == "" {
		logger.Log().Warn("no signing key path configured, using an ephemeral key; stored bundles will not verify after a restart")
		return signing.NewEphemeral()
	}
	signer, err := signing.LoadOrCreate(path)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	return signer, nil
}
