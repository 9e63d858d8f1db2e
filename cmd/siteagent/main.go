package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cqp-go/siteagent/internal/auth"
	"github.com/cqp-go/siteagent/internal/backingstore"
	_ "github.com/cqp-go/siteagent/internal/backingstore/pkcs11store"
	_ "github.com/cqp-go/siteagent/internal/backingstore/sqlstore"
	_ "github.com/cqp-go/siteagent/internal/backingstore/yubihsm"
	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/internal/keystore"
	"github.com/cqp-go/siteagent/internal/middleware"
	"github.com/cqp-go/siteagent/internal/siteagent"
	"github.com/cqp-go/siteagent/pkg/cache"
	"github.com/cqp-go/siteagent/pkg/config"
	"github.com/cqp-go/siteagent/pkg/logger"
)

const (
	exitOK              = 0
	exitConfigError     = 10
	exitBackingStore    = 11
	exitCredentialStore = 12
	exitUnrecoverable   = 99
)

func main() {
	_ = godotenv.Load()

	log := logger.New("site-agent")
	cfg := config.Load()

	if cfg.Site.ListenAddress == "" {
		log.Error("missing listen address", nil)
		os.Exit(exitConfigError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backing, err := backingstore.Open(ctx, cfg.Site.BackingStoreURL)
	if err != nil {
		log.Error("failed to open backing store", map[string]interface{}{"error": err.Error()})
		os.Exit(exitBackingStore)
	}
	defer backing.Close()

	credentialRepo, err := auth.OpenSQLRepository(ctx, cfg.Site.CredentialsDBPath)
	if err != nil {
		log.Error("failed to open credentials store", map[string]interface{}{"error": err.Error()})
		os.Exit(exitCredentialStore)
	}
	defer credentialRepo.Close()

	keyFactory := keystore.NewFactory(log, backing, cfg.KeyStore.CacheLimit)
	self := domain.SiteId(cfg.Site.ConnectionAddress)
	keyFactory.SetSiteAddress(self)

	devices := make([]siteagent.Device, 0, len(cfg.Site.DeviceURLs))
	for i, url := range cfg.Site.DeviceURLs {
		devices = append(devices, siteagent.NewLoopbackDevice(domain.DeviceId(fmt.Sprintf("dev-%d-%s", i, url))))
	}

	agent := siteagent.New(log, self, cfg.Site.ConnectionAddress, keyFactory, devices)

	recovery := keystore.NewRecoveryWorker(keyFactory, time.Minute, 10*time.Minute)
	recovery.Start(ctx)
	defer recovery.Stop()

	if cfg.Site.NetManURI != "" {
		regCtx, regCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := agent.RegisterWithDiscovery(regCtx, cfg.Site.NetManURI); err != nil {
			log.Error("discovery registration failed", map[string]interface{}{"error": err.Error()})
		}
		regCancel()
		defer agent.UnregisterFromDiscovery(context.Background(), cfg.Site.NetManURI)
	}

	if len(cfg.Site.StaticHops) > 0 && len(devices) > 0 {
		staticSites := make([]domain.SiteId, 0, len(cfg.Site.StaticHops))
		for _, hop := range cfg.Site.StaticHops {
			staticSites = append(staticSites, domain.SiteId(hop))
			agent.RegisterPeer(domain.SiteId(hop), siteagent.NewPeerClient(hop, self, cfg.JWT.Secret))
			keyFactory.RegisterPeer(domain.SiteId(hop), siteagent.NewPeerClient(hop, self, cfg.JWT.Secret))
		}
		go agent.ConnectStaticLinks(ctx, staticSites, devices[0].ID())
	}

	var blacklistMW middleware.TokenBlacklist
	var blacklistAuth auth.TokenBlacklist
	var limiter *middleware.RateLimiter
	var idempotency *middleware.IdempotencyMiddleware
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Error("redis unavailable, token revocation and rate limiting disabled", map[string]interface{}{"error": err.Error()})
	} else {
		defer redisCache.Close()
		redisBlacklist := middleware.NewRedisTokenBlacklist(redisCache)
		blacklistMW = redisBlacklist
		blacklistAuth = redisBlacklist
		limiter = middleware.NewRateLimiter(redisCache, cfg.Redis.RateLimitCount, cfg.Redis.RateLimitWindow)
		idempotency = middleware.NewIdempotencyMiddleware(redisCache, cfg.Redis.RateLimitWindow)
	}

	authSvc := auth.NewService(credentialRepo, blacklistAuth, cfg.JWT.Secret, cfg.JWT.Expiration)
	tokenSvc := auth.NewServiceTokenService(credentialRepo.ServiceTokens())

	router := siteagent.NewRouter(log, agent, keyFactory, authSvc, tokenSvc, cfg.JWT.Secret, blacklistMW, limiter, idempotency)

	srv := &http.Server{
		Addr:         cfg.Site.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("site agent listening", map[string]interface{}{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", map[string]interface{}{"error": err.Error()})
			os.Exit(exitUnrecoverable)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down site agent", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", map[string]interface{}{"error": err.Error()})
		os.Exit(exitUnrecoverable)
	}

	log.Info("site agent stopped gracefully", nil)
	os.Exit(exitOK)
}
