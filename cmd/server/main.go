package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nicedonate/nicedonate/internal/config"
	"github.com/nicedonate/nicedonate/internal/database"
	"github.com/nicedonate/nicedonate/internal/handlers"
	"github.com/nicedonate/nicedonate/internal/logging"
	"github.com/nicedonate/nicedonate/internal/middleware"
	"github.com/nicedonate/nicedonate/internal/services"
)

func main() {
	if err := run(); err != nil {
		logging.Error("Application error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	logger := logging.New()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Server.Debug {
		logger.SetLevel(logging.LevelDebug)
		logging.SetDefaultLevel(logging.LevelDebug)
		logger.Debug("Debug logging enabled", map[string]interface{}{"env": cfg.Server.Environment})
	}

	logger.Info("Starting niceDonate server...")

	// Connect to PostgreSQL
	logger.Info("Connecting to PostgreSQL", map[string]interface{}{
		"host": cfg.Database.Host,
		"port": cfg.Database.Port,
	})
	db, err := database.NewPostgresDB(context.Background(), cfg.Database.DSN(), database.DefaultPoolOptions())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	// Run migrations
	logger.Info("Running database migrations...", map[string]interface{}{"path": cfg.Database.MigrationsPath})
	migrator, err := database.NewMigrator(cfg.Database.DSN(), cfg.Database.MigrationsPath)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return fmt.Errorf("running migrations: %w", err)
	}
	_ = migrator.Close()
	logger.Info("Migrations completed")

	// Connect to Redis
	logger.Info("Connecting to Redis", map[string]interface{}{"addr": cfg.Redis.Addr()})
	redisDB, err := database.NewRedisDB(context.Background(), database.RedisOptions{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() { _ = redisDB.Close() }()
	logger.Info("Connected to Redis")

	// Initialize services
	dbAdapter := services.NewPoolAdapter(db.Pool)
	redisAdapter := services.NewRedisAdapter(redisDB.Client)

	userService := services.NewUserService(dbAdapter)
	authService := services.NewAuthService(redisAdapter)
	providerAuthService := services.NewProviderAuthService(dbAdapter)
	emailService := services.NewEmailService(&cfg.Email)
	listingService := services.NewListingService(dbAdapter, redisAdapter)
	profileService := services.NewProfileService(dbAdapter)

	oauthProviders := map[services.Provider]services.OAuthProvider{}
	if cfg.OAuth.Google.Enabled {
		googleProvider, err := services.NewOIDCProvider(context.Background(), services.OIDCProviderConfig{
			Provider:     services.ProviderGoogle,
			ClientID:     cfg.OAuth.Google.ClientID,
			ClientSecret: cfg.OAuth.Google.ClientSecret,
			RedirectURL:  cfg.OAuth.Google.RedirectURL,
			IssuerURL:    cfg.OAuth.Google.IssuerURL,
			Scopes:       cfg.OAuth.Google.Scopes,
		})
		if err != nil {
			return fmt.Errorf("initializing google oidc provider: %w", err)
		}
		oauthProviders[services.ProviderGoogle] = googleProvider
	}

	// Background feeds: listing snapshots and session identity changes
	listingWatcher := services.NewListingWatcher(listingService, redisAdapter, services.WatcherOptions{
		ReloadTimeout: cfg.Feed.SnapshotTimeout,
		Logger:        logger,
	})
	sessionHub := services.NewSessionHub(authService, redisAdapter, services.SessionHubOptions{
		Logger: logger,
	})

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		listingWatcher.Run(backgroundCtx)
	}()
	go func() {
		defer background.Done()
		sessionHub.Run(backgroundCtx)
	}()

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(db, redisDB)
	authHandler := handlers.NewAuthHandler(userService, authService, emailService, cfg.Server.Secure)
	providerAuthHandler := handlers.NewProviderAuthHandler(providerAuthService, authService, oauthProviders, cfg.Server.Secure)
	listingHandler := handlers.NewListingHandler(listingService)
	profileHandler := handlers.NewProfileHandler(profileService)
	feedHandler := handlers.NewFeedHandler(listingWatcher, sessionHub, authService, listingService, handlers.FeedOptions{
		DeleteTimeout:     cfg.Feed.DeleteTimeout,
		KeepAliveInterval: cfg.Feed.KeepAliveInterval,
		Logger:            logger,
	})

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(authService, userService)
	requestLogger := middleware.NewRequestLogger(logger)

	authRateLimit := resolveAuthRateLimit(cfg, logger, os.LookupEnv)
	authRateLimiter := middleware.NewRateLimiter(redisDB.Client, authRateLimit, time.Minute, "ratelimit:auth:", nil, true)
	limitAuth := authRateLimiter.Middleware
	requireAuth := authMiddleware.RequireAuth

	// Set up router
	mux := http.NewServeMux()

	// Health endpoints (no auth, no rate limit)
	mux.HandleFunc("GET /health", healthHandler.Health)
	mux.HandleFunc("GET /ready", healthHandler.Ready)
	mux.HandleFunc("GET /live", healthHandler.Live)

	// Auth endpoints
	mux.Handle("POST /api/auth/register", limitAuth(http.HandlerFunc(authHandler.Register)))
	mux.Handle("POST /api/auth/login", limitAuth(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /api/auth/logout", http.HandlerFunc(authHandler.Logout))
	mux.Handle("GET /api/auth/me", http.HandlerFunc(authHandler.Me))
	mux.Handle("POST /api/auth/forgot-password", limitAuth(http.HandlerFunc(authHandler.ForgotPassword)))
	mux.Handle("POST /api/auth/reset-password", limitAuth(http.HandlerFunc(authHandler.ResetPassword)))
	mux.Handle("GET /api/auth/{provider}/start", limitAuth(http.HandlerFunc(providerAuthHandler.ProviderStart)))
	mux.Handle("GET /api/auth/{provider}/callback", limitAuth(http.HandlerFunc(providerAuthHandler.ProviderCallback)))

	// Listing endpoints
	mux.Handle("GET /api/categories", http.HandlerFunc(listingHandler.Categories))
	mux.Handle("GET /api/listings", http.HandlerFunc(listingHandler.List))
	mux.Handle("POST /api/listings", requireAuth(http.HandlerFunc(listingHandler.Create)))
	mux.Handle("GET /api/listings/{id}", http.HandlerFunc(listingHandler.Get))
	mux.Handle("DELETE /api/listings/{id}", requireAuth(http.HandlerFunc(listingHandler.Delete)))

	// Live feed views
	mux.Handle("GET /api/feed/stream", http.HandlerFunc(feedHandler.Stream))
	mux.Handle("GET /api/feed/{view}", http.HandlerFunc(feedHandler.State))
	mux.Handle("PUT /api/feed/{view}/selection", http.HandlerFunc(feedHandler.Selection))
	mux.Handle("POST /api/feed/{view}/open", http.HandlerFunc(feedHandler.Open))
	mux.Handle("POST /api/feed/{view}/close", http.HandlerFunc(feedHandler.Close))
	mux.Handle("POST /api/feed/{view}/delete", http.HandlerFunc(feedHandler.Delete))
	mux.Handle("POST /api/feed/{view}/session", http.HandlerFunc(feedHandler.Session))

	// Profile endpoints
	mux.Handle("GET /api/profile", requireAuth(http.HandlerFunc(profileHandler.Get)))
	mux.Handle("PUT /api/profile/icon", requireAuth(http.HandlerFunc(profileHandler.UpdateIcon)))
	mux.Handle("GET /api/profile/icons/{index}", http.HandlerFunc(profileHandler.Icon))

	// Build middleware chain (order matters: outermost last)
	var handler http.Handler = mux
	handler = authMiddleware.Authenticate(handler)
	handler = requestLogger.Apply(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// Feed streams lift their own write deadline.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	server.RegisterOnShutdown(feedHandler.CloseStreams)

	// Graceful shutdown
	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Could not gracefully shutdown the server", map[string]interface{}{
				"error": err.Error(),
			})
		}
		backgroundCancel()
		background.Wait()
		close(done)
	}()

	logger.Info("Server listening", map[string]interface{}{
		"addr":          addr,
		"oauth_google":  cfg.OAuth.Google.Enabled,
		"auth_rate_min": authRateLimit,
	})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		backgroundCancel()
		background.Wait()
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info("Server stopped")
	return nil
}

// resolveAuthRateLimit returns the per-minute request allowance for each
// client IP on the credential endpoints.
func resolveAuthRateLimit(cfg *config.Config, logger *logging.Logger, lookupEnv func(string) (string, bool)) int64 {
	limit := int64(20)
	if cfg.Server.Environment == "development" {
		limit = 200
		logger.Info("Using development auth rate limit", map[string]interface{}{"limit": limit})
	}
	if v, ok := lookupEnv("AUTH_RATE_LIMIT"); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			limit = parsed
			logger.Info("Using auth rate limit from env", map[string]interface{}{"limit": limit})
		} else {
			logger.Warn("Invalid AUTH_RATE_LIMIT; using default", map[string]interface{}{
				"value": v,
				"limit": limit,
			})
		}
	}
	return limit
}
