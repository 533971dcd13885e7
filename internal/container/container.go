package container

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/markbates/goth"
	"github.com/markbates/goth/providers/github"
	"github.com/markbates/goth/providers/google"

	database "github.com/harborauth/harbor/app/db"
	"github.com/harborauth/harbor/app/mail"
	"github.com/harborauth/harbor/app/observability/metrics"
	"github.com/harborauth/harbor/config"
	"github.com/harborauth/harbor/internal/api/acl"
	"github.com/harborauth/harbor/internal/api/auth"
	"github.com/harborauth/harbor/internal/api/bridge"
	"github.com/harborauth/harbor/internal/api/credential"
	"github.com/harborauth/harbor/internal/api/token"
	"github.com/harborauth/harbor/internal/api/user"
	"github.com/harborauth/harbor/internal/api/verification"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger
	Pool   *pgxpool.Pool

	AuthHandler *auth.AuthHandler
	RoleHandler *acl.RoleHandler

	AuthenticateMiddleware func(http.Handler) http.Handler
	OptionalAuthMiddleware func(http.Handler) http.Handler
	Evaluator              *acl.Evaluator
	UserRepo               user.UserRepo

	databaseURL string
}

// NewContainer initializes and returns a new dependency container.
func NewContainer(cfg *config.Config, logger *slog.Logger) (*Container, error) {
	dbConfig, err := database.NewDatabaseConfig(cfg, logger)
	if err != nil {
		logger.Error("Failed to generate database config", slog.Any("error", err))
		return nil, err
	}

	pool, err := database.Init(dbConfig.ConnectionURL, logger)
	if err != nil {
		logger.Error("Failed to initialize database pool", slog.Any("error", err))
		return nil, err
	}

	metrics.InitAppMetrics()
	appMetrics := metrics.Get()

	registerOAuthProviders(cfg)

	// Repositories
	userRepo := user.NewPostgresUserRepo(pool, logger)
	verificationRepo := verification.NewPostgresRepository(pool, logger)
	loginRepo := bridge.NewPostgresLoginRepo(pool, logger)
	roleRepo := acl.NewPostgresRoleRepo(pool, logger)

	// Services
	hasher := credential.NewHasher(cfg.Auth.BcryptCost)
	tokenService := token.NewService(cfg.JWT, userRepo, logger)
	mailer := mail.NewSMTPMailer(cfg.Mail, logger)
	verificationService := verification.NewService(verificationRepo, cfg.Auth, logger)
	workflows := verification.NewWorkflows(verificationService, userRepo, mailer, cfg.Auth, logger)
	engine := bridge.NewEngine(loginRepo, userRepo, logger)
	evaluator := acl.NewEvaluator(roleRepo, logger)
	sessions := auth.NewSessionManager(24 * time.Hour)

	authService := auth.NewAuthService(
		userRepo, hasher, tokenService, verificationService, workflows, engine, evaluator, cfg.JWT, logger)

	// Handlers
	authHandler := auth.NewAuthHandler(authService, workflows, engine, sessions, appMetrics, logger)
	roleHandler := acl.NewRoleHandler(evaluator, logger)

	return &Container{
		Config:                 cfg,
		Logger:                 logger,
		Pool:                   pool,
		AuthHandler:            authHandler,
		RoleHandler:            roleHandler,
		AuthenticateMiddleware: auth.Authenticate(tokenService, appMetrics, logger),
		OptionalAuthMiddleware: auth.AuthenticateOptional(tokenService, logger),
		Evaluator:              evaluator,
		UserRepo:               userRepo,
		databaseURL:            dbConfig.ConnectionURL,
	}, nil
}

// registerOAuthProviders wires every provider that has credentials in the
// environment. None configured is fine; bridged login is then unavailable.
func registerOAuthProviders(cfg *config.Config) {
	var providers []goth.Provider

	callback := cfg.Auth.SiteBaseURL + "/api/v1/auth/%s/callback"
	if key, secret := os.Getenv("GOOGLE_CLIENT_KEY"), os.Getenv("GOOGLE_CLIENT_SECRET"); key != "" && secret != "" {
		providers = append(providers, google.New(key, secret, fmt.Sprintf(callback, "google"), "email", "profile"))
	}
	if key, secret := os.Getenv("GITHUB_CLIENT_KEY"), os.Getenv("GITHUB_CLIENT_SECRET"); key != "" && secret != "" {
		providers = append(providers, github.New(key, secret, fmt.Sprintf(callback, "github"), "user:email"))
	}

	if len(providers) > 0 {
		goth.UseProviders(providers...)
	}
}

// Close releases all resources held by the container.
func (c *Container) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// WaitForDB waits for the database to be ready.
func (c *Container) WaitForDB(ctx context.Context) bool {
	return database.WaitForDB(ctx, c.Pool, c.Logger)
}

// RunMigrations runs database migrations.
func (c *Container) RunMigrations() error {
	return database.RunMigrations(c.databaseURL, c.Logger)
}
