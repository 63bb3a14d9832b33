package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"socialnet/internal/audit"
	"socialnet/internal/auth"
	"socialnet/internal/csrf"
	"socialnet/internal/db"
	"socialnet/internal/maintenance"
	"socialnet/internal/observability"
	"socialnet/internal/ratelimit"
	"socialnet/internal/token"
	"socialnet/internal/twofactor"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

// Build wires the whole auth subsystem from the environment: database,
// token services, rate limiting backend, audit pipeline, and the route table.
func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	twoFactorKey, err := mustEnv("TWOFA_ENCRYPTION_KEY")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development"), os.Getenv("APP_RELEASE")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	issuer := envOrDefault("TOKEN_ISSUER", "socialnet")
	tokens, weakSecret, err := token.NewService(jwtSecret, issuer)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init token service: %w", err)
	}
	if weakSecret {
		logger.Warn("jwt_secret_below_recommended_length", map[string]any{
			"min_bytes": token.MinSecretBytes,
		})
	}

	twoFactor, err := twofactor.NewService(envOrDefault("TOTP_ISSUER", "SocialNet"), twoFactorKey)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init two-factor service: %w", err)
	}

	counterStore, redisClient, postgresCounters, err := buildCounterStore(database, logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	limiter := ratelimit.NewLimiter(counterStore)

	auditSink := audit.NewSQLSink(database)
	recorder := audit.NewRecorder(auditSink, logger, envIntOrDefault("AUDIT_BUFFER_SIZE", 256))

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, tokens, twoFactor, limiter, recorder, auth.Config{
		RegistrationEnabled: EnvBoolOrDefault("ENABLE_REGISTRATION", true),
		Allowlist:           splitList(os.Getenv("REGISTRATION_ALLOWLIST")),
		AccessTTL:           envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTTL:          envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
		VerificationTTL:     envHoursOrDefault("EMAIL_VERIFICATION_TTL_HOURS", 24),
		ResetTTL:            envMinutesOrDefault("PASSWORD_RESET_TTL_MINUTES", 60),
		ChallengeTTL:        envMinutesOrDefault("TWOFA_CHALLENGE_TTL_MINUTES", 5),
		IPLimit:             envIntOrDefault("LOGIN_IP_LIMIT", 10),
		IPWindow:            envSecondsOrDefault("LOGIN_IP_WINDOW_SECONDS", 60),
		AccountLimit:        envIntOrDefault("LOGIN_ACCOUNT_LIMIT", 5),
		AccountWindow:       envMinutesOrDefault("LOGIN_ACCOUNT_WINDOW_MINUTES", 15),
	})

	secureCookies := envOrDefault("APP_ENV", "development") != "development"
	guard := csrf.NewGuard(EnvBoolOrDefault("ENABLE_CSRF", true), secureCookies)

	authHandler := auth.NewHandler(authService, guard, auth.NopSender{}, auth.CookieSettings{
		Enabled: EnvBoolOrDefault("ENABLE_AUTH_COOKIES", true),
		Secure:  secureCookies,
		Domain:  os.Getenv("COOKIE_DOMAIN"),
	}, logger)

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		auditSink,
		postgresCounters,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("AUTH_REFRESH_TOKEN_RETENTION_DAYS", 14),
		envDaysOrDefault("AUDIT_RETENTION_DAYS", 90),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	authed := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(tokens, logger, auth.CSRFMiddleware(guard, h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", authHandler.Register)
	mux.HandleFunc("POST /auth/verify-email", authHandler.VerifyEmail)
	mux.HandleFunc("POST /auth/login", authHandler.Login)
	mux.HandleFunc("POST /auth/2fa/verify", authHandler.VerifyTwoFactor)
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.HandleFunc("POST /auth/password-reset/request", authHandler.RequestPasswordReset)
	mux.HandleFunc("POST /auth/password-reset/confirm", authHandler.ResetPassword)
	mux.Handle("GET /auth/session", auth.Middleware(tokens, logger, http.HandlerFunc(authHandler.Session)))
	mux.Handle("POST /auth/2fa/enroll", authed(authHandler.BeginTwoFactorEnrollment))
	mux.Handle("POST /auth/2fa/activate", authed(authHandler.ActivateTwoFactor))
	mux.Handle("POST /auth/2fa/disable", authed(authHandler.DisableTwoFactor))
	mux.Handle("POST /auth/2fa/recovery-codes", authed(authHandler.RegenerateRecoveryCodes))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			recorder.Close()
			observability.FlushSentry()
			if redisClient != nil {
				_ = redisClient.Close()
			}
			return database.Close()
		},
	}, nil
}

// buildCounterStore picks the rate-limit backend. Redis when REDIS_URL is
// set or RATE_LIMIT_BACKEND says so, postgres for shared durable counters,
// otherwise per-process memory.
func buildCounterStore(database *sql.DB, logger *observability.Logger) (ratelimit.CounterStore, *redis.Client, *ratelimit.PostgresStore, error) {
	backend := strings.ToLower(envOrDefault("RATE_LIMIT_BACKEND", ""))
	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))

	switch {
	case backend == "redis" || (backend == "" && redisURL != ""):
		if redisURL == "" {
			return nil, nil, nil, fmt.Errorf("RATE_LIMIT_BACKEND=redis requires REDIS_URL")
		}
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		logger.Info("rate_limit_backend_selected", map[string]any{"backend": "redis"})
		return ratelimit.NewRedisStore(client), client, nil, nil

	case backend == "postgres":
		store := ratelimit.NewPostgresStore(database)
		logger.Info("rate_limit_backend_selected", map[string]any{"backend": "postgres"})
		return store, nil, store, nil

	case backend == "" || backend == "memory":
		logger.Info("rate_limit_backend_selected", map[string]any{"backend": "memory"})
		return ratelimit.NewMemoryStore(), nil, nil, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown RATE_LIMIT_BACKEND: %s", backend)
	}
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
