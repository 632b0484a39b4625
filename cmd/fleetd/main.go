// Command fleetd is the Arkeep fleet server: it terminates agent and web
// browser WebSocket connections, dispatches bulk jobs, mirrors CVE data, and
// serves the REST API consumed by the web console.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/arkeep-io/arkeep/server/internal/agentconn"
	"github.com/arkeep-io/arkeep/server/internal/api"
	"github.com/arkeep-io/arkeep/server/internal/audit"
	"github.com/arkeep-io/arkeep/server/internal/auth"
	"github.com/arkeep-io/arkeep/server/internal/cvemirror"
	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/metrics"
	"github.com/arkeep-io/arkeep/server/internal/orchestrator"
	"github.com/arkeep-io/arkeep/server/internal/registry"
	"github.com/arkeep-io/arkeep/server/internal/repository"
	"github.com/arkeep-io/arkeep/server/internal/secevents"
	"github.com/arkeep-io/arkeep/server/internal/secretmgr"
	"github.com/arkeep-io/arkeep/server/internal/statecache"
	"github.com/arkeep-io/arkeep/server/internal/terminal"
	"github.com/arkeep-io/arkeep/server/internal/webconn"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr          string
	dbDriver          string
	dbDSN             string
	secretKey         string
	logLevel          string
	dataDir           string
	secureCookies     bool
	cveSyncIntervalS  int
	terminalRateHz    float64
	terminalBurst     int
	heartbeatSweepSec int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "fleetd",
		Short: "Arkeep fleet server — control plane for agent-managed machines",
		Long: `fleetd is the central component of the Arkeep fleet management system.
It terminates WebSocket connections from agents and web browsers, dispatches
bulk command jobs, mirrors CVE data, and raises security events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("ARKEEP_HTTP_ADDR", ":8080"), "HTTP API and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("ARKEEP_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("ARKEEP_DB_DSN", "./arkeep.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("ARKEEP_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ARKEEP_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("ARKEEP_DATA_DIR", "./data"), "Directory for server data (JWT keys, etc.)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("ARKEEP_SECURE_COOKIES", "false") == "true", "Set Secure flag on auth cookies (enable in production over HTTPS)")
	root.PersistentFlags().IntVar(&cfg.cveSyncIntervalS, "cve-sync-interval-seconds", envIntOrDefault("CVE_SYNC_INTERVAL_SECONDS", 7200), "Interval between OSV mirror syncs")
	root.PersistentFlags().Float64Var(&cfg.terminalRateHz, "terminal-rate-limit", envFloatOrDefault("RATE_LIMIT_TOKENS_PER_SEC", 20), "Per-session terminal envelope rate limit, tokens/sec")
	root.PersistentFlags().IntVar(&cfg.terminalBurst, "terminal-rate-burst", envIntOrDefault("RATE_LIMIT_BURST", 40), "Per-session terminal envelope rate limit burst")
	root.PersistentFlags().IntVar(&cfg.heartbeatSweepSec, "heartbeat-sweep-seconds", envIntOrDefault("HEARTBEAT_SWEEP_SECONDS", 15), "Interval between agent liveness sweeps")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or ARKEEP_SECRET_KEY")
	}

	logger.Info("starting fleetd",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	userRepo := repository.NewUserRepository(gormDB)
	refreshTokenRepo := repository.NewRefreshTokenRepository(gormDB)
	oidcProviderRepo := repository.NewOIDCProviderRepository(gormDB)
	settingsRepo := repository.NewSettingsRepository(gormDB)
	machineRepo := repository.NewMachineRepository(gormDB)
	accessRepo := repository.NewUserMachineAccessRepository(gormDB)
	sessionRepo := repository.NewSessionRepository(gormDB)
	metricRepo := repository.NewMetricRepository(gormDB)
	commandRepo := repository.NewCommandRepository(gormDB)
	packageScanRepo := repository.NewPackageScanRepository(gormDB)
	packageRepo := repository.NewPackageRepository(gormDB)
	cveRepo := repository.NewCVERepository(gormDB)
	matchRepo := repository.NewVulnerabilityMatchRepository(gormDB)
	securityEventRepo := repository.NewSecurityEventRepository(gormDB)
	auditLogRepo := repository.NewAuditLogRepository(gormDB)
	jobRepo := repository.NewJobRepository(gormDB)
	executionRepo := repository.NewExecutionRepository(gormDB)

	// --- 4. Ambient services ---
	auditLogger := audit.New(auditLogRepo, logger)

	secrets := secretmgr.New(settingsRepo)
	if err := secrets.LoadOrCreateSigningSecret(ctx); err != nil {
		return fmt.Errorf("failed to initialize secret manager: %w", err)
	}

	cache := statecache.New()

	// --- 5. Auth ---
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	localProvider := auth.NewLocalAuthProvider(userRepo, refreshTokenRepo, jwtManager)
	oidcProvider := auth.NewOIDCAuthProvider(oidcProviderRepo, userRepo, refreshTokenRepo, jwtManager)
	authService := auth.NewAuthService(localProvider, oidcProvider, refreshTokenRepo, jwtManager)

	// --- 6. Connection registry (C4) ---
	reg := registry.New(logger)
	go reg.Run(ctx)

	// --- 7. Secure terminal service (C7) ---
	termSvc := terminal.NewService(sessionRepo, machineRepo, accessRepo, secrets, auditLogger, cfg.terminalRateHz, cfg.terminalBurst)
	go termSvc.StartIdleSweep(ctx, time.Minute)

	// --- 8. Security event engine (C10) and web hub (C6) ---
	// webHub and secEngine depend on each other only through the narrow
	// Publisher/WebPublisher interfaces, so webHub is constructed first and
	// wired into secEngine, matching the teacher's habit of building the
	// broadcast hub before anything that publishes through it.
	webHub := webconn.NewHub(
		api.NewInboundRelay(termSvc, reg, accessRepo, logger),
		webconn.NewRegistryAdapter(
			func(c *webconn.Conn) { reg.RegisterWebClient(c) },
			func(c *webconn.Conn) { reg.UnregisterWebClient(c) },
		),
		logger,
	)
	go webHub.Run(ctx)

	secEngine := secevents.New(securityEventRepo, auditLogger, webHub, logger)

	// --- 9. CVE mirror & matcher (C9) ---
	cveMatcher, err := cvemirror.New(cveRepo, matchRepo, packageRepo, secEngine, logger)
	if err != nil {
		return fmt.Errorf("failed to create cve mirror: %w", err)
	}
	if err := cveMatcher.Start(cfg.cveSyncIntervalS); err != nil {
		return fmt.Errorf("failed to start cve mirror: %w", err)
	}
	defer func() {
		if err := cveMatcher.Stop(); err != nil {
			logger.Warn("cve mirror shutdown error", zap.Error(err))
		}
	}()

	// --- 10. Agent connection manager (C5) ---
	agentDeps := agentconn.Deps{
		Machines:     machineRepo,
		Metrics:      metricRepo,
		Commands:     commandRepo,
		Executions:   executionRepo,
		PackageScans: packageScanRepo,
		Packages:     packageRepo,
		Registry: agentconn.NewRegistryAdapter(
			func(machineID uuid.UUID, c *agentconn.Conn) { reg.RegisterAgent(c) },
			func(machineID uuid.UUID, c *agentconn.Conn) { reg.UnregisterAgent(c) },
		),
		Cache:        cache,
		Secrets:      secrets,
		WebPush:      webHub,
		Security:     secEngine,
		CVEMatcher:   cveMatcher,
		Logger:       logger,
	}
	go runHeartbeatSweep(ctx, machineRepo, cache, time.Duration(cfg.heartbeatSweepSec)*time.Second, logger)
	go runConnectionGauges(ctx, reg, cveMatcher, 10*time.Second)

	// --- 11. Bulk-job orchestrator (C8) ---
	dispatcher := orchestrator.NewAgentDispatcher(reg, termSvc)
	resolver := orchestrator.NewMachineResolver(machineRepo)
	orch := orchestrator.New(jobRepo, executionRepo, commandRepo, resolver, dispatcher, webHub, auditLogger, logger)

	// --- 12. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService:       authService,
		Logger:            logger,
		Audit:             auditLogger,
		Users:             userRepo,
		Machines:          machineRepo,
		UserMachineAccess: accessRepo,
		Jobs:              jobRepo,
		Executions:        executionRepo,
		OIDCProviders:     oidcProviderRepo,
		Registry:          reg,
		StateCache:        cache,
		WebHub:            webHub,
		AgentDeps:         agentDeps,
		Orchestrator:      orch,
		CVEMatcher:        cveMatcher,
		SecEvents:         secEngine,
		Secure:            cfg.secureCookies,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down fleetd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("fleetd stopped")
	return nil
}

// runHeartbeatSweep periodically flips any machine whose last heartbeat is
// older than heartbeatTimeout from "online" to "offline" (spec.md §4.2: "a
// ticker-driven sweep every 15s flips any agent silent for >90s to
// offline"). The agent's own socket read/write loop independently detects a
// dead TCP connection; this sweep instead catches the case of a half-open
// connection that never sends another heartbeat.
func runHeartbeatSweep(ctx context.Context, machines repository.MachineRepository, cache *statecache.Cache, interval time.Duration, logger *zap.Logger) {
	const heartbeatTimeout = 90 * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-heartbeatTimeout)
			staleIDs, err := machines.MarkStaleOffline(ctx, cutoff)
			if err != nil {
				logger.Warn("heartbeat sweep: failed to mark stale machines offline", zap.Error(err))
				continue
			}
			if n := len(staleIDs); n > 0 {
				logger.Info("heartbeat sweep: marked machines offline", zap.Int("count", n))
				metrics.HeartbeatSweepOfflineTotal.Add(float64(n))
				now := time.Now()
				for _, id := range staleIDs {
					cache.MarkStatus(id, "offline", now)
				}
			}
		}
	}
}

// runConnectionGauges periodically samples the registry's live connection
// counts and the CVE mirror's sync state into the /metrics gauges. A
// sampling loop rather than update-on-event keeps metrics.go free of a
// dependency on registry/cvemirror internals.
func runConnectionGauges(ctx context.Context, reg *registry.Registry, cveMatcher *cvemirror.Matcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		metrics.ConnectedAgents.Set(float64(reg.ConnectedAgentCount()))
		metrics.ConnectedWebClients.Set(float64(reg.ConnectedWebClientCount()))
		metrics.CVESyncState.Set(metrics.SyncStateValue(cveMatcher.State()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// buildJWTManager loads RSA keys from the data directory if available,
// or generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "fleetd")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("fleetd")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var parsed int
	if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil {
		return defaultVal
	}
	return parsed
}

func envFloatOrDefault(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var parsed float64
	if _, err := fmt.Sscanf(v, "%f", &parsed); err != nil {
		return defaultVal
	}
	return parsed
}
