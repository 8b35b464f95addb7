package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lendpool/cmd/internal/passphrase"
	"lendpool/config"
	"lendpool/core"
	"lendpool/crypto"
	"lendpool/gateway/middleware"
	"lendpool/gateway/routes"
	"lendpool/observability/logging"
	telemetry "lendpool/observability/otel"
	"lendpool/services/indexer"
)

const (
	serviceName   = "lendingd"
	pruneInterval = 10 * time.Minute
	busBuffer     = 1024
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "token:", err)
			os.Exit(1)
		}
		return
	}
	if err := runServe(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "lendingd:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("lendingd", flag.ExitOnError)
	cfgPath := fs.String("config", "./lendpool.toml", "path to the daemon configuration (TOML or YAML)")
	listen := fs.String("listen", "", "override gateway.listen")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Gateway.Listen = *listen
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	logger, closeLog := logging.New(logging.Options{
		Service: serviceName,
		Env:     cfg.Environment,
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
	})
	defer closeLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := cfg.Telemetry
	tcfg.ServiceName = serviceName
	tcfg.Environment = cfg.Environment
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	pass, err := passphrase.NewSource(cfg.Operator.PassphraseEnv).Get()
	if err != nil {
		return fmt.Errorf("operator passphrase: %w", err)
	}
	key, created, err := crypto.LoadOrCreateKeystore(cfg.Resolve(cfg.Operator.KeystorePath), pass)
	if err != nil {
		return fmt.Errorf("operator keystore: %w", err)
	}
	operator := key.PubKey().Address()
	if created {
		logger.Warn("created operator keystore", "path", cfg.Resolve(cfg.Operator.KeystorePath), "operator", operator.String())
	}

	node, err := core.NewNode(ctx, cfg, operator, core.WithLogger(logger), core.WithMetrics())
	if err != nil {
		return err
	}
	defer node.Close()
	logger.Info("node ready", "operator", operator.String(), "router", node.Router().Address().Encode(crypto.ContractPrefix))

	ix, err := startIndexer(ctx, cfg, node, logger)
	if err != nil {
		return err
	}

	handler, idem, err := buildGateway(cfg, node, ix, logger)
	if err != nil {
		return err
	}
	if idem != nil {
		defer idem.Close()
		go pruneLoop(ctx, idem, logger)
	}

	server := &http.Server{
		Addr:         cfg.Gateway.Listen,
		Handler:      handler,
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
		IdleTimeout:  cfg.Gateway.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	listener, err := net.Listen("tcp", cfg.Gateway.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "address", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}

func startIndexer(ctx context.Context, cfg *config.Config, node *core.Node, logger *slog.Logger) (*indexer.Indexer, error) {
	driver := strings.TrimSpace(cfg.Indexer.Driver)
	if driver == "" {
		logger.Info("event indexer disabled")
		return nil, nil
	}
	dsn := cfg.Indexer.DSN
	if driver == config.DriverSQLite {
		dsn = cfg.Resolve(dsn)
	}
	db, err := indexer.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	ix, err := indexer.New(db, indexer.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	// The indexer feeds PendingRecoveries, so it must not miss a leg failure.
	ch, unsubscribe := node.SubscribeLossless(busBuffer)
	go func() {
		defer unsubscribe()
		if err := ix.Run(ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event indexer stopped", "error", err)
		}
	}()
	return ix, nil
}

func buildGateway(cfg *config.Config, node *core.Node, ix *indexer.Indexer, logger *slog.Logger) (http.Handler, *middleware.IdempotencyStore, error) {
	gw := cfg.Gateway
	authCfg := middleware.AuthConfig{
		Enabled:   gw.Auth.Enabled,
		Issuer:    gw.Auth.Issuer,
		Audience:  gw.Auth.Audience,
		ClockSkew: gw.Auth.ClockSkew,
	}
	if gw.Auth.Enabled {
		secret := strings.TrimSpace(os.Getenv(gw.Auth.SecretEnv))
		if secret == "" {
			return nil, nil, fmt.Errorf("gateway auth enabled but %s is empty", gw.Auth.SecretEnv)
		}
		authCfg.Secret = []byte(secret)
	} else {
		logger.Warn("gateway auth disabled; writes act for the account named in the request")
	}

	limit := middleware.RateLimit{RatePerSecond: gw.RateLimit.RatePerSecond, Burst: gw.RateLimit.Burst}
	limits := map[string]middleware.RateLimit{
		routes.GroupRead:  limit,
		routes.GroupWrite: limit,
		routes.GroupAdmin: limit,
	}

	var idem *middleware.IdempotencyStore
	if path := strings.TrimSpace(gw.IdempotencyDB); path != "" {
		var err error
		idem, err = middleware.OpenIdempotencyStore(cfg.Resolve(path), gw.IdempotencyTTL, logger)
		if err != nil {
			return nil, nil, err
		}
	}

	exportDir := ""
	if ix != nil {
		exportDir = cfg.Resolve(cfg.Indexer.ExportDir)
	}
	handler, err := routes.New(routes.Config{
		Backend:       node,
		Indexer:       ix,
		ExportDir:     exportDir,
		Authenticator: middleware.NewAuthenticator(authCfg, logger),
		RateLimiter:   middleware.NewRateLimiter(limits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: serviceName, LogRequests: true}, logger),
		Idempotency:   idem,
		CORS:          middleware.CORSConfig{AllowedOrigins: gw.AllowedOrigins},
		Logger:        logger,
	})
	if err != nil {
		if idem != nil {
			_ = idem.Close()
		}
		return nil, nil, err
	}
	return handler, idem, nil
}

func pruneLoop(ctx context.Context, store *middleware.IdempotencyStore, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Prune()
			if err != nil {
				logger.Warn("idempotency prune failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency records pruned", "removed", removed)
			}
		}
	}
}

// runToken mints a gateway bearer token signed with the configured secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	cfgPath := fs.String("config", "./lendpool.toml", "path to the daemon configuration")
	subject := fs.String("subject", "", "account the token acts for (bech32)")
	admin := fs.Bool("admin", false, "grant the admin scope")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	account, err := crypto.DecodeAddress(strings.TrimSpace(*subject))
	if err != nil {
		return fmt.Errorf("subject: %w", err)
	}
	secret := strings.TrimSpace(os.Getenv(cfg.Gateway.Auth.SecretEnv))
	if secret == "" {
		return fmt.Errorf("%s is empty", cfg.Gateway.Auth.SecretEnv)
	}
	var scopes []string
	if *admin {
		scopes = append(scopes, middleware.ScopeAdmin)
	}
	token, err := middleware.IssueToken(middleware.AuthConfig{
		Enabled:  true,
		Secret:   []byte(secret),
		Issuer:   cfg.Gateway.Auth.Issuer,
		Audience: cfg.Gateway.Auth.Audience,
	}, account, scopes, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
