package routes

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lendpool/core/events"
	"lendpool/crypto"
	"lendpool/gateway/middleware"
	"lendpool/native/lending"
	"lendpool/native/router"
	"lendpool/services/indexer"
)

// Backend is the node the gateway drives.
type Backend interface {
	Router() *router.Client
	Pool(ctx context.Context, asset string) (*lending.Client, error)
	Operator() crypto.Address
	Balance(addr crypto.Address, token string, nonce uint64) (*big.Int, error)
	SetPaused(key string, paused bool)
	Paused() []string
	Subscribe(buffer int) (<-chan events.Event, func())
}

type Config struct {
	Backend Backend
	// Indexer is optional. Without it the event and recovery listings are
	// not mounted.
	Indexer       *indexer.Indexer
	ExportDir     string
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Idempotency   *middleware.IdempotencyStore
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
}

// Rate limit groups.
const (
	GroupRead  = "read"
	GroupWrite = "write"
	GroupAdmin = "admin"
)

type server struct {
	backend   Backend
	index     *indexer.Indexer
	exportDir string
	auth      *middleware.Authenticator
	logger    *slog.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Backend == nil {
		return nil, errors.New("routes: backend required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{
		backend:   cfg.Backend,
		index:     cfg.Indexer,
		exportDir: cfg.ExportDir,
		logger:    logger,
	}
	obs := cfg.Observability
	if obs == nil {
		obs = middleware.NewObservability(middleware.ObservabilityConfig{}, logger)
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(nil, logger)
	}
	auth := cfg.Authenticator
	if auth == nil {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{}, logger)
	}
	s.auth = auth

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			read.Use(limiter.Middleware(GroupRead), obs.Middleware("read"))
			read.Get("/routes", s.listRoutes)
			read.Get("/flows/{id}", s.getFlow)
			read.Get("/pools/{asset}", s.getPool)
			read.Get("/pools/{asset}/positions", s.listPositions)
			read.Get("/pools/{asset}/positions/{id}", s.getPosition)
			read.Get("/pools/{asset}/interest", s.debtInterest)
			read.Get("/balances/{address}", s.getBalance)
			if s.index != nil {
				read.Get("/events", s.listEvents)
				read.Get("/recoveries", s.listRecoveries)
			}
			read.Get("/events/ws", s.streamEvents)
		})

		v1.Group(func(write chi.Router) {
			write.Use(limiter.Middleware(GroupWrite), obs.Middleware("write"), auth.Middleware())
			if cfg.Idempotency != nil {
				write.Use(cfg.Idempotency.Middleware)
			}
			write.Post("/deposit", s.deposit)
			write.Post("/withdraw", s.withdraw)
			write.Post("/debt/lock", s.lockDebt)
			write.Post("/debt/unlock", s.unlockDebt)
			write.Post("/borrow", s.borrow)
			write.Post("/repay", s.repay)
			write.Post("/flows/{id}/release", s.releaseCollateral)
		})

		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(limiter.Middleware(GroupAdmin), obs.Middleware("admin"), auth.Middleware(middleware.ScopeAdmin))
			admin.Post("/routes", s.setPoolAddress)
			admin.Post("/health-threshold", s.setHealthFactorThreshold)
			admin.Get("/pauses", s.listPauses)
			admin.Post("/pauses", s.setPause)
			if s.index != nil {
				admin.Post("/export", s.exportEvents)
			}
		})
	})
	return r, nil
}

// caller resolves the account a write acts for. An authenticated subject
// wins; without auth the request names it.
func (s *server) caller(r *http.Request, from string) (crypto.Address, error) {
	if account, ok := middleware.Account(r.Context()); ok {
		if from != "" {
			claimed, err := crypto.DecodeAddress(from)
			if err != nil || claimed != account {
				return crypto.Address{}, errForeignAccount
			}
		}
		return account, nil
	}
	if s.auth.Enabled() {
		return crypto.Address{}, errForeignAccount
	}
	if from == "" {
		return crypto.Address{}, errors.New("from: account required")
	}
	return crypto.DecodeAddress(from)
}

var errForeignAccount = errors.New("from does not match the authenticated account")
