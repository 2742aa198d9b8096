// Package server exposes the marketplace over JSON HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"staychain/internal/booking"
	"staychain/internal/config"
	"staychain/internal/currency"
	"staychain/internal/hmacauth"
	"staychain/internal/listing"
	"staychain/internal/localpay"
	"staychain/internal/metrics"
	"staychain/internal/registry"
	"staychain/internal/txn"
	"staychain/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Transactions is the orchestrator surface the HTTP layer uses.
type Transactions interface {
	Submit(ctx context.Context, req txn.Request) (txn.Result, error)
	Status(ctx context.Context, hash string) (txn.Result, error)
}

type Listings interface {
	Create(ctx context.Context, d listing.Draft) (listing.Outcome, error)
	Retry(ctx context.Context, d listing.Draft, locator string) (listing.Outcome, error)
}

type Bookings interface {
	BookStay(ctx context.Context, propertyID uint64, days int64, token string) (booking.Booking, error)
}

type WalletSession interface {
	State() wallet.State
	SwitchNetwork(ctx context.Context, chainID uint64) (wallet.State, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Properties   registry.Reader
	Listings     Listings
	Transactions Transactions
	Bookings     Bookings
	LocalPay     *localpay.Reconciler
	Wallet       WalletSession
	Currencies   *currency.Registry
	Metrics      *metrics.Registry
	HealthChecks map[string]HealthCheck
	Logger       zerolog.Logger
}

type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	hmac       *hmacauth.Verifier
	engine     *gin.Engine
	httpServer *http.Server
	log        zerolog.Logger
}

func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.HMACSecret,
			MaxSkew: cfg.HMACClockSkew,
			Log:     deps.Logger,
		},
		log: deps.Logger,
	}
	s.engine = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = 8 << 20
	r.Use(recovery(s.log))
	r.Use(requestID())
	r.Use(requestLogger(s.log))

	signed := s.hmac.Middleware()
	v1 := r.Group("/api/v1")

	v1.GET("/health", s.handleHealth)
	v1.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	v1.GET("/currencies", s.handleCurrencies)

	props := v1.Group("/properties")
	{
		props.GET("", s.handleListProperties)
		props.GET("/:id", s.handleGetProperty)
		props.POST("", signed, s.handleCreateProperty)
		props.POST("/:id/deactivate", signed, s.handleDeactivateProperty)
	}

	v1.POST("/bookings", signed, s.handleBookStay)
	v1.GET("/transactions/:hash", s.handleTransactionStatus)

	pay := v1.Group("/local-payments")
	{
		pay.GET("", s.handleLocalLedger)
		pay.POST("/scan", signed, s.handleScan)
		pay.POST("/confirm", signed, s.handleConfirmLocal)
		pay.POST("/cancel", signed, s.handleCancelLocal)
	}

	v1.GET("/wallet", s.handleWallet)
	v1.POST("/wallet/network", signed, s.handleSwitchNetwork)
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type checkResult struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	overallHealthy := true
	checks := make(map[string]checkResult, len(s.deps.HealthChecks))

	for name, check := range s.deps.HealthChecks {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check(checkCtx)
		cancel()

		res := checkResult{Connected: err == nil, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
		if err != nil {
			res.Error = err.Error()
			overallHealthy = false
		}
		checks[name] = res
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
	})
}
