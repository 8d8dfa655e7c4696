package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/klear-core/internal/advanced"
	"github.com/ksred/klear-core/internal/aml"
	"github.com/ksred/klear-core/internal/auth"
	"github.com/ksred/klear-core/internal/compliance"
	"github.com/ksred/klear-core/internal/config"
	"github.com/ksred/klear-core/internal/database"
	"github.com/ksred/klear-core/internal/database/migrations"
	"github.com/ksred/klear-core/internal/exchange"
	"github.com/ksred/klear-core/internal/ledger"
	"github.com/ksred/klear-core/internal/market"
	"github.com/ksred/klear-core/internal/metrics"
	"github.com/ksred/klear-core/internal/screening"
	"github.com/ksred/klear-core/internal/trading"
	"github.com/ksred/klear-core/pkg/middleware"
)

// Ticks older than this are treated as no price
const maxTickAge = time.Minute

// setupLogging configures zerolog for the environment.
// Outside production logs are pretty printed with timestamps.
func setupLogging(cfg config.AppConfig) {
	if cfg.Env != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

type handlers struct {
	auth       *auth.GinHandlers
	ledger     *ledger.GinHandlers
	market     *market.GinHandlers
	trading    *trading.GinHandlers
	advanced   *advanced.GinHandlers
	compliance *compliance.GinHandlers
	aml        *aml.GinHandlers
}

// main loads configuration, wires the services and runs the API server
// alongside the background workers until SIGINT or SIGTERM
func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg.App)

	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := migrations.Run(db); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to run migrations")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Services
	book := ledger.New(db)
	prices := market.NewPriceStore(maxTickAge)
	tradingService := trading.NewService(db, book, prices, cfg.Trading.MarketSlippage)
	advancedService := advanced.NewService(db, tradingService, book, prices)

	c := cfg.Compliance
	sanctioned := make([]string, 0, len(c.SanctionedAddresses)+len(c.SanctionedUsers))
	sanctioned = append(sanctioned, c.SanctionedAddresses...)
	sanctioned = append(sanctioned, c.SanctionedUsers...)
	sanctions := screening.NewWatchlist(sanctioned, c.HighRiskAddresses)
	jurisdictions := screening.NewJurisdictionList(c.HighRiskJurisdictions)
	complianceService := compliance.NewService(db, complianceOptions(c), compliance.Lookups{
		Sanctions:     sanctions,
		FX:            screening.NewStaticFxRates(c.FXRates),
		Jurisdictions: jurisdictions,
	})
	amlService := aml.NewService(db, aml.Watchlists{
		Sanctions:     sanctions,
		PEP:           screening.NewFuzzyPEPList(c.PEPNames, c.PEPMaxDistance),
		Jurisdictions: jurisdictions,
	})
	if err := amlService.SeedRules(ctx, aml.RulesFromConfig(cfg.AML.Rules)); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to seed AML rules")
	}

	tradingService.SetPreTradeCheck(complianceService.CheckTrade)
	tradingService.OnTrade(complianceService.RecordTrade)
	if err := tradingService.Resume(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to resume matching")
	}

	authService := auth.NewService(cfg.App.JWTSecret)
	for _, cred := range cfg.Auth.Credentials {
		authService.RegisterAPICredentials(cred.APIKey, cred.APISecret, cred.UserID, cred.Permissions...)
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), metrics.Middleware())

	limiter := middleware.NewRateLimiter()
	router.Use(limiter.Middleware())

	setupRoutes(router, authService, handlers{
		auth:       auth.NewGinHandlers(authService),
		ledger:     ledger.NewGinHandlers(book),
		market:     market.NewGinHandlers(prices),
		trading:    trading.NewGinHandlers(tradingService),
		advanced:   advanced.NewGinHandlers(advancedService),
		compliance: compliance.NewGinHandlers(complianceService),
		aml:        aml.NewGinHandlers(amlService),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.App.Port,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info().Str("port", cfg.App.Port).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Msg("Shutting down server...")

		// Give outstanding requests 5 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return advanced.NewMonitor(advancedService, cfg.Monitor.Interval).Start(gctx)
	})
	g.Go(func() error {
		return aml.NewProcessor(amlService, cfg.AML.Interval, cfg.AML.BatchSize).Start(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				limiter.Cleanup()
			}
		}
	})
	if cfg.Feed.Simulate {
		g.Go(func() error {
			return exchange.NewSimulator(prices, feedPrices(cfg.Feed), cfg.Feed.Interval).Start(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		zlog.Error().Err(err).Msg("Server stopped with error")
	}
	tradingService.Wait()
	zlog.Info().Msg("Server exiting")
}

func complianceOptions(c config.ComplianceConfig) compliance.Options {
	opts := compliance.DefaultOptions()
	opts.TravelRuleThreshold = decimal.NewFromFloat(c.TravelRuleThreshold)
	if c.HighValueThreshold > 0 {
		opts.HighValueThreshold = decimal.NewFromFloat(c.HighValueThreshold)
	}
	if c.ManualReviewScore > 0 {
		opts.ManualReviewScore = int(c.ManualReviewScore)
	}
	if c.VelocityLimit > 0 {
		opts.VelocityLimit = c.VelocityLimit
	}
	if c.VelocityWindow > 0 {
		opts.VelocityWindow = c.VelocityWindow
	}
	return opts
}

// feedPrices restricts the simulated feed to the configured symbols
func feedPrices(feed config.FeedConfig) map[string]float64 {
	if len(feed.Symbols) == 0 {
		return feed.InitialPrices
	}
	prices := make(map[string]float64, len(feed.Symbols))
	for _, symbol := range feed.Symbols {
		if p, ok := feed.InitialPrices[symbol]; ok {
			prices[symbol] = p
		} else {
			zlog.Warn().Str("symbol", symbol).Msg("No initial price configured, symbol not simulated")
		}
	}
	return prices
}

// setupRoutes configures all API endpoints and their handlers:
//   - Auth and market data routes are public
//   - Balance, trade, order and transaction routes require a JWT with the trade permission
//   - Compliance routes require the compliance permission
//   - Internal routes require the internal permission
func setupRoutes(router *gin.Engine, validator middleware.TokenValidator, h handlers) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", h.auth.GenerateTokenHandler())
		}

		marketRoutes := v1.Group("/market")
		{
			marketRoutes.GET("/tickers", h.market.ListTickersHandler())
			marketRoutes.GET("/tickers/:symbol", h.market.GetTickerHandler())
		}

		trader := middleware.RequirePermission(auth.PermissionTrade)

		v1.GET("/balances", middleware.JWTAuth(validator), trader, h.ledger.GetBalancesHandler())
		v1.GET("/trades", middleware.JWTAuth(validator), trader, h.trading.ListTradesHandler())

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(validator), trader)
		{
			orders.POST("", h.trading.CreateOrderHandler())
			orders.GET("", h.trading.ListOrdersHandler())
			orders.GET("/:order_id", h.trading.GetOrderStatusHandler())
			orders.DELETE("/:order_id", h.trading.CancelOrderHandler())

			orders.POST("/advanced", h.advanced.CreateOrderHandler())
			orders.GET("/advanced", h.advanced.ListOrdersHandler())
			orders.GET("/advanced/:order_id", h.advanced.GetOrderHandler())
			orders.DELETE("/advanced/:order_id", h.advanced.CancelOrderHandler())
		}

		transactions := v1.Group("/transactions")
		transactions.Use(middleware.JWTAuth(validator), trader)
		{
			transactions.POST("/evaluate", h.compliance.EvaluateHandler())
			transactions.GET("", h.compliance.ListOwnTransactionsHandler())
		}

		complianceRoutes := v1.Group("/compliance")
		complianceRoutes.Use(middleware.JWTAuth(validator), middleware.RequirePermission(auth.PermissionCompliance))
		{
			complianceRoutes.GET("/transactions", h.compliance.ListTransactionsHandler())
			complianceRoutes.GET("/transactions/:tx_id", h.compliance.GetTransactionHandler())
			complianceRoutes.POST("/transactions/:tx_id/review", h.compliance.ReviewHandler())

			complianceRoutes.GET("/alerts", h.aml.ListAlertsHandler())
			complianceRoutes.PATCH("/alerts/:alert_id", h.aml.UpdateAlertHandler())
			complianceRoutes.GET("/sars", h.aml.ListSARsHandler())
			complianceRoutes.POST("/sars/:sar_id/submit", h.aml.SubmitSARHandler())
			complianceRoutes.POST("/sars/:sar_id/acknowledge", h.aml.AcknowledgeSARHandler())
			complianceRoutes.GET("/rules", h.aml.ListRulesHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(validator))
		{
			internal.POST("/ticks", h.market.PublishTickHandler())
			internal.POST("/balances/credit", h.ledger.CreditHandler())
			internal.POST("/customers", h.compliance.UpsertCustomerHandler())
			internal.POST("/aml/screen/:tx_id", h.aml.ScreenHandler())
		}
	}
}
