// Package app wires configuration into the running services shared by the
// api server and the reconcile worker.
package app

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/auth"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/config"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/custody"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/documents"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/escrow"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/esign"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/events"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/reputation"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/contenthash"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/httpx"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/ledger"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/pdf"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/security"
)

// DevBalance is minted to every configured account on a simulated ledger.
var DevBalance = big.NewInt(1_000_000)

// App holds every service built from a Config.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Ledger  ledger.TokenLedger
	Custody *custody.Custody
	Hub     *events.Hub

	Auth       *auth.Service
	Documents  documents.Service
	ESign      esign.Service
	Escrow     escrow.Service
	Reputation reputation.Service

	nonces  *auth.NonceStore
	closers []func()
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}

// New connects storage and the ledger and builds the services. Ledger metrics
// are registered with reg when it is non-nil.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	escrowAddr, err := cfg.Ledger.EscrowAddress()
	if err != nil {
		return nil, err
	}

	l, err := a.openLedger(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Ledger = ledger.Instrumented(l, ledger.NewMetrics(reg))
	a.Custody = custody.New(a.Ledger, escrowAddr, logger.Named("custody"))

	var (
		docRepo    documents.Repository
		esignRepo  esign.Repository
		escrowRepo escrow.Repository
		ratingRepo reputation.Repository
	)
	if cfg.Database.InMemory {
		logger.Warn("Using in-memory storage; state is lost on restart")
		docRepo = documents.NewMemoryRepository()
		esignRepo = esign.NewMemoryRepository()
		escrowRepo = escrow.NewMemoryRepository()
		ratingRepo = reputation.NewMemoryRepository()
	} else {
		sqlDB, gormDB, err := a.openDatabase(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		docRepo = documents.NewRepository(sqlDB)
		esignRepo = esign.NewRepository(sqlDB)
		escrowRepo = escrow.NewRepository(gormDB)
		ratingRepo = reputation.NewRepository(gormDB)
	}

	a.Hub = events.NewHub(logger.Named("events"))
	a.closers = append(a.closers, a.Hub.Close)

	a.Documents = documents.NewService(docRepo, contenthash.Algorithm(cfg.Ledger.HashAlgorithm),
		escrow.NewCreatorPolicy(escrowRepo), logger.Named("documents"))
	a.ESign = esign.NewService(esignRepo, security.NewValidator(),
		pdf.NewGenerator(pdf.DefaultOptions()), a.Hub, logger.Named("esign"))
	a.Escrow = escrow.NewService(escrowRepo, a.Custody, a.Documents, a.Hub, logger.Named("escrow"))
	a.Reputation = reputation.NewService(ratingRepo, a.Escrow, logger.Named("reputation"))

	a.nonces = auth.NewNonceStore(5 * time.Minute)
	a.closers = append(a.closers, a.nonces.Stop)
	a.Auth = auth.NewService(cfg.Security.JWTSecret, cfg.Security.TokenTTL, a.nonces,
		security.NewValidator(), logger.Named("auth"))

	logger.Info("Services ready",
		zap.String("escrow", escrowAddr.Hex()),
		zap.Bool("simulated_ledger", cfg.Ledger.Simulated),
		zap.Bool("in_memory", cfg.Database.InMemory),
		zap.String("hash_algorithm", cfg.Ledger.HashAlgorithm))
	return a, nil
}

func (a *App) openLedger(ctx context.Context) (ledger.TokenLedger, error) {
	cfg := a.Config.Ledger
	keys, err := cfg.Keys()
	if err != nil {
		return nil, err
	}
	if cfg.Simulated {
		sim := ledger.NewSimulated()
		for _, key := range keys[1:] {
			sim.Mint(crypto.PubkeyToAddress(key.PublicKey), DevBalance)
		}
		a.Logger.Info("Using simulated ledger", zap.Int("funded_accounts", len(keys)-1))
		return sim, nil
	}

	client, err := ledger.DialEth(ctx, ledger.EthConfig{
		RPCURL:              cfg.RPCURL,
		ChainID:             cfg.ChainIDBig(),
		Token:               common.HexToAddress(cfg.TokenAddress),
		Keys:                keys,
		GasLimit:            cfg.GasLimit,
		PollInterval:        cfg.PollInterval,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
	}, a.Logger.Named("ledger"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.Logger.Info("Connected to ledger", zap.String("rpc_url", cfg.RPCURL), zap.Int64("chain_id", cfg.ChainID))
	return client, nil
}

// openDatabase opens the sqlx pool used by the document and signature
// registries and the gorm handle used by escrow and ratings. Both share the
// same Postgres database.
func (a *App) openDatabase(ctx context.Context) (*sqlx.DB, *gorm.DB, error) {
	cfg := a.Config.Database
	url := cfg.GetDatabaseURL()

	a.Logger.Info("Connecting to database",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("db_name", cfg.DBName))
	sqlDB, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.MaxLifetime)
	a.closers = append(a.closers, func() { sqlDB.Close() })

	if err := documents.Migrate(ctx, sqlDB); err != nil {
		return nil, nil, err
	}
	if err := esign.Migrate(ctx, sqlDB); err != nil {
		return nil, nil, err
	}

	gormDB, err := gorm.Open(postgres.Open(url), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open gorm connection: %w", err)
	}
	pool, err := gormDB.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get gorm pool: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxConnections)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.MaxLifetime)
	a.closers = append(a.closers, func() { pool.Close() })

	models := append(escrow.Models(), reputation.Models()...)
	if err := gormDB.WithContext(ctx).AutoMigrate(models...); err != nil {
		return nil, nil, fmt.Errorf("failed to migrate escrow tables: %w", err)
	}
	return sqlDB, gormDB, nil
}

// Router builds the HTTP surface. Everything under /api/v1 except the login
// flow requires a bearer token.
func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), httpx.RequestID(), requestLogger(a.Logger), cors())

	api := router.Group("/api/v1")
	auth.RegisterRoutes(api, auth.NewHandler(a.Auth))

	protected := api.Group("")
	protected.Use(auth.Middleware(a.Auth))
	{
		documents.NewHandler(a.Documents).RegisterRoutes(protected)
		esign.NewHandler(a.ESign).RegisterRoutes(protected)
		escrow.NewHandler(a.Escrow).RegisterRoutes(protected)
		reputation.NewHandler(a.Reputation).RegisterRoutes(protected)
	}

	router.GET("/events", a.Hub.ServeWS)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"subscribers": a.Hub.ConnectionCount(),
		})
	})
	return router
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
