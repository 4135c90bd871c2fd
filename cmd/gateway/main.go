package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"github.com/tachi-protocol/tachi/internal/auth"
	"github.com/tachi-protocol/tachi/internal/chain"
	"github.com/tachi-protocol/tachi/internal/gateway"
	"github.com/tachi-protocol/tachi/internal/governance"
	"github.com/tachi-protocol/tachi/internal/health"
	"github.com/tachi-protocol/tachi/internal/license"
	"github.com/tachi-protocol/tachi/internal/proofledger"
	"github.com/tachi-protocol/tachi/internal/replay"
	"github.com/tachi-protocol/tachi/internal/settlement"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("gateway exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("gateway")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("gateway.port", 8402)
	viper.SetDefault("gateway.origin_url", "http://localhost:3000")
	viper.SetDefault("gateway.cors_origins", []string{"*"})
	viper.SetDefault("gateway.rate_limit_rps", 50)
	viper.SetDefault("gateway.crawler_rate_limit_rps", 10)
	viper.SetDefault("gateway.request_timeout", "10s")
	viper.SetDefault("database.url", "")
	viper.SetDefault("chain.name", "base")
	viper.SetDefault("chain.rpc_url", "https://mainnet.base.org")
	viper.SetDefault("chain.rpc_timeout", "5s")
	viper.SetDefault("chain.rpc_retries", 2)
	viper.SetDefault("chain.token_address", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	viper.SetDefault("chain.settlement_address", "0x0000000000000000000000000000000000000402")
	viper.SetDefault("verify.replay_ttl", "1h")
	viper.SetDefault("verify.max_proof_age", "15m")
	viper.SetDefault("license.cache_ttl", "5m")
	viper.SetDefault("receipts.queue_size", 1024)
	viper.SetDefault("receipts.max_attempts", 5)
	viper.SetDefault("receipts.writer_address", "0x0000000000000000000000000000000000000405")
	viper.SetDefault("admin.jwt_secret", "")
	viper.SetDefault("admin.token_ttl", "24h")
	viper.SetDefault("governance.gate_address", "0x0000000000000000000000000000000000000403")
	viper.SetDefault("governance.license_admin_address", "0x0000000000000000000000000000000000000404")
	viper.SetDefault("governance.ledger_admin_address", "0x0000000000000000000000000000000000000406")
	viper.SetDefault("governance.signers", []string{})
	viper.SetDefault("governance.threshold", 1)
	viper.SetDefault("governance.timelock", "0s")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	origin, err := url.Parse(viper.GetString("gateway.origin_url"))
	if err != nil || origin.Host == "" {
		return fmt.Errorf("invalid gateway.origin_url %q", viper.GetString("gateway.origin_url"))
	}
	tokenAddr, err := parseAddress("chain.token_address")
	if err != nil {
		return err
	}
	settlementAddr, err := parseAddress("chain.settlement_address")
	if err != nil {
		return err
	}
	gateAddr, err := parseAddress("governance.gate_address")
	if err != nil {
		return err
	}
	licenseAdminAddr, err := parseAddress("governance.license_admin_address")
	if err != nil {
		return err
	}
	ledgerAdminAddr, err := parseAddress("governance.ledger_admin_address")
	if err != nil {
		return err
	}
	writerAddr, err := parseAddress("receipts.writer_address")
	if err != nil {
		return err
	}

	// ── Chain Client ─────────────────────────────────────────────────────────
	rpcURL := viper.GetString("chain.rpc_url")
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return fmt.Errorf("dial chain rpc %s: %w", rpcURL, err)
	}
	defer eth.Close()

	chainClient := chain.NewClient(eth, chain.Config{
		Timeout: viper.GetDuration("chain.rpc_timeout"),
		Retries: viper.GetInt("chain.rpc_retries"),
	}, logger)
	logger.Info("chain client ready",
		zap.String("chain", viper.GetString("chain.name")),
		zap.String("token", tokenAddr.Hex()),
	)

	// ── Stores ───────────────────────────────────────────────────────────────
	// An empty database.url runs everything in memory; processes then hold
	// protocol state only for their own lifetime.
	replayTTL := viper.GetDuration("verify.replay_ttl")
	if replayTTL <= 0 {
		replayTTL = replay.DefaultTTL
	}

	var (
		pool         *pgxpool.Pool
		licenseStore license.Store
		replayStore  replay.Store
		crawlStore   proofledger.Store
	)
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		pool, err = pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		licenseStore = license.NewPostgresStore(pool, logger)
		replayStore = replay.NewPostgresStore(pool, replayTTL, logger)
		crawlStore = proofledger.NewPostgresStore(pool, logger)
	} else {
		logger.Warn("no database.url configured, using in-memory stores")
		licenseStore = license.NewMemoryStore()
		memReplay := replay.NewMemoryStore(replayTTL)
		defer memReplay.Close()
		replayStore = memReplay
		crawlStore = proofledger.NewMemoryStore()
	}

	licenseCache := license.NewCache(licenseStore, viper.GetDuration("license.cache_ttl"))

	// ── Proof-of-Crawl Ledger ────────────────────────────────────────────────
	crawlLedger := proofledger.NewLedger(crawlStore, gateAddr, writerAddr)

	startCtx := context.Background()
	if err := crawlLedger.Verify(startCtx); err != nil {
		return fmt.Errorf("crawl ledger integrity check failed: %w", err)
	}
	total, _ := crawlLedger.TotalLogged(startCtx)
	root, _ := crawlLedger.Root(startCtx)
	logger.Info("crawl ledger verified",
		zap.Int64("crawls", total),
		zap.String("root", root),
	)

	// ── Settlement Ledger ────────────────────────────────────────────────────
	settleLedger := settlement.NewLedger(settlementAddr, gateAddr, settlement.NewMemoryToken(tokenAddr), logger)
	settleLedger.Subscribe(func(settlement.Event) { gateway.RecordSettlement() })

	// ── Governance Gate ──────────────────────────────────────────────────────
	signers, err := parseSigners(viper.GetStringSlice("governance.signers"))
	if err != nil {
		return err
	}
	if len(signers) == 0 {
		logger.Warn("no governance.signers configured, governance API disabled in all but read form")
		signers = []common.Address{gateAddr}
	}
	gate, err := governance.NewGate(gateAddr, signers, viper.GetInt("governance.threshold"),
		viper.GetDuration("governance.timelock"), logger)
	if err != nil {
		return fmt.Errorf("governance gate: %w", err)
	}
	gate.RegisterDestination(licenseAdminAddr, license.ApplyGovernance(licenseStore, licenseCache), false)
	gate.RegisterDestination(ledgerAdminAddr, proofledger.ApplyGovernance(crawlLedger, gateAddr), false)
	gate.RegisterDestination(settlementAddr, settlementGovernanceHandler(settleLedger, gateAddr), true)

	// ── Edge Decision Engine ─────────────────────────────────────────────────
	verifier := gateway.NewVerifier(chainClient, replayStore, tokenAddr, settlementAddr,
		viper.GetDuration("verify.max_proof_age"), logger)

	receipts := gateway.NewReceiptSubmitter(crawlLedger, writerAddr,
		viper.GetInt("receipts.queue_size"), viper.GetInt("receipts.max_attempts"), time.Second, logger)
	defer receipts.Close()

	classifier, err := gateway.NewClassifier()
	if err != nil {
		return fmt.Errorf("build classifier: %w", err)
	}

	edge := gateway.NewHandler(gateway.Config{
		Origin:         origin,
		ChainName:      viper.GetString("chain.name"),
		Token:          tokenAddr,
		RequestTimeout: viper.GetDuration("gateway.request_timeout"),
	}, classifier, licenseCache, verifier, receipts, logger)

	// ── Admin Tokens ─────────────────────────────────────────────────────────
	jwtSecret := viper.GetString("admin.jwt_secret")
	if jwtSecret == "" {
		return errors.New("admin.jwt_secret must be set")
	}
	httpPort := viper.GetInt("gateway.port")
	tokens := auth.NewTokenIssuer(jwtSecret, fmt.Sprintf("http://localhost:%d", httpPort),
		viper.GetDuration("admin.token_ttl"))

	// ── Health ───────────────────────────────────────────────────────────────
	checker := health.New(health.Config{}, logger)
	checker.Register("chain", health.PingFunc(chainClient.Ping), true)
	checker.Register("license_store", health.PingFunc(licenseStore.Ping), true)
	checker.Register("replay_store", health.PingFunc(replayStore.Ping), true)
	checker.Register("origin", originPinger(origin), false)

	if err := checker.CheckStartup(startCtx); err != nil {
		return err
	}
	logger.Info("startup health checks passed")

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("gateway.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Payment-Tx", "X-Publisher"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	if rps := viper.GetInt("gateway.rate_limit_rps"); rps > 0 {
		router.Use(gateway.RateLimiter(classifier, rps, viper.GetInt("gateway.crawler_rate_limit_rps")))
	}

	router.Use(requestLogger(logger))
	router.Use(gateway.PrometheusMiddleware())

	router.GET("/healthz", checker.LivenessHandler)
	router.GET("/readyz", checker.ReadinessHandler)
	router.GET("/metrics", gateway.MetricsHandler())

	v1 := router.Group("/api/v1")
	gateway.NewLedgerHandler(crawlLedger, logger).Register(v1)
	gateway.NewLicenseHandler(licenseStore, tokens, logger).Register(v1)
	gateway.NewGovernanceHandler(gate, tokens, logger).Register(v1)

	// Everything else is origin traffic and goes through the edge engine.
	router.NoRoute(edge.Handle)

	// ── Background loops ─────────────────────────────────────────────────────
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go checker.Start(bgCtx)

	if pg, ok := replayStore.(*replay.PostgresStore); ok {
		go func() {
			ticker := time.NewTicker(replayTTL / 2)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(bgCtx, 30*time.Second)
					if _, err := pg.Purge(ctx); err != nil {
						logger.Warn("replay purge error", zap.Error(err))
					}
					cancel()
				case <-bgCtx.Done():
					return
				}
			}
		}()
	}

	// ── Serve ────────────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("gateway listening", zap.Int("port", httpPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	logger.Info("gateway stopped")
	return nil
}

// settlementGovernanceHandler decodes settlement admin payloads and applies
// them as the gate.
func settlementGovernanceHandler(l *settlement.Ledger, gateAddr common.Address) governance.Handler {
	return func(ctx context.Context, payload []byte) error {
		var op struct {
			Op             string `json:"op"`
			Implementation string `json:"implementation"`
		}
		if err := json.Unmarshal(payload, &op); err != nil {
			return fmt.Errorf("decode settlement payload: %w", err)
		}
		switch op.Op {
		case "upgrade":
			if !common.IsHexAddress(op.Implementation) {
				return fmt.Errorf("invalid implementation address %q", op.Implementation)
			}
			return l.Upgrade(ctx, gateAddr, common.HexToAddress(op.Implementation))
		default:
			return fmt.Errorf("unknown settlement op %q", op.Op)
		}
	}
}

func parseAddress(key string) (common.Address, error) {
	v := viper.GetString(key)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s is not a valid address: %q", key, v)
	}
	return common.HexToAddress(v), nil
}

func parseSigners(raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for _, s := range raw {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("governance.signers entry is not a valid address: %q", s)
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

// originPinger probes the origin with a HEAD request. Any HTTP answer counts
// as alive; only transport failures are reported.
func originPinger(origin *url.URL) health.PingFunc {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, origin.String(), nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
