package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/walletcore/internal/eventbus"
	"github.com/MarkoPoloResearchLab/walletcore/internal/httpserver"
	"github.com/MarkoPoloResearchLab/walletcore/internal/projector"
	"github.com/MarkoPoloResearchLab/walletcore/internal/recovery"
	"github.com/MarkoPoloResearchLab/walletcore/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/walletcore/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/walletcore/internal/webhook"
	"github.com/MarkoPoloResearchLab/walletcore/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagRedisAddr         = "redis-addr"
	flagRedisChannel      = "redis-channel"
	flagAllowedOrigins    = "allowed-origins"
	flagDefaultCurrency   = "default-currency"
	flagTenantID          = "tenant-id"
	flagDeliveryRetention = "delivery-retention"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyRedisAddr         = "redis_addr"
	configKeyRedisChannel      = "redis_channel"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeyDefaultCurrency   = "default_currency"
	configKeyTenantID          = "tenant_id"
	configKeyDeliveryRetention = "delivery_retention"

	defaultDatabaseURL       = "sqlite:///tmp/walletcore.db"
	defaultHTTPListenAddr    = ":8080"
	defaultRedisAddr         = "127.0.0.1:6379"
	defaultTenantID          = "default"
	defaultDeliveryRetention = 72 * time.Hour
	retentionSweepInterval   = time.Hour

	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	RedisAddr         string
	RedisChannel      string
	AllowedOrigins    string
	DefaultCurrency   string
	TenantID          string
	DeliveryRetention time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Wallet ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagRedisAddr, defaultRedisAddr, "Redis address for the event bus, empty disables eventing")
	cmd.Flags().String(flagRedisChannel, eventbus.DefaultChannel, "Redis pub/sub channel")
	cmd.Flags().String(flagAllowedOrigins, "", "comma separated CORS origins")
	cmd.Flags().String(flagDefaultCurrency, "USD", "currency assumed when requests omit one")
	cmd.Flags().String(flagTenantID, defaultTenantID, "tenant id stamped on published events")
	cmd.Flags().Duration(flagDeliveryRetention, defaultDeliveryRetention, "how long webhook delivery records are kept")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := []struct {
		configKey string
		envVar    string
		flagName  string
	}{
		{configKeyDatabaseURL, "DATABASE_URL", flagDatabaseURL},
		{configKeyListenAddr, "HTTP_LISTEN_ADDR", flagListenAddr},
		{configKeyRedisAddr, "REDIS_ADDR", flagRedisAddr},
		{configKeyRedisChannel, "REDIS_CHANNEL", flagRedisChannel},
		{configKeyAllowedOrigins, "ALLOWED_ORIGINS", flagAllowedOrigins},
		{configKeyDefaultCurrency, "DEFAULT_CURRENCY", flagDefaultCurrency},
		{configKeyTenantID, "TENANT_ID", flagTenantID},
		{configKeyDeliveryRetention, "DELIVERY_RETENTION", flagDeliveryRetention},
	}
	for _, binding := range bindings {
		if err := viper.BindEnv(binding.configKey, binding.envVar); err != nil {
			return err
		}
		if err := viper.BindPFlag(binding.configKey, cmd.Flags().Lookup(binding.flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultHTTPListenAddr
	}
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.RedisChannel = viper.GetString(configKeyRedisChannel)
	if cfg.RedisChannel == "" {
		cfg.RedisChannel = eventbus.DefaultChannel
	}
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.DefaultCurrency = viper.GetString(configKeyDefaultCurrency)
	cfg.TenantID = viper.GetString(configKeyTenantID)
	if cfg.TenantID == "" {
		cfg.TenantID = defaultTenantID
	}
	cfg.DeliveryRetention = viper.GetDuration(configKeyDeliveryRetention)
	if cfg.DeliveryRetention <= 0 {
		cfg.DeliveryRetention = defaultDeliveryRetention
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }

	// Projections and webhooks live in gormstore on either driver; ledger rows
	// go through the raw pgx store on postgres.
	var ledgerStore ledger.Store = store
	if driver == driverPostgres {
		pool, poolErr := pgxpool.New(ctx, cfg.DatabaseURL)
		if poolErr != nil {
			return fmt.Errorf("postgres pool open: %w", poolErr)
		}
		defer pool.Close()
		ledgerStore = pgstore.New(pool)
	}

	var (
		bus         *eventbus.Bus
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = redisClient.Close() }()
		bus = eventbus.NewBus(redisClient, cfg.RedisChannel, logger)
	} else {
		logger.Warn("redis disabled, events stay in process")
	}

	serviceOptions := []ledger.ServiceOption{
		ledger.WithOperationLogger(&zapOperationLogger{logger: logger}),
	}
	var completions ledger.CompletionPublisher
	if bus != nil {
		completions = eventbus.NewLedgerPublisher(bus, ledgerStore, cfg.TenantID, clock)
		serviceOptions = append(serviceOptions, ledger.WithCompletionPublisher(completions))
	}
	ledgerService, err := ledger.NewService(ledgerStore, clock, serviceOptions...)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	dispatcherOptions := []webhook.Option{}
	if bus != nil {
		dispatcherOptions = append(dispatcherOptions, webhook.WithBusPublisher(bus))
	}
	dispatcher, err := webhook.NewDispatcher(store, logger, clock, dispatcherOptions...)
	if err != nil {
		return fmt.Errorf("webhook dispatcher init: %w", err)
	}
	defer dispatcher.Close()

	walletProjector, err := projector.New(store, ledgerService, logger, clock,
		projector.WithExternalNotifier(dispatcher),
		projector.WithTenantID(cfg.TenantID),
	)
	if err != nil {
		return fmt.Errorf("projector init: %w", err)
	}

	recoveryOptions := []recovery.Option{recovery.WithTenantID(cfg.TenantID)}
	if completions != nil {
		recoveryOptions = append(recoveryOptions, recovery.WithCompletionPublisher(completions))
	}
	if bus != nil {
		recoveryOptions = append(recoveryOptions, recovery.WithFailurePublisher(bus))
	}
	recoveryJob, err := recovery.NewJob(ledgerStore, logger, clock, recoveryOptions...)
	if err != nil {
		return fmt.Errorf("recovery job init: %w", err)
	}
	go recoveryJob.Run(ctx)

	if redisClient != nil {
		subscriber := eventbus.NewSubscriber(redisClient, cfg.RedisChannel, logger,
			eventbus.HandlerFunc(walletProjector.HandleEvent),
			eventbus.HandlerFunc(dispatcher.HandleEvent),
		)
		go func() {
			if runErr := subscriber.Run(ctx); runErr != nil && ctx.Err() == nil {
				logger.Error("event subscriber stopped", zap.Error(runErr))
			}
		}()
	}

	go runRetentionSweeps(ctx, dispatcher, cfg.DeliveryRetention, logger)

	server, err := httpserver.NewServer(httpserver.Config{
		ListenAddr:      cfg.ListenAddr,
		AllowedOrigins:  httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
		DefaultCurrency: cfg.DefaultCurrency,
	}, logger, ledgerService, walletProjector, dispatcher)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	return server.Run(ctx)
}

func runRetentionSweeps(ctx context.Context, dispatcher *webhook.Dispatcher, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := dispatcher.RunRetentionSweep(ctx, retention)
			if err != nil {
				logger.Warn("delivery retention sweep failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				logger.Info("purged webhook deliveries", zap.Int64("count", purged))
			}
		}
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "walletcore.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// prepareSchema migrates sqlite automatically; postgres schemas are managed
// outside the process.
func prepareSchema(db *gorm.DB, driver string) error {
	if driver != driverSQLite {
		return nil
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// zapOperationLogger forwards ledger operation callbacks to structured logs.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("transaction_id", entry.TransactionID),
		zap.String("type", entry.Type.String()),
		zap.String("owner", entry.Owner.String()),
		zap.Int64("amount_cents", entry.Amount.Int64()),
		zap.String("external_ref", entry.ExternalRef.String()),
		zap.Bool("replayed", entry.Replayed),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
