// Command server starts the ripplecast audio relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ripplecast/internal/api"
	"ripplecast/internal/engine"
	"ripplecast/internal/ingest"
	"ripplecast/internal/journal"
	"ripplecast/internal/models"
	"ripplecast/internal/observability/logging"
	"ripplecast/internal/relay"
	"ripplecast/internal/server"
	"ripplecast/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")

	engineBinary := flag.String("engine-binary", "", "transcoding engine executable (default ffmpeg from PATH)")
	artifactDir := flag.String("artifact-dir", "", "directory for per-session recordings (empty disables the durable-file leg)")
	rtpTarget := flag.String("rtp-target", "", "host:port the live-network leg transmits to (empty disables it)")
	rtpPayloadType := flag.Int("rtp-payload-type", 0, "RTP payload type for the live-network leg")
	defaultLegs := flag.String("legs", "", "comma separated default pipeline legs (file,fanout,network)")
	maxSessions := flag.Int("max-sessions", 0, "maximum concurrent ingest sessions (0 for unlimited)")
	maxChunkBytes := flag.Int("max-chunk-bytes", 0, "inbound chunks above this size are dropped")
	fanoutBuffer := flag.Int("fanout-buffer", 0, "per-consumer fanout buffer in chunks")
	overflowPolicy := flag.String("overflow-policy", "", "leg input overflow policy (drop or pause)")
	legQueueDepth := flag.Int("leg-queue-depth", 0, "chunks buffered per leg input")
	stopGrace := flag.Duration("stop-grace", 0, "grace period per step when stopping a leg subprocess")
	heartbeat := flag.Duration("heartbeat-interval", 0, "ingest WebSocket ping interval")
	statsInterval := flag.Duration("stats-interval", 0, "window length for the stats snapshot counters")
	requireKey := flag.Bool("require-key", false, "require ingest keys for admission and admin routes")

	storageDriver := flag.String("storage-driver", "", "journal datastore driver (json or postgres)")
	dataPath := flag.String("data", "", "path to the JSON datastore")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")

	journalDriver := flag.String("journal-driver", "", "journal queue driver (memory or redis)")
	journalRedisAddr := flag.String("journal-redis-addr", "", "Redis address for the journal queue")
	journalRedisAddrs := flag.String("journal-redis-addrs", "", "comma separated Redis addresses for the journal queue")
	journalRedisUsername := flag.String("journal-redis-username", "", "Redis username for the journal queue")
	journalRedisPassword := flag.String("journal-redis-password", "", "Redis password for the journal queue")
	journalRedisStream := flag.String("journal-redis-stream", "", "Redis stream key for journal events")
	journalRedisGroup := flag.String("journal-redis-group", "", "Redis consumer group for journal events")
	journalRedisMasterName := flag.String("journal-redis-sentinel-master", "", "Redis sentinel master name for the journal queue")
	journalRedisPoolSize := flag.Int("journal-redis-pool-size", 0, "maximum Redis connections for the journal queue")
	journalRedisTLSCA := flag.String("journal-redis-tls-ca", "", "path to Redis TLS CA certificate for the journal queue")
	journalRedisTLSCert := flag.String("journal-redis-tls-cert", "", "path to Redis TLS client certificate for the journal queue")
	journalRedisTLSKey := flag.String("journal-redis-tls-key", "", "path to Redis TLS client key for the journal queue")
	journalRedisTLSServerName := flag.String("journal-redis-tls-server-name", "", "override Redis TLS server name for the journal queue")
	journalRedisTLSSkipVerify := flag.Bool("journal-redis-tls-skip-verify", false, "skip Redis TLS verification for the journal queue")

	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint for artifact offload")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix for recordings")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used for artifact URLs")

	retentionAge := flag.Duration("retention-age", 0, "delete journal rows and recordings older than this (0 disables)")
	retentionSweep := flag.Duration("retention-sweep", 0, "interval between retention sweeps")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	ingestLimit := flag.Int("rate-ingest-limit", 0, "maximum ingest handshakes per window for a single IP")
	ingestWindow := flag.Duration("rate-ingest-window", 0, "window for counting ingest handshakes")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed ingest throttling")
	rateRedisUsername := flag.String("rate-redis-username", "", "Redis username for distributed ingest throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed ingest throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")

	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API cross-origin")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("RIPPLECAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("RIPPLECAST_LOG_FORMAT")),
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("RIPPLECAST_ADDR"), ":8080")

	overflow, err := engine.ParseOverflowPolicy(firstNonEmpty(*overflowPolicy, os.Getenv("RIPPLECAST_OVERFLOW_POLICY"), string(engine.OverflowDrop)))
	if err != nil {
		fatal(logger, "invalid overflow policy", err)
	}

	legs, err := resolveDefaultLegs(*defaultLegs, os.Getenv("RIPPLECAST_LEGS"))
	if err != nil {
		fatal(logger, "invalid default legs", err)
	}

	artifactDirValue := firstNonEmpty(*artifactDir, os.Getenv("RIPPLECAST_ARTIFACT_DIR"))
	if artifactDirValue != "" {
		if err := os.MkdirAll(artifactDirValue, 0o755); err != nil {
			fatal(logger, "failed to create artifact directory", err)
		}
	}

	store, err := openRepository(repositoryOptions{
		Driver:          firstNonEmpty(*storageDriver, os.Getenv("RIPPLECAST_STORAGE_DRIVER")),
		DataPath:        firstNonEmpty(*dataPath, os.Getenv("RIPPLECAST_DATA"), "data/journal.json"),
		PostgresDSN:     resolvePostgresDSN(*postgresDSN),
		MaxConns:        resolveInt(*postgresMaxConns, "RIPPLECAST_POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, "RIPPLECAST_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "RIPPLECAST_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "RIPPLECAST_POSTGRES_MAX_CONN_IDLE", 0),
		HealthInterval:  resolveDuration(*postgresHealthInterval, "RIPPLECAST_POSTGRES_HEALTH_INTERVAL", 0),
		AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, "RIPPLECAST_POSTGRES_ACQUIRE_TIMEOUT", 0),
		AppName:         firstNonEmpty(*postgresAppName, os.Getenv("RIPPLECAST_POSTGRES_APP_NAME")),
	})
	if err != nil {
		fatal(logger, "failed to open datastore", err)
	}

	queueCfg := journal.RedisQueueConfig{
		Addr:       firstNonEmpty(*journalRedisAddr, os.Getenv("RIPPLECAST_JOURNAL_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*journalRedisAddrs, os.Getenv("RIPPLECAST_JOURNAL_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*journalRedisUsername, os.Getenv("RIPPLECAST_JOURNAL_REDIS_USERNAME")),
		Password:   firstNonEmpty(*journalRedisPassword, os.Getenv("RIPPLECAST_JOURNAL_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*journalRedisStream, os.Getenv("RIPPLECAST_JOURNAL_REDIS_STREAM")),
		Group:      firstNonEmpty(*journalRedisGroup, os.Getenv("RIPPLECAST_JOURNAL_REDIS_GROUP")),
		MasterName: firstNonEmpty(*journalRedisMasterName, os.Getenv("RIPPLECAST_JOURNAL_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*journalRedisPoolSize, "RIPPLECAST_JOURNAL_REDIS_POOL_SIZE"),
		TLS: journal.RedisTLSConfig{
			CAFile:             firstNonEmpty(*journalRedisTLSCA, os.Getenv("RIPPLECAST_JOURNAL_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*journalRedisTLSCert, os.Getenv("RIPPLECAST_JOURNAL_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*journalRedisTLSKey, os.Getenv("RIPPLECAST_JOURNAL_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*journalRedisTLSServerName, os.Getenv("RIPPLECAST_JOURNAL_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*journalRedisTLSSkipVerify, "RIPPLECAST_JOURNAL_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureJournalQueue(firstNonEmpty(*journalDriver, os.Getenv("RIPPLECAST_JOURNAL_DRIVER")), queueCfg, logger)
	if err != nil {
		fatal(logger, "failed to configure journal queue", err)
	}

	artifacts, err := storage.NewArtifactStore(storage.ObjectStorageConfig{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("RIPPLECAST_OBJECT_ENDPOINT")),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("RIPPLECAST_OBJECT_REGION")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("RIPPLECAST_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("RIPPLECAST_OBJECT_SECRET_KEY")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("RIPPLECAST_OBJECT_BUCKET")),
		UseSSL:         resolveBool(*objectUseSSL, "RIPPLECAST_OBJECT_USE_SSL"),
		Prefix:         firstNonEmpty(*objectPrefix, os.Getenv("RIPPLECAST_OBJECT_PREFIX")),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("RIPPLECAST_OBJECT_PUBLIC_ENDPOINT")),
	})
	if err != nil {
		fatal(logger, "failed to configure artifact offload", err)
	}

	stats := relay.NewStats()
	eng := engine.New(engine.Config{
		Binary:     firstNonEmpty(*engineBinary, os.Getenv("RIPPLECAST_ENGINE_BINARY")),
		StopGrace:  resolveDuration(*stopGrace, "RIPPLECAST_STOP_GRACE", 0),
		QueueDepth: resolveInt(*legQueueDepth, "RIPPLECAST_LEG_QUEUE_DEPTH"),
		Overflow:   overflow,
		Logger:     logging.WithComponent(logger, "engine"),
	})
	maxChunk := resolveInt(*maxChunkBytes, "RIPPLECAST_MAX_CHUNK_BYTES")
	manager := relay.NewManager(eng, stats, queue, relay.ManagerConfig{
		ArtifactDir:   artifactDirValue,
		NetworkTarget: firstNonEmpty(*rtpTarget, os.Getenv("RIPPLECAST_RTP_TARGET")),
		PayloadType:   resolveInt(*rtpPayloadType, "RIPPLECAST_RTP_PAYLOAD_TYPE"),
		FanoutBuffer:  resolveInt(*fanoutBuffer, "RIPPLECAST_FANOUT_BUFFER"),
		MaxChunkBytes: maxChunk,
		MaxSessions:   resolveInt(*maxSessions, "RIPPLECAST_MAX_SESSIONS"),
		DefaultLegs:   legs,
	}, logging.WithComponent(logger, "relay"))

	handler := api.NewHandler(manager, store, stats)
	handler.RequireKey = resolveBool(*requireKey, "RIPPLECAST_REQUIRE_KEY")
	handler.Logger = logging.WithComponent(logger, "api")
	if handler.RequireKey {
		logger.Info("ingest key enforcement enabled")
	} else {
		logger.Warn("running keyless: every producer and admin request is admitted")
	}

	gateway := ingest.NewGateway(ingest.GatewayConfig{
		Manager:           manager,
		Auth:              handler.IngestAuthorizer(),
		Logger:            logging.WithComponent(logger, "ingest"),
		HeartbeatInterval: resolveDuration(*heartbeat, "RIPPLECAST_HEARTBEAT_INTERVAL", 0),
		MaxFrameBytes:     frameLimitFor(maxChunk),
	})

	srv, err := server.New(handler, gateway, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("RIPPLECAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("RIPPLECAST_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "RIPPLECAST_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "RIPPLECAST_RATE_GLOBAL_BURST"),
			IngestLimit:   resolveInt(*ingestLimit, "RIPPLECAST_RATE_INGEST_LIMIT"),
			IngestWindow:  resolveDuration(*ingestWindow, "RIPPLECAST_RATE_INGEST_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("RIPPLECAST_RATE_REDIS_ADDR")),
			RedisUsername: firstNonEmpty(*rateRedisUsername, os.Getenv("RIPPLECAST_RATE_REDIS_USERNAME")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("RIPPLECAST_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "RIPPLECAST_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("RIPPLECAST_CORS_ORIGINS"))),
		},
		Logger: logger,
	})
	if err != nil {
		fatal(logger, "failed to initialise server", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		stats.Run(groupCtx, resolveDuration(*statsInterval, "RIPPLECAST_STATS_INTERVAL", 0), logging.WithComponent(logger, "stats"))
		return nil
	})
	// The journal worker outlives the errgroup: the final session sweep in
	// manager.Shutdown publishes closed events after group.Wait returns, and
	// those must still reach the repository.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		storage.NewJournalWorker(store, queue, artifacts, logging.WithComponent(logger, "journal-worker")).Run(workerCtx)
	}()
	retentionStop := startRetentionWorker(groupCtx, logging.WithComponent(logger, "retention"), store, artifacts,
		resolveDuration(*retentionAge, "RIPPLECAST_RETENTION_AGE", 0),
		resolveDuration(*retentionSweep, "RIPPLECAST_RETENTION_SWEEP", time.Hour),
	)
	defer retentionStop()

	ready := make(chan struct{})
	group.Go(func() error {
		return srv.Run(groupCtx, ready)
	})
	group.Go(func() error {
		select {
		case <-ready:
			logger.Info("ripplecast relay listening", "addr", listenAddr)
		case <-groupCtx.Done():
		}
		return nil
	})

	err = group.Wait()
	retentionStop()
	manager.Shutdown(relay.CloseReasonShutdown)
	stopWorker()
	<-workerDone

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closeErr := store.Close(closeCtx); closeErr != nil {
		logger.Warn("failed to close datastore", "error", closeErr)
	}
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

type repositoryOptions struct {
	Driver          string
	DataPath        string
	PostgresDSN     string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	AcquireTimeout  time.Duration
	AppName         string
}

func openRepository(opts repositoryOptions) (storage.Repository, error) {
	driver, err := resolveStorageDriver(opts.Driver, opts.PostgresDSN)
	if err != nil {
		return nil, err
	}
	switch driver {
	case "json":
		return storage.NewJSONRepository(opts.DataPath)
	case "postgres":
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		var pgOptions []storage.Option
		if opts.MaxConns > 0 || opts.MinConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(opts.MaxConns), int32(opts.MinConns)))
		}
		if opts.MaxConnLifetime > 0 || opts.MaxConnIdle > 0 || opts.HealthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(opts.MaxConnLifetime, opts.MaxConnIdle, opts.HealthInterval))
		}
		if opts.AcquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(opts.AcquireTimeout))
		}
		if opts.AppName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(opts.AppName))
		}
		return storage.NewPostgresRepository(context.Background(), opts.PostgresDSN, pgOptions...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func resolveStorageDriver(flagValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("RIPPLECAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func resolveDefaultLegs(flagValue, envValue string) ([]models.LegKind, error) {
	raw := firstNonEmpty(flagValue, envValue)
	if raw == "" {
		return []models.LegKind{models.LegDurable, models.LegFanout}, nil
	}
	return models.ParseLegKinds(raw)
}

func configureJournalQueue(driver string, cfg journal.RedisQueueConfig, logger *slog.Logger) (journal.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the journal queue")
		}
		cfg.Logger = logging.WithComponent(logger, "journal-queue")
		return journal.NewRedisQueue(cfg)
	case "", "memory":
		return journal.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported journal queue driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

// frameCapHeadroom keeps the WebSocket frame limit above the chunk cap so an
// oversized chunk is dropped by the session instead of killing the connection.
const frameCapHeadroom = 64 << 10

// frameLimitFor derives the gateway frame cap from the relay chunk cap. Zero
// keeps the gateway default; so does any chunk cap the default already clears.
func frameLimitFor(maxChunkBytes int) int64 {
	if maxChunkBytes <= 0 {
		return 0
	}
	limit := int64(maxChunkBytes) + frameCapHeadroom
	if limit <= ingest.DefaultMaxFrameBytes {
		return 0
	}
	return limit
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
