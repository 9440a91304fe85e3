package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/bundle-keeper/jobs"
	"github.com/flashbots/bundle-keeper/keeper"
	"github.com/flashbots/bundle-keeper/trigger"
	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const (
	strategyBroadcast = "broadcast"
	strategyFetchTime = "fetch-time"
	strategyFetchTwap = "fetch-twap"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug           = os.Getenv("DEBUG") == "1"
	defaultLogProd         = os.Getenv("LOG_PROD") == "1"
	defaultLogService      = os.Getenv("LOG_SERVICE")
	defaultMetricsPort     = cli.GetEnv("METRICS_PORT", "8088")
	defaultEthEndpoint     = cli.GetEnv("ETH_ENDPOINT", "ws://127.0.0.1:8546")
	defaultChainID         = cli.GetEnv("CHAIN_ID", "1")
	defaultTxSignerKey     = os.Getenv("TX_SIGNER_PRIVATE_KEY")
	defaultBundleSignerKey = os.Getenv("BUNDLE_SIGNER_PRIVATE_KEY")
	defaultRelayEndpoints  = cli.GetEnv("RELAY_ENDPOINTS", keeper.DefaultRelayURL)
	// See `RelaysConfig` in keeper/relay.go, takes precedence over RELAY_ENDPOINTS
	defaultRelaysConfig    = os.Getenv("RELAYS_CONFIG")
	defaultBurstSize       = cli.GetEnv("BURST_SIZE", strconv.Itoa(keeper.DefaultBurstSize))
	defaultNewBurstSize    = cli.GetEnv("NEW_BURST_SIZE", "0")
	defaultFutureBlocks    = cli.GetEnv("FUTURE_BLOCKS", strconv.Itoa(keeper.DefaultFutureBlocks))
	defaultPastBlocks      = cli.GetEnv("PAST_BLOCKS", strconv.Itoa(trigger.DefaultPastBlocks))
	defaultPriorityFee     = cli.GetEnv("PRIORITY_FEE_GWEI", "2")
	defaultGasLimit        = cli.GetEnv("GAS_LIMIT", "0")
	defaultMaxAttempts     = cli.GetEnv("MAX_ATTEMPTS", "0")
	defaultJobAddress      = os.Getenv("JOB_ADDRESS")
	defaultDataFeed        = os.Getenv("DATA_FEED_ADDRESS")
	defaultTargetChainIDs  = cli.GetEnv("TARGET_CHAIN_IDS", "10,137")
	defaultStrategy        = cli.GetEnv("STRATEGY", strategyBroadcast)
	defaultRedisEndpoint   = os.Getenv("REDIS_ENDPOINT")
	defaultPostgresDSN     = os.Getenv("POSTGRES_DSN")

	// Flags
	debugPtr          = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr        = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr     = flag.String("log-service", defaultLogService, "'service' tag to logs")
	metricsPortPtr    = flag.String("metrics-port", defaultMetricsPort, "port of the metrics and pprof server")
	ethPtr            = flag.String("eth", defaultEthEndpoint, "eth websocket endpoint")
	chainIDPtr        = flag.String("chain-id", defaultChainID, "expected chain id of the eth endpoint")
	txSignerKeyPtr    = flag.String("tx-signer-key", defaultTxSignerKey, "private key of the account that sends work transactions")
	bundleSignerPtr   = flag.String("bundle-signer-key", defaultBundleSignerKey, "private key used to authenticate bundles with relays")
	relayEndpointsPtr = flag.String("relay-endpoints", defaultRelayEndpoints, "relay urls (comma separated)")
	relaysConfigPtr   = flag.String("relays-config", defaultRelaysConfig, "relays config file")
	burstSizePtr      = flag.String("burst-size", defaultBurstSize, "number of consecutive blocks targeted by the first burst")
	newBurstSizePtr   = flag.String("new-burst-size", defaultNewBurstSize, "number of blocks targeted by later bursts (0 keeps burst-size)")
	futureBlocksPtr   = flag.String("future-blocks", defaultFutureBlocks, "distance between the head and the first targeted block")
	pastBlocksPtr     = flag.String("past-blocks", defaultPastBlocks, "how many blocks of past events to work on startup")
	priorityFeePtr    = flag.String("priority-fee-gwei", defaultPriorityFee, "priority fee per gas in gwei")
	gasLimitPtr       = flag.String("gas-limit", defaultGasLimit, "gas limit of work transactions (0 uses the strategy default)")
	maxAttemptsPtr    = flag.String("max-attempts", defaultMaxAttempts, "bursts per work item before giving up (0 means no limit)")
	jobAddressPtr     = flag.String("job", defaultJobAddress, "keeper job contract address")
	dataFeedPtr       = flag.String("data-feed", defaultDataFeed, "data feed contract address (read from the job if empty)")
	targetChainIDsPtr = flag.String("target-chain-ids", defaultTargetChainIDs, "chains observations are broadcast to (comma separated)")
	strategyPtr       = flag.String("strategy", defaultStrategy, "job strategies to run: broadcast, fetch-time, fetch-twap (comma separated)")
	redisPtr          = flag.String("redis", defaultRedisEndpoint, "redis url string, enables the shared claim gate")
	postgresDSNPtr    = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, enables the attempt journal")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	logger.Info("Starting bundle-keeper", zap.String("version", version))

	strategies, err := parseStrategies(*strategyPtr)
	if err != nil {
		logger.Fatal("Failed to parse strategies", zap.Error(err))
	}

	txKey, err := parseKey(*txSignerKeyPtr)
	if err != nil {
		logger.Fatal("Failed to parse tx signer key", zap.Error(err))
	}
	bundleKey, err := parseKey(*bundleSignerPtr)
	if err != nil {
		logger.Fatal("Failed to parse bundle signer key", zap.Error(err))
	}
	if crypto.PubkeyToAddress(txKey.PublicKey) == crypto.PubkeyToAddress(bundleKey.PublicKey) {
		logger.Fatal("Tx signer and bundle signer keys must differ")
	}

	chainID, ok := new(big.Int).SetString(*chainIDPtr, 10)
	if !ok {
		logger.Fatal("Failed to parse chain id", zap.String("chain_id", *chainIDPtr))
	}

	priorityFee, err := keeper.ParseGwei(*priorityFeePtr)
	if err != nil {
		logger.Fatal("Failed to parse priority fee", zap.Error(err))
	}
	burstSize := mustInt(logger, "burst-size", *burstSizePtr)
	newBurstSize := mustInt(logger, "new-burst-size", *newBurstSizePtr)
	futureBlocks := mustInt(logger, "future-blocks", *futureBlocksPtr)
	pastBlocks := mustInt(logger, "past-blocks", *pastBlocksPtr)
	gasLimit := mustInt(logger, "gas-limit", *gasLimitPtr)
	maxAttempts := mustInt(logger, "max-attempts", *maxAttemptsPtr)
	if futureBlocks < 0 || pastBlocks < 0 || gasLimit < 0 {
		logger.Fatal("future-blocks, past-blocks and gas-limit must not be negative")
	}

	targetChainIDs, err := parseChainIDs(*targetChainIDsPtr)
	if err != nil {
		logger.Fatal("Failed to parse target chain ids", zap.Error(err))
	}

	if !common.IsHexAddress(*jobAddressPtr) {
		logger.Fatal("Invalid job address", zap.String("job", *jobAddressPtr))
	}
	jobAddress := common.HexToAddress(*jobAddressPtr)

	var relayEndpoints []keeper.RelayEndpoint
	if *relaysConfigPtr != "" {
		relayEndpoints, err = keeper.LoadRelayConfig(*relaysConfigPtr)
	} else {
		relayEndpoints, err = keeper.ParseRelayEndpoints(*relayEndpointsPtr)
	}
	if err != nil {
		logger.Fatal("Failed to load relays", zap.Error(err))
	}
	relayClient, err := keeper.NewRelayClient(logger, relayEndpoints, bundleKey)
	if err != nil {
		logger.Fatal("Failed to create relay client", zap.Error(err))
	}

	ethBackend, err := ethclient.DialContext(ctx, *ethPtr)
	if err != nil {
		logger.Fatal("Failed to connect to ethBackend endpoint", zap.Error(err))
	}
	defer ethBackend.Close()

	if err := verifyChainID(ctx, logger, ethBackend, chainID); err != nil {
		logger.Fatal("Failed to verify chain id", zap.Error(err))
	}

	signer := keeper.NewTxSigner(txKey, chainID)

	var gate keeper.Gate = keeper.NewMemoryGate()
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		gate, err = keeper.NewRedisGate(logger, gate, redisClient, "keeper-claim:"+jobAddress.Hex(), keeper.DefaultClaimTTL)
		if err != nil {
			logger.Fatal("Failed to create redis gate", zap.Error(err))
		}
	}

	var store keeper.AttemptStore = keeper.NoopStore{}
	if *postgresDSNPtr != "" {
		dbBackend, err := keeper.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		defer dbBackend.Close()
		store = dbBackend
	}

	tracker := trigger.NewHeadTracker()

	orchestrator, err := keeper.NewOrchestrator(logger, ethBackend, tracker, relayClient, gate, signer, store, keeper.OrchestratorConfig{
		FutureBlocks:   uint64(futureBlocks),
		BurstSize:      burstSize,
		NewBurstSize:   newBurstSize,
		PriorityFeeWei: priorityFee,
		MaxAttempts:    maxAttempts,
	})
	if err != nil {
		logger.Fatal("Failed to create orchestrator", zap.Error(err))
	}
	dispatcher := trigger.NewDispatcher(logger, orchestrator)

	job, err := jobs.NewDataFeedJob(jobAddress, ethBackend)
	if err != nil {
		logger.Fatal("Failed to bind job contract", zap.Error(err))
	}
	feedAddress, err := dataFeedAddress(ctx, job, *dataFeedPtr)
	if err != nil {
		logger.Fatal("Failed to get data feed address", zap.Error(err))
	}
	feed, err := jobs.NewDataFeed(feedAddress, ethBackend)
	if err != nil {
		logger.Fatal("Failed to bind data feed contract", zap.Error(err))
	}

	logger.Info("Keeper configured",
		zap.String("chain_id", chainID.String()),
		zap.String("job", jobAddress.Hex()),
		zap.String("data_feed", feedAddress.Hex()),
		zap.String("tx_signer", signer.Address().Hex()),
		zap.String("bundle_signer", crypto.PubkeyToAddress(bundleKey.PublicKey).Hex()),
		zap.Int("relays", len(relayEndpoints)),
		zap.Strings("strategies", strategies),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tracker.Run(gctx, trigger.StreamHeads(gctx, logger, ethBackend))
		return nil
	})

	whitelist := jobs.NewWhitelistCache(feed.WhitelistedPools)
	for _, strategy := range strategies {
		switch strategy {
		case strategyBroadcast:
			source := jobs.NewBroadcastSource(job, feed, targetChainIDs, uint64(gasLimit))
			eventTrigger := trigger.NewEventTrigger(logger, ethBackend, tracker, source, dispatcher, trigger.EventTriggerConfig{
				PastBlocks: uint64(pastBlocks),
			})
			g.Go(func() error {
				return eventTrigger.Run(gctx)
			})
		case strategyFetchTime, strategyFetchTwap:
			reason := jobs.ReasonTime
			if strategy == strategyFetchTwap {
				reason = jobs.ReasonTwap
			}
			source := jobs.NewFetchSource(job, whitelist, reason, uint64(gasLimit))
			blockTrigger := trigger.NewBlockTrigger(logger.With(zap.String("strategy", strategy)), source, dispatcher)
			heads := tracker.Subscribe()
			g.Go(func() error {
				return blockTrigger.Run(gctx, heads)
			})
		}
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           metricsMux,
	}
	go func() {
		err := metricsServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		select {
		case <-notifier:
			logger.Info("Shutting down...")
		case <-gctx.Done():
		}
		ctxCancel()
	}()

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Trigger failed", zap.Error(err))
	}
	ctxCancel()

	// wait for in-flight work item loops
	dispatcher.Wait()
	if err := metricsServer.Shutdown(context.Background()); err != nil {
		logger.Error("Failed to shutdown metrics server", zap.Error(err))
	}
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return nil, errors.New("private key is not set")
	}
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

func mustInt(logger *zap.Logger, name, value string) int {
	i, err := strconv.Atoi(value)
	if err != nil {
		logger.Fatal("Failed to parse integer flag", zap.String("flag", name), zap.Error(err))
	}
	return i
}

func parseStrategies(str string) ([]string, error) {
	var strategies []string
	seen := make(map[string]bool)
	for _, s := range strings.Split(str, ",") {
		s = strings.TrimSpace(s)
		switch s {
		case "":
			continue
		case strategyBroadcast, strategyFetchTime, strategyFetchTwap:
		default:
			return nil, fmt.Errorf("unknown strategy %q", s)
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		strategies = append(strategies, s)
	}
	if len(strategies) == 0 {
		return nil, errors.New("no strategy configured")
	}
	return strategies, nil
}

func parseChainIDs(str string) ([]uint32, error) {
	var ids []uint32
	for _, s := range strings.Split(str, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, err
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

// verifyChainID retries the chain id call so the keeper can start before its node is ready.
func verifyChainID(ctx context.Context, logger *zap.Logger, client *ethclient.Client, expected *big.Int) error {
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = time.Minute
	return backoff.Retry(func() error {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			logger.Warn("Failed to get chain id", zap.Error(err))
			return err
		}
		if chainID.Cmp(expected) != 0 {
			return backoff.Permanent(fmt.Errorf("eth endpoint is on chain %s, expected %s", chainID, expected))
		}
		return nil
	}, backoff.WithContext(exp, ctx))
}

func dataFeedAddress(ctx context.Context, job *jobs.DataFeedJob, configured string) (common.Address, error) {
	if configured != "" {
		if !common.IsHexAddress(configured) {
			return common.Address{}, fmt.Errorf("invalid data feed address %q", configured)
		}
		return common.HexToAddress(configured), nil
	}
	ctx, cancel := context.WithTimeout(ctx, keeper.DefaultRPCTimeout)
	defer cancel()
	return job.DataFeed(ctx)
}
