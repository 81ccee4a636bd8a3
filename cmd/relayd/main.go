// Package main provides relayd, the cross-chain HTLC swap relay daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stellar/go/keypair"

	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/chain/evm"
	"github.com/klingon-exchange/bridge-relay/internal/chain/memchain"
	"github.com/klingon-exchange/bridge-relay/internal/chain/stellar"
	"github.com/klingon-exchange/bridge-relay/internal/config"
	"github.com/klingon-exchange/bridge-relay/internal/contracts/htlc"
	"github.com/klingon-exchange/bridge-relay/internal/emitter"
	"github.com/klingon-exchange/bridge-relay/internal/events"
	"github.com/klingon-exchange/bridge-relay/internal/fill"
	"github.com/klingon-exchange/bridge-relay/internal/gas"
	"github.com/klingon-exchange/bridge-relay/internal/health"
	"github.com/klingon-exchange/bridge-relay/internal/metrics"
	"github.com/klingon-exchange/bridge-relay/internal/orders"
	"github.com/klingon-exchange/bridge-relay/internal/rpc"
	"github.com/klingon-exchange/bridge-relay/internal/storage"
	"github.com/klingon-exchange/bridge-relay/internal/subscription"
	"github.com/klingon-exchange/bridge-relay/internal/swap"
	"github.com/klingon-exchange/bridge-relay/internal/worker"
	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

var (
	version = rpc.Version
	commit  = "unknown"
)

// Dev mode relayer accounts on the in-memory ledgers.
const (
	devEthAccount     = "0x00000000000000000000000000000000000000d1"
	devStellarAccount = "GDEVRELAYERACCOUNT"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.bridge-relay", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		devMode     = flag.Bool("dev", false, "Run against in-memory chains")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      orDefault(*logLevel, "info"),
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("relayd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	if *apiAddr != "" {
		cfg.API.Listen = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *devMode {
		cfg.DevMode = true
	}
	if *configFile == "" {
		cfg.Storage.DataDir = *dataDir
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		File:       cfg.Logging.File,
	})
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	dataPath := cfg.DataDir()
	store, err := storage.New(&storage.Config{
		DataDir:    dataPath,
		Passphrase: cfg.Storage.SecretPassphrase,
	})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Metrics
	var (
		mtr      *metrics.Metrics
		observer worker.Observer
	)
	if cfg.Metrics.Enabled {
		mtr = metrics.New()
		observer = mtr
	}

	// Chain adapters
	adapters, gasSource, closeChains := setupChains(ctx, cfg, log, mtr)
	defer closeChains()

	// Event bus, history and external mirror
	bus := events.NewBus(&events.Config{RingSize: cfg.Events.RingSize})
	history := events.NewHistory(cfg.Events.HistorySize)
	bus.AddRecorder(history)
	if mtr != nil {
		bus.AddRecorder(mtr)
	}
	if cfg.Redis.Enabled {
		sink, err := emitter.NewRedisSink(ctx, emitter.Config{
			URL:    cfg.Redis.URL,
			Stream: cfg.Redis.Stream,
			MaxLen: cfg.Redis.MaxLen,
		})
		if err != nil {
			log.Fatal("Failed to connect to redis", "error", err)
		}
		bus.AttachSink(sink, 1024)
		log.Info("Redis event mirror attached", "stream", cfg.Redis.Stream)
	}

	// Orders, gas and fills
	registry := orders.NewRegistry(&orders.Config{
		Store:  store,
		Events: bus,
		TTL:    cfg.Orders.DefaultTTL,
	})
	if err := registry.Load(); err != nil {
		log.Fatal("Failed to load orders", "error", err)
	}

	tracker := gas.NewTracker(&gas.Config{
		Source:      gasSource,
		Events:      bus,
		HistorySize: gas.DefaultHistorySize,
	})
	if err := tracker.Refresh(ctx); err != nil {
		log.Warn("Initial gas price refresh failed", "error", err)
	}

	fills := fill.NewManager(&fill.Config{
		Orders:    registry,
		Gas:       tracker,
		Store:     store,
		Events:    bus,
		Fragments: cfg.Orders.Fragments,
	})
	if err := fills.Load(); err != nil {
		log.Fatal("Failed to load fill executions", "error", err)
	}

	var housekeeping worker.Group
	housekeeping.Add(worker.New(&worker.Config{
		Name:     "order_sweep",
		Interval: cfg.Orders.SweepInterval,
		Fn: func(ctx context.Context) error {
			if n := registry.ClearExpiredOrders(); n > 0 {
				log.Info("Expired orders cleared", "count", n)
			}
			return nil
		},
		Observer: observer,
	}))
	housekeeping.Add(worker.New(&worker.Config{
		Name:     "gas_refresh",
		Interval: cfg.Gas.Interval,
		Fn:       tracker.Refresh,
		Observer: observer,
	}))

	// Health checks
	hc := health.New(&health.Config{Timeout: cfg.Health.Timeout})
	for _, id := range []chain.ID{chain.Ethereum, chain.Stellar} {
		if ad, err := adapters.Get(id); err == nil {
			hc.Register(string(id), health.ChainCheck(ad, cfg.Health.MaxChainLag, nil))
		}
	}
	hc.Register("storage", health.StoreCheck(store))
	hc.Register("event_bus", health.BusCheck(bus, cfg.Health.MaxBusPending))
	housekeeping.Add(worker.New(&worker.Config{
		Name:     "health_check",
		Interval: cfg.Health.Interval,
		Fn:       hc.Run,
		Observer: observer,
	}))

	// Swap coordinator
	coordinator := swap.NewCoordinator(&swap.CoordinatorConfig{
		Adapters:        adapters,
		Store:           store,
		Events:          bus,
		ChainTimeout:    cfg.Swap.ChainCallTimeout,
		Concurrency:     cfg.Swap.Concurrency,
		MaxLockAttempts: cfg.Swap.MaxLockAttempts,
		DefaultTimelock: cfg.Swap.DefaultTimelock,
	})
	if err := coordinator.Load(); err != nil {
		log.Fatal("Failed to load swaps", "error", err)
	}
	monitors := swap.NewMonitors(coordinator, &swap.MonitorConfig{
		LockInterval:     cfg.Swap.LockInterval,
		ClaimInterval:    cfg.Swap.ClaimInterval,
		WatchdogInterval: cfg.Swap.WatchdogInterval,
		Observer:         observer,
	})

	// Subscriptions
	sc := cfg.Subscriptions
	subs := subscription.NewManager(&subscription.Config{
		Bus:             bus,
		BatchSize:       sc.BatchSize,
		BatchTimeout:    sc.BatchTimeout,
		MaxRetries:      sc.MaxRetries,
		RetryDelay:      sc.RetryDelay,
		AckTimeout:      sc.AckTimeout,
		MaxBuffer:       sc.MaxBuffer,
		QuotaWindow:     sc.QuotaWindow,
		QuotaEvents:     sc.QuotaEvents,
		QuotaBytes:      sc.QuotaBytes,
		IdleTimeout:     sc.IdleTimeout,
		CleanupInterval: sc.CleanupInterval,
		Observer:        observer,
	})

	tasks := func() []worker.Stats {
		out := monitors.Stats()
		out = append(out, subs.TaskStats()...)
		return append(out, housekeeping.Stats()...)
	}

	// RPC
	rpcCfg := &rpc.Config{
		Coordinator:   coordinator,
		Monitors:      monitors,
		Orders:        registry,
		Fills:         fills,
		Gas:           tracker,
		Bus:           bus,
		History:       history,
		Subscriptions: subs,
		Tasks:         tasks,
		Health:        hc,
		CORSOrigins:   cfg.API.CORSOrigins,
	}
	if mtr != nil {
		rpcCfg.Metrics = mtr.Handler()
		rpcCfg.MetricsPath = cfg.Metrics.Path
	}
	rpcServer := rpc.NewServer(rpcCfg)
	if mtr != nil {
		registerGauges(mtr, coordinator, registry, subs, bus, rpcServer)
	}

	subs.Start()
	monitors.Start()
	housekeeping.Start()
	if err := rpcServer.Start(cfg.API.Listen); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg, rpcServer.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}
	housekeeping.Stop()
	monitors.Stop()
	subs.Stop()
	if err := bus.Close(); err != nil {
		log.Error("Error closing event bus", "error", err)
	}

	log.Info("Goodbye!")
}

// setupChains builds the adapter set and the gas source. Dev mode uses
// in-memory ledgers and a static gas price.
func setupChains(ctx context.Context, cfg *config.Config, log *logging.Logger, mtr *metrics.Metrics) (*chain.Adapters, gas.Source, func()) {
	wrap := func(ad chain.Adapter) chain.Adapter {
		if mtr == nil {
			return ad
		}
		return mtr.Instrument(ad)
	}

	if cfg.DevMode {
		log.Warn("Dev mode: using in-memory chains")
		adapters := chain.NewAdapters(
			wrap(memchain.New(chain.Ethereum, devEthAccount)),
			wrap(memchain.New(chain.Stellar, devStellarAccount)),
		)
		return adapters, gas.NewStaticSource(gas.DefaultGasPrice(), 5000), func() {}
	}

	if n, ok := config.LookupEVMNetwork(cfg.Ethereum.ChainID); ok {
		log.Info("Ethereum network", "name", n.Name, "chain_id", n.ChainID, "testnet", n.Testnet)
	}
	client, err := htlc.NewClient(ctx, cfg.Ethereum.RPCURL, common.HexToAddress(cfg.Ethereum.HTLCContract))
	if err != nil {
		log.Fatal("Failed to connect to Ethereum", "error", err)
	}
	key, err := htlc.ParsePrivateKey(cfg.Ethereum.PrivateKey)
	if err != nil {
		log.Fatal("Invalid Ethereum private key", "error", err)
	}
	ethAdapter, err := evm.New(&evm.Config{Contract: client, PrivateKey: key})
	if err != nil {
		log.Fatal("Failed to create Ethereum adapter", "error", err)
	}

	kp, err := keypair.ParseFull(cfg.Stellar.SecretSeed)
	if err != nil {
		log.Fatal("Invalid Stellar secret seed", "error", err)
	}
	claimers, err := stellar.ParseKeypairs(cfg.Stellar.ClaimerSeeds)
	if err != nil {
		log.Fatal("Invalid Stellar claimer seeds", "error", err)
	}
	xlmAdapter, err := stellar.New(&stellar.Config{
		Horizon:    stellar.NewHorizon(cfg.Stellar.HorizonURL),
		Keypair:    kp,
		Claimers:   claimers,
		Passphrase: cfg.Stellar.NetworkPassphrase,
		BaseFee:    cfg.Stellar.BaseFee,
	})
	if err != nil {
		log.Fatal("Failed to create Stellar adapter", "error", err)
	}

	var source gas.Source = gas.NewEVMSource(client.Backend())
	if cfg.Gas.Source == "static" {
		source = gas.NewStaticSource(gas.DefaultGasPrice(), 5000)
	}

	log.Info("Chain adapters ready",
		"ethereum", ethAdapter.Account(),
		"htlc", client.ContractAddress().Hex(),
		"stellar", xlmAdapter.Account(),
	)
	return chain.NewAdapters(wrap(ethAdapter), wrap(xlmAdapter)), source, client.Close
}

// registerGauges exposes component state read at scrape time.
func registerGauges(m *metrics.Metrics, c *swap.Coordinator, r *orders.Registry, subs *subscription.Manager, bus *events.Bus, srv *rpc.Server) {
	m.LabeledGaugeFunc("swaps", "Swaps by status.", "status", func() map[string]float64 {
		out := make(map[string]float64)
		for st, n := range c.CountByStatus() {
			out[string(st)] = float64(n)
		}
		return out
	})
	m.LabeledGaugeFunc("orders", "Orders by status.", "status", func() map[string]float64 {
		out := make(map[string]float64)
		for st, n := range r.CountByStatus() {
			out[string(st)] = float64(n)
		}
		return out
	})
	m.GaugeFunc("subscription_queue_depth", "Deliveries waiting in the priority queue.", func() float64 {
		return float64(subs.Stats().QueueDepth)
	})
	m.GaugeFunc("subscription_pending_acks", "Deliveries awaiting acknowledgement.", func() float64 {
		return float64(subs.Stats().PendingAcks)
	})
	m.GaugeFunc("bus_dropped_events", "Events dropped by slow bus subscribers.", func() float64 {
		return float64(bus.Stats().Dropped)
	})
	m.GaugeFunc("ws_clients", "Connected WebSocket clients.", func() float64 {
		return float64(srv.WSHub().ClientCount())
	})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func printBanner(log *logging.Logger, cfg *config.Config, apiAddr string) {
	mode := "live"
	if cfg.DevMode {
		mode = "DEV"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Bridge Relay (%s)", mode)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Infof("  Health: http://%s/health", apiAddr)
	if cfg.Metrics.Enabled {
		log.Infof("  Metrics: http://%s%s", apiAddr, cfg.Metrics.Path)
	}
	log.Info("")
	log.Infof("  Ethereum chain id: %d", cfg.Ethereum.ChainID)
	log.Infof("  Data dir: %s", filepath.Clean(cfg.DataDir()))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
