package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"staychain/internal/booking"
	"staychain/internal/chain"
	"staychain/internal/config"
	"staychain/internal/currency"
	"staychain/internal/listing"
	"staychain/internal/localpay"
	"staychain/internal/metrics"
	"staychain/internal/pinning"
	"staychain/internal/registry"
	"staychain/internal/retry"
	"staychain/internal/server"
	"staychain/internal/txn"
	"staychain/internal/txstore"
	"staychain/internal/wallet"
	"staychain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// logger is not configured yet
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config error")
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	policy := retry.Policy{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Read)
	client, err := chain.Dial(dialCtx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("rpc_url", cfg.Chain.RPCURL).Msg("rpc dial failed")
	}
	defer client.Close()
	backend := chain.NewLimited(client, cfg.Chain.RPCRPS, cfg.Chain.RPCBurst, m)
	expected := uint64(cfg.Chain.ChainID)

	session := wallet.NewSession(nil, expected, logger.Component(log, "wallet"))
	if cfg.Chain.PrivateKey != "" {
		networks := map[uint64]chain.Sender{expected: backend}
		if cfg.Chain.SecondaryRPCURL != "" {
			id, sender, closeFn, err := dialSecondary(ctx, cfg, m)
			if err != nil {
				log.Warn().Err(err).Msg("secondary network unavailable, wallet stays single-network")
			} else {
				defer closeFn()
				networks[id] = sender
			}
		}
		keyed, err := wallet.NewKeyed(cfg.Chain.PrivateKey, networks, expected)
		if err != nil {
			log.Fatal().Err(err).Msg("wallet key error")
		}
		session = wallet.NewSession(keyed, expected, logger.Component(log, "wallet"))
		if _, err := session.Connect(ctx); err != nil {
			log.Fatal().Err(err).Msg("wallet connect failed")
		}
		go session.Watch(ctx)
	} else {
		log.Warn().Msg("no private key configured, serving read-only")
	}

	store, closeStore, err := txstore.Open(ctx, cfg.Store, logger.Component(log, "txstore"))
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("transaction store error")
	}
	defer closeStore()

	registryAddr := common.HexToAddress(cfg.Chain.RegistryAddress)
	currencies := currency.NewRegistry(cfg.Currencies)
	reader := registry.NewClient(backend, registryAddr, currencies, registry.Options{
		Timeout: cfg.Timeouts.Read,
		Retry:   policy,
		Metrics: m,
		Logger:  logger.Component(log, "registry"),
	})

	if cfg.Events.Enabled {
		startEventFeed(ctx, backend, registryAddr, cfg.Events, m, logger.Component(log, "events"))
	}

	orch := txn.New(backend, session, store, txn.Config{
		Registry:        registryAddr,
		SimulateTimeout: cfg.Timeouts.Simulate,
		ConfirmTimeout:  cfg.Timeouts.Confirm,
		ReceiptPoll:     cfg.Timeouts.ReceiptPoll,
		Retry:           policy,
		RecordTTL:       cfg.Store.TTL,
	}, m, logger.Component(log, "txn"))

	var uploader pinning.Uploader = pinning.NewMemoryStore(cfg.Pinning.GatewayPrefix)
	if cfg.Pinning.Enabled() {
		uploader = pinning.NewPinataClient(cfg.Pinning.Endpoint, cfg.Pinning.JWT, cfg.Pinning.GatewayPrefix,
			cfg.Pinning.Timeout, logger.Component(log, "pinning"))
	} else {
		log.Warn().Msg("pinning not configured, images are kept in memory")
	}

	health := map[string]server.HealthCheck{
		"rpc": func(ctx context.Context) error { return chain.Ping(ctx, backend) },
	}
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		health["store"] = p.Ping
	}

	apiServer := server.NewServer(cfg.Server, server.Deps{
		Properties:   reader,
		Listings:     listing.NewService(uploader, orch, logger.Component(log, "listing")),
		Transactions: orch,
		Bookings: booking.NewController(reader, orch, session, backend, registryAddr, currencies, booking.Options{
			Timeout: cfg.Timeouts.Read,
			Retry:   policy,
			Metrics: m,
			Logger:  logger.Component(log, "booking"),
		}),
		LocalPay: localpay.New(localpay.Defaults{
			Merchant: cfg.LocalPay.DefaultMerchant,
			Amount:   cfg.LocalPay.DefaultAmount,
			Currency: cfg.LocalPay.DefaultCurrency,
		}, m, logger.Component(log, "localpay")),
		Wallet:       session,
		Currencies:   currencies,
		Metrics:      m,
		HealthChecks: health,
		Logger:       logger.Component(log, "http"),
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// dialSecondary connects to the extra network the wallet may switch to.
func dialSecondary(ctx context.Context, cfg *config.AppConfig, m *metrics.Registry) (uint64, chain.Sender, func(), error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Read)
	defer cancel()
	cli, err := chain.Dial(dialCtx, cfg.Chain.SecondaryRPCURL, 0)
	if err != nil {
		return 0, nil, nil, err
	}
	id, err := cli.ChainID(dialCtx)
	if err != nil {
		cli.Close()
		return 0, nil, nil, err
	}
	return id.Uint64(), chain.NewLimited(cli, cfg.Chain.RPCRPS, cfg.Chain.RPCBurst, m), cli.Close, nil
}

// startEventFeed tails registry logs from the current head and logs them.
func startEventFeed(ctx context.Context, backend chain.Reader, addr common.Address, cfg config.EventsConfig, m *metrics.Registry, log zerolog.Logger) {
	head, err := backend.BlockNumber(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("event feed disabled: cannot read head")
		return
	}
	feed := registry.NewEventFeed(backend, addr, registry.FeedOptions{
		FromBlock:    head + 1,
		PollInterval: cfg.PollInterval,
		Buffer:       cfg.Buffer,
		Metrics:      m,
		Logger:       log,
	})
	go feed.Run(ctx)
	go func() {
		for ev := range feed.Events() {
			log.Info().
				Str("kind", string(ev.Kind)).
				Uint64("property_id", ev.PropertyID).
				Str("tx_hash", ev.TxHash.Hex()).
				Uint64("block", ev.BlockNumber).
				Msg("registry event")
		}
	}()
}
