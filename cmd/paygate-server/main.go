package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/satoshigate/paygate/internal/descriptor"
	"github.com/satoshigate/paygate/internal/events"
	"github.com/satoshigate/paygate/internal/gateway"
	"github.com/satoshigate/paygate/internal/httpapi"
	"github.com/satoshigate/paygate/internal/intent"
	"github.com/satoshigate/paygate/internal/nodeclient"
	"github.com/satoshigate/paygate/internal/reconciler"
	"github.com/satoshigate/paygate/internal/scheduler"
	"github.com/satoshigate/paygate/internal/scheduler/leases"
	"github.com/satoshigate/paygate/internal/secrets"
	"github.com/satoshigate/paygate/internal/storage"
	"github.com/satoshigate/paygate/internal/storage/postgres"
	"github.com/satoshigate/paygate/internal/zmqsub"
)

func main() {
	var (
		descriptorStr = flag.String("descriptor", "", "watch-only output descriptor, e.g. wpkh(xpub.../0/*) (required)")
		network       = flag.String("network", "mainnet", "bitcoin network: mainnet|testnet|regtest|signet")

		secretDriver = flag.String("secret-driver", "env", "HMAC secret provider: env|aws")
		secretKey    = flag.String("secret-key", "PAYGATE_SECRET", "env var name or AWS secret id holding the HMAC secret (required)")

		baseURL  = flag.String("base-url", "", "external base URL used to build magic-link URLs (required)")
		basePath = flag.String("base-path", "/api/pay", "HTTP surface mount point")
		httpAddr = flag.String("http-addr", ":8080", "HTTP listen address")

		storeDriver = flag.String("store-driver", "memory", "storage driver: memory|postgres")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required when --store-driver=postgres)")

		confirmations       = flag.Int("confirmations", 1, "default requiredConfs for new intents")
		matchMode           = flag.String("match-mode", string(intent.MatchFirstOutputMeets), "amount match mode: firstOutputMeets|sumOfOutputsMeets")
		tokenReuse          = flag.String("token-reuse", string(gateway.TokenReuseUntilExpiry), "magic-link reuse policy: untilExpiry|singleUse")
		gapLimit            = flag.Int("gap-limit", 20, "unassigned-address pool size maintained ahead of demand")
		magicLinkTTL        = flag.Duration("magic-link-ttl", 24*time.Hour, "default magic-link token lifetime")
		intentExpiryMinutes = flag.Int("intent-expiry-minutes", 60, "default minutes before an unpaid intent expires")

		rpcHost       = flag.String("rpc-host", "", "bitcoind JSON-RPC host:port (enables push+pull watcher path)")
		rpcUser       = flag.String("rpc-user", "", "bitcoind JSON-RPC username")
		rpcPassEnv    = flag.String("rpc-pass-env", "PAYGATE_RPC_PASS", "env var holding the bitcoind JSON-RPC password")
		rpcDisableTLS = flag.Bool("rpc-disable-tls", true, "disable TLS for the JSON-RPC connection (regtest/local default)")

		zmqHost          = flag.String("zmq-host", "", "bitcoind ZMQ host (enables push-path notifications)")
		zmqHashTxPort    = flag.Int("zmq-hashtx-port", 0, "bitcoind zmqpubhashtx port")
		zmqHashBlockPort = flag.Int("zmq-hashblock-port", 0, "bitcoind zmqpubhashblock port")

		indexerURL = flag.String("indexer-url", "", "Esplora-style indexer base URL (alternate pull-only backend when rpc-host is unset)")

		pendingPollInterval = flag.String("poll-interval", "*/5 * * * *", "cron expression governing the pending-payment pull loop")
		expirySweepInterval = flag.Duration("expiry-sweep-interval", time.Minute, "interval between expiry sweeps")
		fanOutConcurrency   = flag.Int("fanout-concurrency", 8, "max concurrent per-intent reconciliations per poll tick")

		leaseOwner = flag.String("lease-owner", "", "unique worker identity for scheduler leader election (default: hostname-pid)")
		leaseTTL   = flag.Duration("lease-ttl", 30*time.Second, "scheduler leader lease ttl")

		kafkaBrokers = flag.String("kafka-brokers", "", "comma-separated Kafka brokers for the optional event sink")
		kafkaTopic   = flag.String("kafka-topic", "paygate.intents.v1", "Kafka topic for dispatched intent events")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*descriptorStr) == "" {
		fmt.Fprintln(os.Stderr, "error: --descriptor is required")
		os.Exit(2)
	}
	if strings.TrimSpace(*baseURL) == "" {
		fmt.Fprintln(os.Stderr, "error: --base-url is required")
		os.Exit(2)
	}
	if *confirmations < 1 {
		fmt.Fprintln(os.Stderr, "error: --confirmations must be >= 1")
		os.Exit(2)
	}
	if *gapLimit <= 0 || *intentExpiryMinutes <= 0 || *fanOutConcurrency <= 0 {
		fmt.Fprintln(os.Stderr, "error: --gap-limit, --intent-expiry-minutes, and --fanout-concurrency must be > 0")
		os.Exit(2)
	}
	if *magicLinkTTL <= 0 || *expirySweepInterval <= 0 || *leaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --magic-link-ttl, --expiry-sweep-interval, and --lease-ttl must be > 0")
		os.Exit(2)
	}
	if strings.TrimSpace(*rpcHost) == "" && strings.TrimSpace(*indexerURL) == "" {
		fmt.Fprintln(os.Stderr, "error: one of --rpc-host or --indexer-url is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var secretProvider secrets.Provider
	switch strings.ToLower(strings.TrimSpace(*secretDriver)) {
	case "env":
		secretProvider = secrets.NewEnv()
	case "aws":
		awsProvider, err := secrets.NewAWS(ctx)
		if err != nil {
			log.Error("init aws secret provider", "err", err)
			os.Exit(2)
		}
		secretProvider = awsProvider
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --secret-driver %q\n", *secretDriver)
		os.Exit(2)
	}
	secretValue, err := secretProvider.Get(ctx, *secretKey)
	if err != nil {
		log.Error("load hmac secret", "err", err)
		os.Exit(2)
	}

	descEngine, err := descriptor.New(*descriptorStr, *network)
	if err != nil {
		log.Error("init descriptor engine", "err", err)
		os.Exit(2)
	}

	var (
		pool  *pgxpool.Pool
		store storage.Store
	)
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		if strings.TrimSpace(*postgresDSN) == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required when --store-driver=postgres")
			os.Exit(2)
		}
		pool, err = pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := postgres.New(pool)
		if err != nil {
			log.Error("init postgres store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	case "memory":
		store = storage.NewMemoryStore(time.Now)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	var (
		rpcClient *nodeclient.RPCClient
		idxClient *nodeclient.IndexerClient
	)
	if strings.TrimSpace(*rpcHost) != "" {
		rpcPass := os.Getenv(*rpcPassEnv)
		rpcClient, err = nodeclient.NewRPCClient(nodeclient.RPCConfig{
			Host:       *rpcHost,
			User:       *rpcUser,
			Pass:       rpcPass,
			DisableTLS: *rpcDisableTLS,
		})
		if err != nil {
			log.Error("init rpc client", "err", err)
			os.Exit(2)
		}
		defer rpcClient.Shutdown()
	}
	if strings.TrimSpace(*indexerURL) != "" {
		idxClient, err = nodeclient.NewIndexerClient(*indexerURL)
		if err != nil {
			log.Error("init indexer client", "err", err)
			os.Exit(2)
		}
	}

	watch := reconciler.NewWatchList()

	var fetcher reconciler.TxFetcher
	if rpcClient != nil {
		fetcher = rpcClient
	} else {
		fetcher = indexerTxFetcher{idx: idxClient}
	}

	reconcilerCfg := reconciler.Config{
		Store:     store,
		Fetcher:   fetcher,
		Watch:     watch,
		MatchMode: intent.MatchMode(*matchMode),
		Now:       time.Now,
		Log:       log,
	}

	var dispatcher *events.Dispatcher
	var kafkaSink *events.KafkaSink
	if strings.TrimSpace(*kafkaBrokers) != "" {
		kafkaSink, err = events.NewKafkaSink(events.KafkaSinkConfig{
			Brokers: splitCommaList(*kafkaBrokers),
			Topic:   *kafkaTopic,
		})
		if err != nil {
			log.Error("init kafka event sink", "err", err)
			os.Exit(2)
		}
		defer func() { _ = kafkaSink.Close() }()
	}
	var sink events.Sink
	if kafkaSink != nil {
		sink = kafkaSink
	}
	dispatcher, err = events.New(log, sink)
	if err != nil {
		log.Error("init event dispatcher", "err", err)
		os.Exit(2)
	}
	reconcilerCfg.Notify = dispatcher.Dispatch

	recon, err := reconciler.New(reconcilerCfg)
	if err != nil {
		log.Error("init reconciler", "err", err)
		os.Exit(2)
	}

	gw, err := gateway.New(gateway.Config{
		Secret:               []byte(secretValue),
		GapLimit:             *gapLimit,
		MagicLinkTTL:         *magicLinkTTL,
		IntentExpiryMinutes:  *intentExpiryMinutes,
		DefaultConfirmations: *confirmations,
		MatchMode:            intent.MatchMode(*matchMode),
		TokenReuse:           gateway.TokenReuse(*tokenReuse),
		Now:                  time.Now,
		Log:                  log,
	}, *baseURL, store, descEngine, watch, dispatcher, scanTrigger{recon: recon, poller: buildAddressPoller(rpcClient, idxClient)})
	if err != nil {
		log.Error("init gateway", "err", err)
		os.Exit(2)
	}
	if err := gw.LoadWatchedAddresses(ctx); err != nil {
		log.Error("load watched addresses", "err", err)
		os.Exit(2)
	}

	leaseName := "paygate-scheduler"
	owner := strings.TrimSpace(*leaseOwner)
	if owner == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			host = "paygate-server"
		}
		owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	elector, err := scheduler.NewLeaderElector(leases.NewMemoryStore(time.Now), leaseName, owner, *leaseTTL)
	if err != nil {
		log.Error("init leader elector", "err", err)
		os.Exit(2)
	}

	pollInterval, err := scheduler.ResolveInterval(*pendingPollInterval, time.Now())
	if err != nil {
		log.Error("resolve poll interval", "err", err)
		os.Exit(2)
	}

	sched, err := scheduler.New(scheduler.Config{
		Store:               store,
		Reconciler:          recon,
		AddressPoll:         buildAddressPoller(rpcClient, idxClient),
		NotifyExpired:       dispatcher.Dispatch,
		PendingPollInterval: pollInterval,
		ExpirySweepInterval: *expirySweepInterval,
		FanOutConcurrency:   *fanOutConcurrency,
		Elector:             elector,
		Now:                 time.Now,
		Log:                 log,
	})
	if err != nil {
		log.Error("init scheduler", "err", err)
		os.Exit(2)
	}
	sched.Start(ctx)
	defer sched.Stop()

	var zmqSubscriber *zmqsub.Subscriber
	if strings.TrimSpace(*zmqHost) != "" && (*zmqHashTxPort != 0 || *zmqHashBlockPort != 0) {
		endpoints := zmqsub.Endpoints{}
		if *zmqHashTxPort != 0 {
			endpoints[zmqsub.TopicHashTx] = fmt.Sprintf("tcp://%s:%d", *zmqHost, *zmqHashTxPort)
		}
		if *zmqHashBlockPort != 0 {
			endpoints[zmqsub.TopicHashBlock] = fmt.Sprintf("tcp://%s:%d", *zmqHost, *zmqHashBlockPort)
		}
		handler := func(hctx context.Context, f zmqsub.Frame) {
			if f.Topic != zmqsub.TopicHashTx {
				return
			}
			if err := recon.ReconcileTx(hctx, f.HashHex); err != nil {
				log.Warn("reconcile zmq-notified tx", "txid", f.HashHex, "err", err)
			}
		}
		zmqSubscriber, err = zmqsub.New(endpoints, handler, log)
		if err != nil {
			log.Error("init zmq subscriber", "err", err)
			os.Exit(2)
		}
		if err := zmqSubscriber.Start(ctx); err != nil {
			log.Error("start zmq subscriber", "err", err)
			os.Exit(2)
		}
		defer zmqSubscriber.Stop()
	}

	handler, err := httpapi.NewHandler(httpapi.Config{
		BasePath: *basePath,
		Gateway:  gw,
		Intents:  store,
		Now:      time.Now,
	})
	if err != nil {
		log.Error("init http handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("paygate-server started",
		"httpAddr", *httpAddr,
		"basePath", *basePath,
		"network", *network,
		"storeDriver", strings.ToLower(strings.TrimSpace(*storeDriver)),
		"watcher", watcherModeLabel(rpcClient, idxClient),
		"zmqActive", zmqSubscriber != nil,
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown", "err", err)
		}
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server exited", "err", err)
		}
	}
}

// indexerTxFetcher adapts IndexerClient to reconciler.TxFetcher when no
// full-node RPC connection is configured.
type indexerTxFetcher struct {
	idx *nodeclient.IndexerClient
}

func (f indexerTxFetcher) GetRawTransactionVerbose(txidHex string) (nodeclient.VerboseTx, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	detail, err := f.idx.Tx(ctx, txidHex)
	if err != nil {
		return nodeclient.VerboseTx{}, err
	}
	tip, err := f.idx.TipHeight(ctx)
	if err != nil {
		return nodeclient.VerboseTx{}, err
	}

	vout := make([]btcjson.Vout, 0, len(detail.Vout))
	for n, v := range detail.Vout {
		vout = append(vout, btcjson.Vout{
			Value: float64(v.ValueSats) / 1e8,
			N:     uint32(n),
			ScriptPubKey: btcjson.ScriptPubKeyResult{
				Hex:     v.ScriptPubKey,
				Address: v.ScriptPubKeyAddress,
			},
		})
	}
	return nodeclient.VerboseTx{
		Txid:          detail.Txid,
		Confirmations: detail.Confirmations(tip),
		Vout:          vout,
	}, nil
}

// scanTrigger adapts the reconciler and an address poller into
// gateway.ScanTrigger for the manual POST /scan/:id route.
type scanTrigger struct {
	recon  *reconciler.Reconciler
	poller scheduler.AddressPoller
}

func (s scanTrigger) ScanIntent(ctx context.Context, in storage.Intent, addr storage.DepositAddress) error {
	if s.poller == nil {
		return fmt.Errorf("scan trigger: no address poller configured")
	}
	txids, err := s.poller(ctx, addr.Address)
	if err != nil {
		return err
	}
	for _, txid := range txids {
		if err := s.recon.ReconcileTx(ctx, txid); err != nil {
			return err
		}
	}
	return nil
}

func buildAddressPoller(rpc *nodeclient.RPCClient, idx *nodeclient.IndexerClient) scheduler.AddressPoller {
	if rpc != nil {
		return func(_ context.Context, address string) ([]string, error) {
			utxos, err := rpc.ListUnspent([]string{address})
			if err != nil {
				return nil, err
			}
			txids := make([]string, 0, len(utxos))
			for _, u := range utxos {
				txids = append(txids, u.TxID)
			}
			return txids, nil
		}
	}
	if idx != nil {
		return func(ctx context.Context, address string) ([]string, error) {
			txs, err := idx.AddressTxs(ctx, address)
			if err != nil {
				return nil, err
			}
			txids := make([]string, 0, len(txs))
			for _, tx := range txs {
				txids = append(txids, tx.Txid)
			}
			return txids, nil
		}
	}
	return nil
}

func watcherModeLabel(rpc *nodeclient.RPCClient, idx *nodeclient.IndexerClient) string {
	switch {
	case rpc != nil:
		return "rpc"
	case idx != nil:
		return "indexer"
	default:
		return "none"
	}
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
