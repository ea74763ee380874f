package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go-tweetescrow/api"
	"go-tweetescrow/config"
	"go-tweetescrow/escrow"
	"go-tweetescrow/ledger"
	"go-tweetescrow/logging"
	"go-tweetescrow/queue"
	"go-tweetescrow/store"
	"go-tweetescrow/verification"
	"go-tweetescrow/worker"

	"github.com/ethereum/go-ethereum/common"
)

func main() {
	conf, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %+v", err)
	}

	logger := logging.Setup("tweetescrow", conf.Env)

	ctx, cancel := context.WithCancel(context.Background())

	var db store.Store
	if conf.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, conf.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize Postgres: %v", err)
		}
		db = pg
	} else {
		log.Printf("No DATABASE_URL set, keeping state in memory")
		db = store.NewMemory()
	}
	defer db.Close()

	var assets ledger.AssetLedger
	switch conf.Ledger.Backend {
	case config.LedgerERC20:
		erc20, err := ledger.DialERC20(ctx, conf.Ledger.RPCURL, conf.Ledger.CustodyKey, conf.Ledger.ChainID)
		if err != nil {
			log.Fatalf("Failed to connect to the asset ledger: %v", err)
		}
		defer erc20.Close()
		assets = erc20
	default:
		mem := ledger.NewMemory(common.HexToAddress(conf.Ledger.CustodyAddress))
		seeds, err := conf.LedgerSeeds()
		if err != nil {
			log.Fatalf("Invalid ledger seed: %v", err)
		}
		for _, seed := range seeds {
			mem.Fund(seed.Token, seed.Holder, seed.Amount)
			log.Printf("Funded %s with %s of %s", seed.Holder.Hex(), seed.Amount.Dec(), seed.Token.Hex())
		}
		if len(seeds) == 0 {
			log.Printf("Warning: memory ledger has no funded accounts, set TWEETESCROW_LEDGER_SEED to create tasks")
		}
		assets = mem
	}

	var bridge *verification.Bridge
	emitter := escrow.EmitterFunc(func(e escrow.Event) {
		logger.Info("escrow event", slog.String("type", string(e.Type)), slog.Int64("task", e.Task.ID))
		if bridge != nil {
			bridge.Listener(conf.Escrow.AutoVerify).Emit(e)
		}
	})

	engine := escrow.NewEngine(db, assets, conf.Owner(),
		escrow.WithFeeBps(conf.Escrow.FeeBps),
		escrow.WithRefundAfter(conf.Escrow.RefundAfter),
		escrow.WithEmitter(emitter),
	)
	if err := engine.SeedTokens(ctx, conf.Tokens()); err != nil {
		log.Fatalf("Failed to seed token allowlist: %v", err)
	}
	for _, token := range conf.Tokens() {
		if _, err := engine.Reconcile(ctx, token); err != nil {
			log.Printf("Warning: custody reconciliation for %s skipped: %v", token.Hex(), err)
		}
	}

	var wg sync.WaitGroup
	opts := api.Options{
		OracleSecret:   conf.OracleSecret,
		MaxSkew:        conf.Auth.MaxSkew,
		TrustedFulfill: conf.Escrow.TrustedFulfill,
	}

	if conf.RedisAddr != "" {
		rq, err := queue.NewRedis(ctx, conf.RedisAddr)
		if err != nil {
			log.Fatalf("Failed to initialize Redis: %v", err)
		}
		defer rq.Close()

		bridge = verification.NewBridge(engine, db, rq)
		opts.Canceler = rq
		opts.Nonces = rq
		worker.NewPool(rq, bridge).Start(ctx, conf.WorkerCount, &wg)
	} else {
		log.Printf("No REDIS_ADDR set, verification requests are only logged")
		bridge = verification.NewBridge(engine, db, verification.LogOracle{})
	}

	server := api.NewServer(conf.ServerAddr, engine, bridge, opts)

	go func() {
		log.Printf("Starting server on %s", conf.ServerAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	wg.Wait()
	log.Println("All workers stopped")
}
