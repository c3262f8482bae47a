package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/bingo/core/pkg/game"
	"github.com/malbeclabs/bingo/core/pkg/history"
	"github.com/malbeclabs/bingo/core/pkg/metrics"
	"github.com/malbeclabs/bingo/core/pkg/mint"
	"github.com/malbeclabs/bingo/core/pkg/notify"
	"github.com/malbeclabs/bingo/core/pkg/payment"
	"github.com/malbeclabs/bingo/core/pkg/server"
	"github.com/malbeclabs/bingo/core/pkg/store"
	"github.com/malbeclabs/bingo/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "Enable pprof server")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for the HTTP API")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 15*time.Second, "Maximum time to wait for in-flight requests during graceful shutdown")

	// Store configuration
	dataDirFlag := flag.String("data-dir", "./data", "Directory for the embedded store (or set BINGO_DATA_DIR env var)")
	inMemoryFlag := flag.Bool("in-memory", false, "Run the store in memory, for local development only")

	// Slot allocator configuration
	slotCountFlag := flag.Int("slot-count", 100, "Number of mintable slots")
	backgroundCountFlag := flag.Int("background-count", 50, "Number of distinct background variants")
	reservationTTLFlag := flag.Duration("reservation-ttl", 5*time.Minute, "How long a slot reservation stays exclusive")

	// Game configuration
	entryFeeFlag := flag.Float64("entry-fee-sol", 0.05, "Default per-card entry fee in SOL")
	closeNextOpenFlag := flag.Bool("close-next-opens", false, "Whether close-next leaves the fresh game OPEN instead of CLOSED")

	// Payment verification
	solanaRPCFlag := flag.String("solana-rpc-url", "", "Solana RPC endpoint; empty disables payment verification (or set SOLANA_RPC_URL env var)")
	collectionWalletFlag := flag.String("collection-wallet", "", "Address that receives entry payments (or set COLLECTION_WALLET env var)")

	// History archive
	postgresDSNFlag := flag.String("postgres-dsn", "", "PostgreSQL DSN for the game history archive; empty disables it (or set POSTGRES_DSN env var)")

	flag.Parse()

	// Best-effort; production deployments set real env vars.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("BINGO_DATA_DIR"); env != "" {
		*dataDirFlag = env
	}
	if env := os.Getenv("SOLANA_RPC_URL"); env != "" {
		*solanaRPCFlag = env
	}
	if env := os.Getenv("COLLECTION_WALLET"); env != "" {
		*collectionWalletFlag = env
	}
	if env := os.Getenv("POSTGRES_DSN"); env != "" {
		*postgresDSNFlag = env
	}
	adminToken := os.Getenv("BINGO_ADMIN_TOKEN")

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     version,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
		log.Info("sentry initialized")
	}

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewBadger(store.BadgerConfig{
		Logger:   log,
		DataDir:  *dataDirFlag,
		InMemory: *inMemoryFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("failed to close store", "error", err)
		}
	}()

	allocator, err := mint.NewAllocator(ctx, mint.AllocatorConfig{
		Logger:          log,
		Store:           st,
		SlotCount:       *slotCountFlag,
		BackgroundCount: *backgroundCountFlag,
		ReservationTTL:  *reservationTTLFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create allocator: %w", err)
	}

	locks, err := mint.NewLocks(mint.LocksConfig{Logger: log, Store: st})
	if err != nil {
		return fmt.Errorf("failed to create locks: %w", err)
	}

	closeNextStatus := game.StatusClosed
	if *closeNextOpenFlag {
		closeNextStatus = game.StatusOpen
	}
	ledger, err := game.NewLedger(ctx, game.LedgerConfig{
		Logger:             log,
		Store:              st,
		DefaultEntryFeeSol: *entryFeeFlag,
		CloseNextStatus:    closeNextStatus,
	})
	if err != nil {
		return fmt.Errorf("failed to create game ledger: %w", err)
	}

	var verifier server.PaymentVerifier
	if *solanaRPCFlag != "" {
		v, err := payment.NewVerifier(payment.VerifierConfig{
			Logger: log,
			RPC:    payment.NewRPCClient(*solanaRPCFlag),
		})
		if err != nil {
			return fmt.Errorf("failed to create payment verifier: %w", err)
		}
		verifier = v
		log.Info("payment verification enabled", "rpc", *solanaRPCFlag)
	} else {
		log.Warn("payment verification disabled, entries are trusted")
	}

	var archive *history.Archive
	if *postgresDSNFlag != "" {
		if err := history.Migrate(log, *postgresDSNFlag); err != nil {
			return fmt.Errorf("failed to migrate history database: %w", err)
		}
		pool, err := pgxpool.New(ctx, *postgresDSNFlag)
		if err != nil {
			return fmt.Errorf("failed to create postgres pool: %w", err)
		}
		defer pool.Close()
		archive, err = history.NewArchive(history.ArchiveConfig{Logger: log, Pool: pool})
		if err != nil {
			return fmt.Errorf("failed to create history archive: %w", err)
		}
		log.Info("game history archive enabled")
	}

	notifier := notify.New(log, os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_CHANNEL"))

	srv, err := server.New(server.Config{
		Logger:           log,
		ListenAddr:       *listenAddrFlag,
		ShutdownTimeout:  *shutdownTimeoutFlag,
		VersionInfo:      server.VersionInfo{Version: version, Commit: commit, Date: date},
		Allocator:        allocator,
		Locks:            locks,
		Ledger:           ledger,
		Verifier:         verifier,
		CollectionWallet: *collectionWalletFlag,
		Archive:          archive,
		Notifier:         notifier,
		AdminToken:       adminToken,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		st.RunGC(gctx)
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
