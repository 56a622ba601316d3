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
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/concent-network/concent/internal/api"
	"github.com/concent-network/concent/internal/arbiter"
	"github.com/concent-network/concent/internal/broker"
	"github.com/concent-network/concent/internal/storage"
)

func main() {
	var bf broker.Flags
	bf.Register(flag.CommandLine)

	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")
		logJSON    = flag.Bool("log-json", false, "log JSON instead of text")

		authMaxSkew     = flag.Duration("auth-max-skew", 5*time.Minute, "accepted clock skew of client authorization timestamps")
		maxMessageBytes = flag.Int64("max-message-bytes", 1<<20, "maximum send/receive body size")
		maxUploadBytes  = flag.Int64("max-upload-bytes", 256<<20, "maximum package upload size")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		sweep         = flag.Bool("sweep", true, "settle expired subtasks in the background")
		sweepInterval = flag.Duration("sweep-interval", 10*time.Second, "deadline sweep interval")
		sweepLeaseTTL = flag.Duration("sweep-lease-ttl", 60*time.Second, "sweep lease TTL")
		sweepOwner    = flag.String("sweep-owner", "", "sweep lease owner; defaults to hostname plus a random suffix")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 60*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 60*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 120*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := newLogger(*logJSON)

	if err := bf.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if *maxMessageBytes <= 0 || *maxUploadBytes <= 0 || *authMaxSkew <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-message-bytes, --max-upload-bytes and --auth-max-skew must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := broker.Open(ctx, bf, log)
	if err != nil {
		log.Error("init broker", "err", err)
		os.Exit(2)
	}
	defer b.Close()

	transfers, err := storage.NewService(b.Cluster, b.Arbiter.PublicKey(), time.Now)
	if err != nil {
		log.Error("init storage service", "err", err)
		os.Exit(2)
	}

	handler, err := api.NewHandler(api.Config{
		MaxMessageBytes:         *maxMessageBytes,
		MaxUploadBytes:          *maxUploadBytes,
		AuthMaxSkew:             *authMaxSkew,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	}, b.Arbiter, transfers, log)
	if err != nil {
		log.Error("init api handler", "err", err)
		os.Exit(2)
	}

	if *sweep {
		owner := *sweepOwner
		if owner == "" {
			owner = defaultOwner()
		}
		sweeper, err := arbiter.NewSweeper(arbiter.SweeperConfig{
			LeaseName: "concent-deadline-sweeper",
			Owner:     owner,
			LeaseTTL:  *sweepLeaseTTL,
			Interval:  *sweepInterval,
		}, b.Arbiter, b.Leases, log)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		go func() { _ = sweeper.Run(ctx) }()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("concent-api listening", "addr", *listenAddr, "concent_key", b.Arbiter.PublicKey().Hex(), "ledger", bf.LedgerDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newLogger(json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "concent-api"
	}
	return host + "-" + uuid.NewString()[:8]
}
