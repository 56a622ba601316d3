package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/concent-network/concent/internal/eth"
	"github.com/concent-network/concent/internal/keys"
	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/secrets"
	"github.com/concent-network/concent/internal/signingservice"
	"github.com/concent-network/concent/internal/signingservice/sqlite"
)

func main() {
	var (
		middlemanAddr = flag.String("middleman-addr", "", "MiddleMan signing-service address host:port (required)")
		logJSON       = flag.Bool("log-json", false, "log JSON instead of text")

		keySource     = flag.String("key-source", secrets.SourceFile, "where private keys come from: file|env|aws")
		keyRef        = flag.String("key", "", "signing service private key reference (required)")
		paymentKeyRef = flag.String("payment-key", "", "private key reference of the account transactions are signed for (required)")

		middlemanPub = flag.String("middleman-public-key", "", "MiddleMan public key hex (required)")
		concentPub   = flag.String("concent-public-key", "", "Concent public key hex (required)")

		chainID        = flag.Uint64("chain-id", 0, "Ethereum chain id (required)")
		dailyThreshold = flag.String("daily-threshold", "", "maximum value in wei signed per UTC day; empty means no cap")
		thresholdsDB   = flag.String("thresholds-db", "", "sqlite file tracking the daily total; empty keeps it in memory")

		handshakeTimeout = flag.Duration("handshake-timeout", 5*time.Second, "time allowed for the authentication handshake")
		idleTimeout      = flag.Duration("idle-timeout", 60*time.Second, "drop the link after this long without a frame; 0 disables")
		maxAttempts      = flag.Int("max-reconnect-attempts", 10, "consecutive failed connections before giving up")
		initialBackoff   = flag.Duration("initial-backoff", time.Second, "first reconnect delay")
		maxBackoff       = flag.Duration("max-backoff", time.Minute, "maximum reconnect delay")
	)
	flag.Parse()

	log := newLogger(*logJSON)

	if *middlemanAddr == "" || *keyRef == "" || *paymentKeyRef == "" || *chainID == 0 {
		fmt.Fprintln(os.Stderr, "error: --middleman-addr, --key, --payment-key and --chain-id are required")
		os.Exit(2)
	}
	mmKey, err := message.ParsePublicKeyHex(*middlemanPub)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: --middleman-public-key:", err)
		os.Exit(2)
	}
	concentKey, err := message.ParsePublicKeyHex(*concentPub)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: --concent-public-key:", err)
		os.Exit(2)
	}
	var threshold *big.Int
	if s := strings.TrimSpace(*dailyThreshold); s != "" {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || v.Sign() < 0 {
			fmt.Fprintln(os.Stderr, "error: --daily-threshold must be a non-negative integer")
			os.Exit(2)
		}
		threshold = v
	}
	if *handshakeTimeout <= 0 || *idleTimeout < 0 || *maxAttempts <= 0 || *initialBackoff <= 0 || *maxBackoff < *initialBackoff {
		fmt.Fprintln(os.Stderr, "error: invalid timeout, backoff or attempt settings")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := secrets.Open(ctx, *keySource)
	if err != nil {
		log.Error("init secrets", "err", err)
		os.Exit(2)
	}
	key, err := keys.Load(ctx, provider, *keyRef)
	if err != nil {
		log.Error("load signing service key", "err", err)
		os.Exit(2)
	}
	paymentKey, err := keys.Load(ctx, provider, *paymentKeyRef)
	if err != nil {
		log.Error("load payment key", "err", err)
		os.Exit(2)
	}

	var thresholds signingservice.ThresholdStore = signingservice.NewMemoryThresholds()
	if *thresholdsDB != "" {
		db, err := sqlite.Open(ctx, *thresholdsDB)
		if err != nil {
			log.Error("open thresholds db", "err", err)
			os.Exit(2)
		}
		defer db.Close()
		thresholds = db
	} else if threshold != nil {
		log.Warn("daily threshold kept in memory; a restart resets it")
	}

	svc, err := signingservice.New(signingservice.Config{
		Addr:               *middlemanAddr,
		Key:                key,
		MiddleManPublicKey: mmKey,
		ConcentPublicKey:   concentKey,
		Signer:             eth.NewLocalSigner(paymentKey),
		ChainID:            new(big.Int).SetUint64(*chainID),
		DailyThreshold:     threshold,
		HandshakeTimeout:   *handshakeTimeout,
		IdleTimeout:        *idleTimeout,
		MaxAttempts:        *maxAttempts,
		InitialBackoff:     *initialBackoff,
		MaxBackoff:         *maxBackoff,
	}, thresholds, log)
	if err != nil {
		log.Error("init signing service", "err", err)
		os.Exit(2)
	}

	log.Info("signing service starting",
		"middleman", *middlemanAddr,
		"public_key", keys.Describe(key).PublicKey.Hex(),
		"account", keys.Describe(paymentKey).Address.Hex(),
		"chain_id", *chainID,
	)
	if err := svc.Run(ctx); err != nil {
		if errors.Is(err, signingservice.ErrTooManyAttempts) {
			log.Error("giving up on the middleman", "err", err)
		} else {
			log.Error("signing service stopped", "err", err)
		}
		os.Exit(1)
	}
	log.Info("shutdown", "reason", ctx.Err())
}

func newLogger(json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
