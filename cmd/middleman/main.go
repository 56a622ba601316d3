package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/concent-network/concent/internal/keys"
	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/middleman"
	"github.com/concent-network/concent/internal/secrets"
)

func main() {
	var (
		internalAddr = flag.String("internal-listen", "127.0.0.1:9054", "listen address for Concent control-plane connections")
		externalAddr = flag.String("external-listen", "0.0.0.0:9055", "listen address for the signing service")
		metricsAddr  = flag.String("metrics-listen", "127.0.0.1:9090", "listen address for /metrics; empty disables it")
		logJSON      = flag.Bool("log-json", false, "log JSON instead of text")

		keySource = flag.String("key-source", secrets.SourceFile, "where the relay key comes from: file|env|aws")
		keyRef    = flag.String("key", "", "relay private key reference: path, env var or secret id (required)")

		concentPub = flag.String("concent-public-key", "", "Concent public key hex (required)")
		signingPub = flag.String("signing-service-public-key", "", "signing service public key hex (required)")

		heartbeat        = flag.Duration("heartbeat-interval", 10*time.Second, "heartbeat interval on the signing service link")
		handshakeTimeout = flag.Duration("handshake-timeout", 5*time.Second, "time the signing service has to answer the challenge")
		requestQueue     = flag.Int("request-queue-size", 256, "requests buffered before reading from clients pauses")
		responseQueue    = flag.Int("response-queue-size", 64, "responses buffered per client connection")
	)
	flag.Parse()

	log := newLogger(*logJSON)

	if *internalAddr == "" || *externalAddr == "" || *keyRef == "" {
		fmt.Fprintln(os.Stderr, "error: --internal-listen, --external-listen and --key are required")
		os.Exit(2)
	}
	concentKey, err := message.ParsePublicKeyHex(*concentPub)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: --concent-public-key:", err)
		os.Exit(2)
	}
	signingKey, err := message.ParsePublicKeyHex(*signingPub)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: --signing-service-public-key:", err)
		os.Exit(2)
	}
	if *heartbeat <= 0 || *handshakeTimeout <= 0 || *requestQueue <= 0 || *responseQueue <= 0 {
		fmt.Fprintln(os.Stderr, "error: intervals, timeouts and queue sizes must be > 0")
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
		log.Error("load relay key", "err", err)
		os.Exit(2)
	}

	srv, err := middleman.New(middleman.Config{
		Key:                     key,
		ConcentPublicKey:        concentKey,
		SigningServicePublicKey: signingKey,
		HeartbeatInterval:       *heartbeat,
		HandshakeTimeout:        *handshakeTimeout,
		RequestQueueSize:        *requestQueue,
		ResponseQueueSize:       *responseQueue,
	}, log)
	if err != nil {
		log.Error("init middleman", "err", err)
		os.Exit(2)
	}

	var lc net.ListenConfig
	internal, err := lc.Listen(ctx, "tcp", *internalAddr)
	if err != nil {
		log.Error("listen internal", "err", err)
		os.Exit(2)
	}
	external, err := lc.Listen(ctx, "tcp", *externalAddr)
	if err != nil {
		_ = internal.Close()
		log.Error("listen external", "err", err)
		os.Exit(2)
	}

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              *metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "err", err)
			}
		}()
	}

	log.Info("middleman listening",
		"internal", internal.Addr().String(),
		"external", external.Addr().String(),
		"public_key", keys.Describe(key).PublicKey.Hex(),
	)
	serveErr := srv.Serve(ctx, internal, external)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if serveErr != nil {
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
