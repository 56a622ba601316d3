package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/concent-network/concent/internal/arbiter"
	"github.com/concent-network/concent/internal/broker"
	"github.com/concent-network/concent/internal/queue"
	"github.com/concent-network/concent/internal/verification"
)

func main() {
	var bf broker.Flags
	bf.Register(flag.CommandLine)

	var (
		logJSON = flag.Bool("log-json", false, "log JSON instead of text")

		callbackTopic = flag.String("verification-callbacks-topic", verification.TopicCallbacks, "topic upload and verification callbacks arrive on")
		consumerGroup = flag.String("queue-group", "concent-worker", "queue consumer group (kafka)")
		maxInflight   = flag.Int("max-inflight", 4, "callbacks handled concurrently")
		ackTimeout    = flag.Duration("ack-timeout", 5*time.Second, "timeout for one queue acknowledgement")

		watch         = flag.Bool("watch-transfers", true, "poll the storage cluster for finished uploads")
		watchInterval = flag.Duration("watch-interval", 15*time.Second, "transfer watch interval")
		watchBatch    = flag.Int("watch-batch", 100, "subtasks checked per watch pass and state")

		sweepInterval = flag.Duration("sweep-interval", 10*time.Second, "deadline sweep interval")
		sweepLeaseTTL = flag.Duration("sweep-lease-ttl", 60*time.Second, "sweep lease TTL")
	)
	flag.Parse()

	log := newLogger(*logJSON)

	if err := bf.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if *callbackTopic == "" || *consumerGroup == "" {
		fmt.Fprintln(os.Stderr, "error: --verification-callbacks-topic and --queue-group must be non-empty")
		os.Exit(2)
	}
	if *maxInflight <= 0 || *ackTimeout <= 0 || *watchInterval <= 0 || *watchBatch <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-inflight, --ack-timeout, --watch-interval and --watch-batch must be > 0")
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

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  bf.QueueDriver,
		Brokers: queue.SplitCommaList(bf.QueueBrokers),
		Group:   *consumerGroup,
		Topics:  []string{*callbackTopic},
		Reader:  os.Stdin,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	worker, err := verification.NewWorker(verification.WorkerConfig{
		MaxInflight: *maxInflight,
		AckTimeout:  *ackTimeout,
	}, consumer, b.Arbiter, log)
	if err != nil {
		log.Error("init callback worker", "err", err)
		os.Exit(2)
	}

	owner := uuid.NewString()
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

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := worker.Run(gctx)
		if err != nil {
			log.Error("callback worker stopped", "err", err)
		}
		// A closed consumer ends the process.
		stop()
		return nil
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	if *watch {
		watcher, err := verification.NewWatcher(verification.WatcherConfig{
			Interval:  *watchInterval,
			BatchSize: *watchBatch,
		}, b.Store, b.Cluster, b.Arbiter, log)
		if err != nil {
			log.Error("init transfer watcher", "err", err)
			os.Exit(2)
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}

	log.Info("concent-worker started", "owner", owner, "topic", *callbackTopic, "group", *consumerGroup, "watch", *watch)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker error", "err", err)
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
