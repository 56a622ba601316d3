// Package broker assembles the arbiter and everything it depends on from
// command-line flags. concent-api and concent-worker share it so both
// processes see the same store, storage cluster, ledger and settings.
package broker

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/concent-network/concent/internal/arbiter"
	"github.com/concent-network/concent/internal/keys"
	"github.com/concent-network/concent/internal/leases"
	leasespg "github.com/concent-network/concent/internal/leases/postgres"
	"github.com/concent-network/concent/internal/ledger"
	"github.com/concent-network/concent/internal/ledger/chain"
	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/queue"
	"github.com/concent-network/concent/internal/relayclient"
	"github.com/concent-network/concent/internal/secrets"
	"github.com/concent-network/concent/internal/settings"
	"github.com/concent-network/concent/internal/storage"
	"github.com/concent-network/concent/internal/store"
	storepg "github.com/concent-network/concent/internal/store/postgres"
	"github.com/concent-network/concent/internal/verification"
)

var ErrInvalidConfig = errors.New("broker: invalid config")

const (
	LedgerMemory = "memory"
	LedgerChain  = "chain"
)

// Flags are the settings shared by every process that runs the arbiter.
type Flags struct {
	PostgresDSN  string
	SettingsPath string

	KeySource     string
	ConcentKeyRef string

	StorageDriver string
	StorageBucket string
	StoragePrefix string

	QueueDriver  string
	QueueBrokers string
	OrdersTopic  string

	LedgerDriver            string
	RPCURL                  string
	ChainID                 uint64
	DepositContract         string
	PaymentAccount          string
	FromBlock               uint64
	MiddleManAddr           string
	MiddleManPublicKey      string
	SigningServicePublicKey string
	SigningTimeout          time.Duration

	// SettleClaimTTL bounds one settlement payment; a failed one is retried
	// after it lapses.
	SettleClaimTTL time.Duration

	// SoftShutdownFile turns soft shutdown on while the file exists.
	SoftShutdownFile string
}

func (f *Flags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.PostgresDSN, "postgres-dsn", "", "Postgres DSN; empty keeps all state in memory (development only: every transaction copies the whole dataset)")
	fs.StringVar(&f.SettingsPath, "settings", "", "YAML protocol settings file; empty uses defaults")

	fs.StringVar(&f.KeySource, "key-source", secrets.SourceFile, "where private keys come from: file|env|aws")
	fs.StringVar(&f.ConcentKeyRef, "concent-key", "", "Concent private key reference: path, env var or secret id (required)")

	fs.StringVar(&f.StorageDriver, "storage-driver", storage.DriverS3, "storage cluster driver: s3|memory")
	fs.StringVar(&f.StorageBucket, "storage-bucket", "", "S3 bucket holding result and source packages")
	fs.StringVar(&f.StoragePrefix, "storage-prefix", "", "key prefix inside the storage bucket")

	fs.StringVar(&f.QueueDriver, "queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	fs.StringVar(&f.QueueBrokers, "queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	fs.StringVar(&f.OrdersTopic, "verification-orders-topic", verification.TopicOrders, "topic verification orders are published to")

	fs.StringVar(&f.LedgerDriver, "ledger", LedgerChain, "deposit ledger: chain|memory")
	fs.StringVar(&f.RPCURL, "rpc-url", "", "Ethereum RPC URL (chain ledger)")
	fs.Uint64Var(&f.ChainID, "chain-id", 0, "Ethereum chain id (chain ledger)")
	fs.StringVar(&f.DepositContract, "deposit-contract", "", "deposit contract address (chain ledger)")
	fs.StringVar(&f.PaymentAccount, "payment-account", "", "account the signing service signs payments for (chain ledger)")
	fs.Uint64Var(&f.FromBlock, "from-block", 0, "first block scanned for payment logs")
	fs.StringVar(&f.MiddleManAddr, "middleman-addr", "", "MiddleMan control-plane address (chain ledger)")
	fs.StringVar(&f.MiddleManPublicKey, "middleman-public-key", "", "MiddleMan public key hex (chain ledger)")
	fs.StringVar(&f.SigningServicePublicKey, "signing-service-public-key", "", "signing service public key hex (chain ledger)")
	fs.DurationVar(&f.SigningTimeout, "signing-timeout", 30*time.Second, "timeout for one remote signing round trip")
	fs.DurationVar(&f.SettleClaimTTL, "settle-claim-ttl", 2*time.Minute, "how long one settlement payment may take before another worker may retry it")

	fs.StringVar(&f.SoftShutdownFile, "soft-shutdown-file", "", "refuse new disputes while this file exists")
}

// Validate checks flag combinations that need no I/O.
func (f *Flags) Validate() error {
	if strings.TrimSpace(f.ConcentKeyRef) == "" {
		return fmt.Errorf("%w: --concent-key is required", ErrInvalidConfig)
	}
	if f.StorageDriver == storage.DriverS3 && strings.TrimSpace(f.StorageBucket) == "" {
		return fmt.Errorf("%w: --storage-bucket is required for the s3 driver", ErrInvalidConfig)
	}
	if f.QueueDriver == queue.DriverKafka && len(queue.SplitCommaList(f.QueueBrokers)) == 0 {
		return fmt.Errorf("%w: --queue-brokers is required for kafka", ErrInvalidConfig)
	}
	if f.SettleClaimTTL < 0 {
		return fmt.Errorf("%w: --settle-claim-ttl must be >= 0", ErrInvalidConfig)
	}
	switch f.LedgerDriver {
	case LedgerMemory:
	case LedgerChain:
		if f.RPCURL == "" || f.ChainID == 0 || f.MiddleManAddr == "" {
			return fmt.Errorf("%w: --rpc-url, --chain-id and --middleman-addr are required for the chain ledger", ErrInvalidConfig)
		}
		if !common.IsHexAddress(f.DepositContract) || !common.IsHexAddress(f.PaymentAccount) {
			return fmt.Errorf("%w: --deposit-contract and --payment-account must be hex addresses", ErrInvalidConfig)
		}
		if _, err := message.ParsePublicKeyHex(f.MiddleManPublicKey); err != nil {
			return fmt.Errorf("%w: --middleman-public-key: %v", ErrInvalidConfig, err)
		}
		if _, err := message.ParsePublicKeyHex(f.SigningServicePublicKey); err != nil {
			return fmt.Errorf("%w: --signing-service-public-key: %v", ErrInvalidConfig, err)
		}
		if f.SigningTimeout <= 0 {
			return fmt.Errorf("%w: --signing-timeout must be > 0", ErrInvalidConfig)
		}
		if f.SettleClaimTTL > 0 && f.SettleClaimTTL <= f.SigningTimeout {
			return fmt.Errorf("%w: --settle-claim-ttl %s must exceed --signing-timeout %s", ErrInvalidConfig, f.SettleClaimTTL, f.SigningTimeout)
		}
	default:
		return fmt.Errorf("%w: unknown ledger %q", ErrInvalidConfig, f.LedgerDriver)
	}
	return nil
}

// Broker is an assembled arbiter plus the resources backing it.
type Broker struct {
	Arbiter  *arbiter.Arbiter
	Store    store.Store
	Leases   leases.Store
	Cluster  storage.Cluster
	Settings settings.Settings

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (b *Broker) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func (b *Broker) onClose(fn func()) { b.closers = append(b.closers, fn) }

// Open builds the broker described by f. On error everything already opened
// is released.
func Open(ctx context.Context, f Flags, log *slog.Logger) (_ *Broker, err error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if b.Settings, err = settings.Load(f.SettingsPath); err != nil {
		return nil, err
	}

	provider, err := secrets.Open(ctx, f.KeySource)
	if err != nil {
		return nil, err
	}
	concentKey, err := keys.Load(ctx, provider, f.ConcentKeyRef)
	if err != nil {
		return nil, fmt.Errorf("load concent key: %w", err)
	}

	if err := b.openStore(ctx, f); err != nil {
		return nil, err
	}
	if err := b.openCluster(ctx, f); err != nil {
		return nil, err
	}

	tokens, err := storage.NewTokenIssuer(concentKey, b.Settings.StorageClusterAddress)
	if err != nil {
		return nil, err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  f.QueueDriver,
		Brokers: queue.SplitCommaList(f.QueueBrokers),
		Writer:  os.Stdout,
	})
	if err != nil {
		return nil, fmt.Errorf("init queue producer: %w", err)
	}
	b.onClose(func() { _ = producer.Close() })
	dispatcher, err := verification.NewDispatcher(producer, f.OrdersTopic, log)
	if err != nil {
		return nil, err
	}

	l, err := b.openLedger(ctx, f, concentKey, log)
	if err != nil {
		return nil, err
	}

	b.Arbiter, err = arbiter.New(arbiter.Config{
		Settings:       b.Settings,
		ConcentKey:     concentKey,
		SoftShutdown:   SoftShutdownFile(f.SoftShutdownFile),
		Leases:         b.Leases,
		SettleClaimTTL: f.SettleClaimTTL,
	}, b.Store, l, tokens, dispatcher, log)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) openStore(ctx context.Context, f Flags) error {
	if f.PostgresDSN == "" {
		b.Store = store.NewMemoryStore(nil)
		b.Leases = leases.NewMemoryStore(nil)
		return nil
	}
	pool, err := pgxpool.New(ctx, f.PostgresDSN)
	if err != nil {
		return fmt.Errorf("init pgx pool: %w", err)
	}
	b.onClose(pool.Close)

	st, err := storepg.New(pool)
	if err != nil {
		return err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure store schema: %w", err)
	}
	ls, err := leasespg.New(pool)
	if err != nil {
		return err
	}
	if err := ls.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure lease schema: %w", err)
	}
	b.Store, b.Leases = st, ls
	return nil
}

func (b *Broker) openCluster(ctx context.Context, f Flags) error {
	cfg := storage.Config{
		Driver: f.StorageDriver,
		Prefix: f.StoragePrefix,
		Bucket: f.StorageBucket,
	}
	if f.StorageDriver == storage.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	cluster, err := storage.New(cfg)
	if err != nil {
		return err
	}
	b.Cluster = cluster
	return nil
}

func (b *Broker) openLedger(ctx context.Context, f Flags, concentKey *ecdsa.PrivateKey, log *slog.Logger) (ledger.Ledger, error) {
	if f.LedgerDriver == LedgerMemory {
		log.Warn("using in-memory deposit ledger")
		return ledger.NewMemoryLedger(), nil
	}
	mmPub, err := message.ParsePublicKeyHex(f.MiddleManPublicKey)
	if err != nil {
		return nil, err
	}
	ssPub, err := message.ParsePublicKeyHex(f.SigningServicePublicKey)
	if err != nil {
		return nil, err
	}

	client, err := ethclient.DialContext(ctx, f.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	b.onClose(client.Close)

	signer, err := relayclient.New(relayclient.Config{
		Addr:                    f.MiddleManAddr,
		Key:                     concentKey,
		MiddleManPublicKey:      mmPub,
		SigningServicePublicKey: ssPub,
		RequestTimeout:          f.SigningTimeout,
	}, log)
	if err != nil {
		return nil, err
	}
	b.onClose(func() { _ = signer.Close() })

	l, err := chain.New(client, signer, chain.Config{
		Contract:  common.HexToAddress(f.DepositContract),
		From:      common.HexToAddress(f.PaymentAccount),
		ChainID:   new(big.Int).SetUint64(f.ChainID),
		FromBlock: f.FromBlock,
	}, log)
	if err != nil {
		return nil, err
	}
	log.Info("using chain deposit ledger", "contract", f.DepositContract, "payment_account", f.PaymentAccount, "middleman", f.MiddleManAddr)
	return l, nil
}

// SoftShutdownFile reports soft shutdown while path exists. An empty path
// never reports it.
func SoftShutdownFile(path string) func() bool {
	if path == "" {
		return func() bool { return false }
	}
	return func() bool {
		_, err := os.Stat(path)
		return err == nil
	}
}
