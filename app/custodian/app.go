package custodian

import (
	"context"
	"fmt"
	"strings"

	"github.com/canopy-network/custodyx/app/custodian/types"
	"github.com/canopy-network/custodyx/pkg/chain"
	"github.com/canopy-network/custodyx/pkg/db/postgres"
	pgledger "github.com/canopy-network/custodyx/pkg/db/postgres/ledger"
	"github.com/canopy-network/custodyx/pkg/events"
	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/canopy-network/custodyx/pkg/ledger/memory"
	"github.com/canopy-network/custodyx/pkg/logging"
	"github.com/canopy-network/custodyx/pkg/metrics"
	"github.com/canopy-network/custodyx/pkg/redis"
	"github.com/canopy-network/custodyx/pkg/rpc"
	"github.com/canopy-network/custodyx/pkg/session"
	"github.com/canopy-network/custodyx/pkg/transfer"
	"github.com/canopy-network/custodyx/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func Initialize(ctx context.Context) *types.App {
	if err := utils.LoadDotEnv(); err != nil {
		panic(err)
	}

	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	backend := utils.Env("LEDGER_BACKEND", "memory")
	store, err := OpenStore(ctx, logger, backend, "custodian")
	if err != nil {
		logger.Fatal("Unable to initialize ledger store", zap.Error(err))
	}

	client, err := DialChain(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to connect to chain", zap.Error(err))
	}

	secret, err := SessionSecret(logger, backend)
	if err != nil {
		logger.Fatal("Unable to initialize sessions", zap.Error(err))
	}
	sessions, err := session.NewManager(secret, utils.EnvDuration("SESSION_TTL", session.DefaultTTL))
	if err != nil {
		logger.Fatal("Unable to initialize sessions", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Redis is optional; transfers are still processed without it
	var (
		redisClient *redis.Client
		publisher   events.Publisher = events.Nop{}
	)
	if utils.EnvBool("REDIS_ENABLED", false) {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - transfer events will not be published",
				zap.Error(err))
			redisClient = nil
		} else {
			publisher = events.NewRedisPublisher(redisClient, utils.Env("REDIS_CHANNEL", events.DefaultChannel), logger)
			logger.Info("Redis client initialized for transfer events")
		}
	} else {
		logger.Info("Redis disabled - transfer events will not be published")
	}

	engine, err := NewEngine(store, client, publisher, m, logger)
	if err != nil {
		logger.Fatal("Unable to initialize transfer engine", zap.Error(err))
	}

	return &types.App{
		Store:            store,
		Chain:            client,
		Receipts:         client,
		Engine:           engine,
		Reconciler:       transfer.NewReconciler(engine, client, utils.EnvInt("RECONCILE_WORKERS", 4), logger),
		Sessions:         sessions,
		Registry:         registry,
		Metrics:          m,
		RedisClient:      redisClient,
		Logger:           logger,
		ReconcileOnStart: utils.EnvBool("RECONCILE_ON_START", false),
	}
}

// devSessionSecret signs sessions when SESSION_SECRET is unset on the memory backend.
const devSessionSecret = "custodyx-dev-secret"

// SessionSecret returns SESSION_SECRET. It is required with a durable backend; the
// memory backend falls back to a development secret with a warning.
func SessionSecret(logger *zap.Logger, backend string) (string, error) {
	if secret := utils.Env("SESSION_SECRET", ""); secret != "" {
		return secret, nil
	}
	if b := strings.ToLower(backend); b != "memory" && b != "" {
		return "", fmt.Errorf("SESSION_SECRET is required with the %s backend", backend)
	}
	logger.Warn("SESSION_SECRET not set; using the development secret, tokens are forgeable")
	return devSessionSecret, nil
}

// OpenStore builds the ledger backend named by backend ("memory" or "postgres").
func OpenStore(ctx context.Context, logger *zap.Logger, backend, component string) (ledger.Store, error) {
	switch strings.ToLower(backend) {
	case "memory", "":
		logger.Warn("Using the in-memory ledger; balances are lost on restart")
		return memory.New(logger), nil
	case "postgres":
		return pgledger.NewWithPoolConfig(ctx, logger,
			utils.Env("LEDGER_DB", "custodyx"),
			*postgres.GetPoolConfigForComponent(component),
		)
	default:
		return nil, fmt.Errorf("unknown LEDGER_BACKEND %q", backend)
	}
}

// DialChain connects to CHAIN_RPC_URL with the service signing key.
func DialChain(ctx context.Context, logger *zap.Logger) (*chain.EthClient, error) {
	cred, err := chain.NewSigningCredential(utils.Env("SIGNER_PRIVATE_KEY", ""))
	if err != nil {
		return nil, err
	}
	transport := rpc.NewTransport(rpc.Opts{
		RPS:             utils.EnvInt("CHAIN_RPC_RPS", 20),
		Burst:           utils.EnvInt("CHAIN_RPC_BURST", 40),
		BreakerFailures: utils.EnvInt("CHAIN_RPC_BREAKER_FAILURES", 3),
		BreakerCooldown: utils.EnvDuration("CHAIN_RPC_BREAKER_COOLDOWN", 0),
	})
	return chain.Dial(ctx, utils.Env("CHAIN_RPC_URL", ""), cred, logger.With(zap.String("component", "chain")), transport)
}

// NewEngine reads the engine settings from the environment.
func NewEngine(store ledger.Store, client chain.Client, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) (*transfer.Engine, error) {
	exp := utils.EnvInt("CHAIN_VALUE_EXPONENT", int(chain.Ether.Exponent))
	if exp < ledger.MinorUnitExponent {
		return nil, fmt.Errorf("CHAIN_VALUE_EXPONENT %d is below the ledger precision %d", exp, ledger.MinorUnitExponent)
	}
	cfg := transfer.Config{
		SubmitTimeout: utils.EnvDuration("TRANSFER_SUBMIT_TIMEOUT", transfer.DefaultSubmitTimeout),
		Denomination:  chain.Denomination{Exponent: int32(exp)},
	}
	return transfer.NewEngine(cfg, store, client, publisher, m, logger.With(zap.String("component", "transfer"))), nil
}
