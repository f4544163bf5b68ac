// Package ledgerctl is the operator command line for the custodial ledger.
package ledgerctl

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/canopy-network/custodyx/app/custodian"
	"github.com/canopy-network/custodyx/pkg/chain"
	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/canopy-network/custodyx/pkg/logging"
	"github.com/canopy-network/custodyx/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ChainClient is what reconciliation needs from the network.
type ChainClient interface {
	chain.Client
	chain.ReceiptReader
}

// Deps are the constructors commands use. Tests replace them.
type Deps struct {
	OpenStore func(ctx context.Context, logger *zap.Logger, backend string) (ledger.Store, error)
	DialChain func(ctx context.Context, logger *zap.Logger) (ChainClient, error)
}

// DefaultDeps opens the configured backend and dials CHAIN_RPC_URL.
func DefaultDeps() Deps {
	return Deps{
		OpenStore: func(ctx context.Context, logger *zap.Logger, backend string) (ledger.Store, error) {
			return custodian.OpenStore(ctx, logger, backend, "ledgerctl")
		},
		DialChain: func(ctx context.Context, logger *zap.Logger) (ChainClient, error) {
			return custodian.DialChain(ctx, logger)
		},
	}
}

// flagEnv maps each persistent flag to the environment key the components read.
var flagEnv = map[string]string{
	"backend":        "LEDGER_BACKEND",
	"postgres-url":   "POSTGRES_URL",
	"db":             "LEDGER_DB",
	"rpc-url":        "CHAIN_RPC_URL",
	"value-exponent": "CHAIN_VALUE_EXPONENT",
	"workers":        "RECONCILE_WORKERS",
	"log-level":      "LOG_LEVEL",
}

type cli struct {
	deps   Deps
	v      *viper.Viper
	logger *zap.Logger
}

// NewRootCmd builds the command tree. Flags override environment variables, which
// override .env.
func NewRootCmd(deps Deps) *cobra.Command {
	c := &cli{deps: deps, v: viper.New(), logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the custodial ledger (schema, reconciliation, accounts)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) { _ = c.logger.Sync() },
	}

	pf := root.PersistentFlags()
	pf.String("backend", "memory", "ledger backend: memory or postgres")
	pf.String("postgres-url", "", "PostgreSQL connection URL")
	pf.String("db", "custodyx", "ledger database name")
	pf.String("rpc-url", "", "chain JSON-RPC endpoint")
	pf.Int("value-exponent", int(chain.Ether.Exponent), "native units per ledger unit, as a power of ten")
	pf.Int("workers", 4, "reconciliation workers")
	pf.String("log-level", "warn", "debug, info, warn or error")
	pf.String("env-file", ".env", "dotenv file loaded before reading the environment")

	for flag, key := range flagEnv {
		_ = c.v.BindPFlag(key, pf.Lookup(flag))
		_ = c.v.BindEnv(key)
	}

	root.AddCommand(
		c.migrateCmd(),
		c.reconcileCmd(),
		c.intentsCmd(),
		c.feeCmd(),
		c.accountCmd(),
	)
	return root
}

// setup resolves configuration and exports it to the environment keys the shared
// components read.
func (c *cli) setup(cmd *cobra.Command) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := utils.LoadDotEnv(envFile); err != nil {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	for _, key := range flagEnv {
		if val := c.v.GetString(key); val != "" {
			if err := os.Setenv(key, val); err != nil {
				return err
			}
		}
	}

	logger, err := logging.NewStderr(strings.ToLower(c.v.GetString("LOG_LEVEL")))
	if err != nil {
		return err
	}
	c.logger = logger.With(zap.String("component", "ledgerctl"))
	return nil
}

func (c *cli) openStore(ctx context.Context) (ledger.Store, error) {
	return c.deps.OpenStore(ctx, c.logger, c.v.GetString("LEDGER_BACKEND"))
}

func (c *cli) denomination() (chain.Denomination, error) {
	exp := c.v.GetInt("CHAIN_VALUE_EXPONENT")
	if exp < ledger.MinorUnitExponent {
		return chain.Denomination{}, fmt.Errorf("value exponent %d is below the ledger precision %d", exp, ledger.MinorUnitExponent)
	}
	return chain.Denomination{Exponent: int32(exp)}, nil
}
