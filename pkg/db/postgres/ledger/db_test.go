package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/canopy-network/custodyx/pkg/db/postgres"
	"github.com/canopy-network/custodyx/pkg/ledger"
	"github.com/canopy-network/custodyx/pkg/ledger/ledgertest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStoreContract(t *testing.T) {
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}
	t.Setenv("POSTGRES_URL", url)
	t.Setenv("CONNECT_MAX_RETRIES", "1")

	ctx := context.Background()
	db, err := NewWithPoolConfig(ctx, zaptest.NewLogger(t), "custodyx_test", *postgres.GetPoolConfigForComponent("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// tables are initialised twice to prove the schema setup is repeatable
	require.NoError(t, db.InitializeDB(ctx))

	ledgertest.Run(t, func(t *testing.T) ledger.Store { return db })
}
