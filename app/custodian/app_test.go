package custodian

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSessionSecret(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	t.Setenv("SESSION_SECRET", "")
	_, err := SessionSecret(logger, "postgres")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_SECRET")

	secret, err := SessionSecret(logger, "memory")
	require.NoError(t, err)
	assert.Equal(t, devSessionSecret, secret)
	assert.Equal(t, 1, logs.FilterMessageSnippet("SESSION_SECRET not set").Len())

	t.Setenv("SESSION_SECRET", "s3cret")
	secret, err = SessionSecret(logger, "postgres")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)
}
