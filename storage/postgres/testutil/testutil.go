package testutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/storage/postgres"
	"github.com/chillwhales/lsp-indexer/tests"
)

// NewTestClient returns a postgres client used in CI tests.
func NewTestClient(t *testing.T) *postgres.Client {
	tests.SkipIfShort(t)
	connString := os.Getenv(tests.ConnStringEnv)
	logger, err := log.NewLogger("postgres-test", os.Stdout, log.FmtJSON, log.LevelError)
	require.Nil(t, err, "log.NewLogger")

	client, err := postgres.NewClient(connString, logger)
	require.Nil(t, err, "postgres.NewClient")
	return client
}
