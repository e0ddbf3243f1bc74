// Package tests holds helpers shared by tests that need external services.
package tests

import (
	"os"
	"testing"
)

// ConnStringEnv names the environment variable holding the PostgreSQL
// connection string used by database-backed tests.
const ConnStringEnv = "CI_TEST_CONN_STRING"

// SkipIfShort skips the test in -short mode, and whenever no test database
// is configured.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping in short mode")
	}
	if os.Getenv(ConnStringEnv) == "" {
		t.Skipf("skipping: %s not set", ConnStringEnv)
	}
}
