// Package testutil provides shared test helpers for IoTScan packages.
package testutil

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Logger returns a logger that writes through t.Log, so output only shows
// for failing tests.
func Logger(t testing.TB) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel))
}
