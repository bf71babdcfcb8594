package testutil

import "github.com/zerodha/logf"

// NopLogger returns a logger that stays quiet during tests
func NopLogger() logf.Logger {
	return logf.New(logf.Opts{Level: logf.FatalLevel})
}
