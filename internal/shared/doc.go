// Package shared holds helpers used by more than one package of the
// license validator. It has no domain logic of its own.
//
// The testutil subpackage captures slog output so tests can assert on
// what a component logged:
//
//	logger, handler := testutil.NewTestLogger(t)
//	gate := middleware.NewLicenseGate(validator, source, logger)
//	...
//	testutil.AssertLogContains(t, handler, slog.LevelWarn, "license rejected")
package shared
