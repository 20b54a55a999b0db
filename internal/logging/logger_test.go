// Package logging includes tests for the zap logger helpers.
package logging

import "testing"

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	if logger.Name() != "campsync" {
		t.Fatalf("expected logger named campsync, got %q", logger.Name())
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	if logger.Name() != "campsync" {
		t.Fatalf("expected logger named campsync, got %q", logger.Name())
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

// TestComponent verifies nil loggers are replaced with a no-op.
func TestComponent(t *testing.T) {
	t.Parallel()

	if Component(nil, "harvest") == nil {
		t.Fatal("expected non-nil logger for nil input")
	}
	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	child := Component(logger, "harvest")
	if child == nil {
		t.Fatal("expected non-nil child logger")
	}
}
