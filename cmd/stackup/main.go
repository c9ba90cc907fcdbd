// Package main is the entry point for the stackup CLI.
//
// stackup brings up an ordered set of stack units on a swarm cluster,
// waits for each to become reachable, and hands the adoptable ones to a
// control plane once it is running.
//
// Commands: run, plan, reconcile, status, version.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/shell/store"
)

// Version information (set by build)
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildTime    = "unknown"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess     = 0
	ExitConfigError = 1
	ExitRunFailure  = 2 // Cluster unreachable, provisioning failure, or failed units
	ExitAuthError   = 3
	ExitStoreError  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	SetVersionInfo(buildVersion, buildCommit, buildTime)
	if err := Root().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitCode(err)
	}
	return ExitSuccess
}

// =============================================================================
// Errors
// =============================================================================

// AppError carries the exit code an error maps to.
type AppError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *AppError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.ExitCode
	}

	var storeErr *store.StoreError
	switch {
	case errors.Is(err, domain.ErrAuth):
		return ExitAuthError
	case errors.As(err, &storeErr):
		return ExitStoreError
	case errors.Is(err, domain.ErrConfig):
		return ExitConfigError
	default:
		return ExitRunFailure
	}
}
