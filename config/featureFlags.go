package config

import (
	"os"
	"strings"
)

// AutoReconcileEnabled is the kill switch for automatic binding.
// When false, candidates that would auto-reconcile are flagged for manual
// confirmation instead.
//
// Set via env:
// - AUTO_RECONCILE_ENABLED=false
func AutoReconcileEnabled() bool {
	return boolFromEnv("AUTO_RECONCILE_ENABLED", true)
}

// SweepConcurrency bounds how many obligations a sweep evaluates in parallel.
// Each obligation is still its own atomic unit.
//
// Set via env:
// - SWEEP_CONCURRENCY=4
func SweepConcurrency() int {
	n := intFromEnv("SWEEP_CONCURRENCY", 1)
	if n < 1 {
		return 1
	}
	return n
}

// SkipMigrations disables AutoMigrate on startup (run reconctl migrate as a job instead).
func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS", false)
}

func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}
