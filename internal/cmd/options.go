package cmd

import (
	"fmt"
	"os"
	"time"
)

// LeaderElectionOptions mirrors the teacher's own struct of the same name
// (internal/cmd/controller/root.go), trimmed of the fleet-specific
// agent-replica-count helper this system has no analog for.
type LeaderElectionOptions struct {
	// LeaseDuration is the duration that non-leader candidates will
	// wait to force acquire leadership. Default 15s.
	LeaseDuration *time.Duration

	// RenewDeadline is the duration the acting controlplane retries
	// refreshing leadership before giving up. Default 10s.
	RenewDeadline *time.Duration

	// RetryPeriod is the duration LeaderElector clients wait between
	// tries. Default 2s.
	RetryPeriod *time.Duration
}

// NewLeaderElectionOptions parses HEADWIND_ELECTION_* duration overrides
// from the environment, following the teacher's CATTLE_ELECTION_* pattern.
func NewLeaderElectionOptions() (LeaderElectionOptions, error) {
	opts := LeaderElectionOptions{}

	if d := os.Getenv("HEADWIND_ELECTION_LEASE_DURATION"); d != "" {
		v, err := time.ParseDuration(d)
		if err != nil {
			return opts, fmt.Errorf("failed to parse HEADWIND_ELECTION_LEASE_DURATION %q: %w", d, err)
		}
		opts.LeaseDuration = &v
	}
	if d := os.Getenv("HEADWIND_ELECTION_RENEW_DEADLINE"); d != "" {
		v, err := time.ParseDuration(d)
		if err != nil {
			return opts, fmt.Errorf("failed to parse HEADWIND_ELECTION_RENEW_DEADLINE %q: %w", d, err)
		}
		opts.RenewDeadline = &v
	}
	if d := os.Getenv("HEADWIND_ELECTION_RETRY_PERIOD"); d != "" {
		v, err := time.ParseDuration(d)
		if err != nil {
			return opts, fmt.Errorf("failed to parse HEADWIND_ELECTION_RETRY_PERIOD %q: %w", d, err)
		}
		opts.RetryPeriod = &v
	}
	return opts, nil
}
