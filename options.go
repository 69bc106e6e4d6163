package kiroku

import (
	"log/slog"
	"time"
)

// Trigger is the public form of an approval trigger rule. Condition and
// RiskLevel take the same string values as the HTTP API ("cost_exceeds_usd",
// "scope_includes", ...; "low" through "critical").
type Trigger struct {
	ID          string
	Condition   string
	Threshold   float64
	Pattern     string
	RiskLevel   string
	Description string
}

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all configuration overrides after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	logger      *slog.Logger
	version     string
	approvalTTL time.Duration
	triggers    []Trigger
	setTriggers bool
}

// WithPort overrides the TCP port from config (KIROKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithApprovalTTL overrides how long approval requests stay resolvable
// (KIROKU_APPROVAL_TTL env var).
func WithApprovalTTL(ttl time.Duration) Option {
	return func(o *resolvedOptions) { o.approvalTTL = ttl }
}

// WithTriggers replaces the default approval trigger set. Pass the full set:
// the defaults are not merged in.
func WithTriggers(triggers []Trigger) Option {
	return func(o *resolvedOptions) {
		o.triggers = triggers
		o.setTriggers = true
	}
}
