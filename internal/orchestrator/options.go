package orchestrator

import (
	"log/slog"
	"time"

	"github.com/ShayCichocki/relay/internal/collab"
	"github.com/ShayCichocki/relay/internal/decompose"
	"github.com/ShayCichocki/relay/internal/exec"
	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/internal/registry"
	"github.com/ShayCichocki/relay/internal/router"
	"github.com/ShayCichocki/relay/internal/state"
)

// RequiredConfig contains the collaborators an Engine cannot run without.
// All fields are required and have no defaults.
type RequiredConfig struct {
	Registry *registry.Registry
	Router   *router.Router
	Store    state.Store
	Executor exec.Executor
}

// Option configures an Engine. Use With* functions to create Options.
type Option func(*engineOptions)

// engineOptions holds all optional configuration. They are only used
// during construction.
type engineOptions struct {
	config     *Config
	planner    decompose.Planner
	builder    *decompose.Builder
	retry      *failure.Manager
	collab     *collab.Protocol
	approver   Approver
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	eventsWait time.Duration
}

// WithConfig sets the engine configuration.
func WithConfig(c Config) Option {
	return func(o *engineOptions) { o.config = &c }
}

// WithPlanner sets the planning collaborator used for goals without explicit tasks.
func WithPlanner(p decompose.Planner) Option {
	return func(o *engineOptions) { o.planner = p }
}

// WithBuilder sets a custom task graph builder (mainly for testing).
// It takes precedence over WithPlanner.
func WithBuilder(b *decompose.Builder) Option {
	return func(o *engineOptions) { o.builder = b }
}

// WithRetryManager sets the failure and retry manager.
func WithRetryManager(m *failure.Manager) Option {
	return func(o *engineOptions) { o.retry = m }
}

// WithCollaboration enables collaborative verification for flagged tasks.
func WithCollaboration(p *collab.Protocol) Option {
	return func(o *engineOptions) { o.collab = p }
}

// WithApprover replaces the built-in approval manager as the approval collaborator.
func WithApprover(a Approver) Option {
	return func(o *engineOptions) { o.approver = a }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithClock sets the time source (mainly for testing).
func WithClock(fn func() time.Time) Option {
	return func(o *engineOptions) { o.now = fn }
}

// WithIDFunc sets the workflow and snapshot ID generator (mainly for testing).
func WithIDFunc(fn func() string) Option {
	return func(o *engineOptions) { o.newID = fn }
}

// WithEventWait sets how long an event may wait for channel room before it is dropped.
func WithEventWait(d time.Duration) Option {
	return func(o *engineOptions) { o.eventsWait = d }
}
