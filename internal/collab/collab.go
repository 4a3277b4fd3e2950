// Package collab implements multi-candidate verification for high-stakes
// tasks: parallel candidates resolved by majority vote or by a bounded
// critique-then-synthesize loop.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/relay/internal/exec"
	"github.com/ShayCichocki/relay/pkg/models"
)

// Resolution names how a collaborative result was reached.
const (
	ResolutionVote       = "vote"
	ResolutionSynthesis  = "synthesis"
	ResolutionConfidence = "confidence"
	ResolutionSingle     = "single"
)

// Config controls when and how collaboration runs.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Candidates is the number of parallel executions.
	Candidates int `mapstructure:"candidates"`
	// ConfidenceThreshold triggers verification for results reporting less.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	// MaxRounds caps critique-then-synthesize refinement rounds.
	MaxRounds       int    `mapstructure:"max_rounds"`
	CriticRole      string `mapstructure:"critic_role"`
	SynthesizerRole string `mapstructure:"synthesizer_role"`
}

// DefaultConfig returns the default collaboration settings.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Candidates:          3,
		ConfidenceThreshold: 0.6,
		MaxRounds:           2,
		CriticRole:          "critic",
		SynthesizerRole:     "synthesizer",
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.Candidates < 2 {
		return fmt.Errorf("collaboration candidates must be at least 2, got %d", c.Candidates)
	}
	if c.MaxRounds < 1 {
		return fmt.Errorf("collaboration max_rounds must be at least 1, got %d", c.MaxRounds)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("collaboration confidence_threshold must be within [0, 1], got %g", c.ConfidenceThreshold)
	}
	return nil
}

// ShouldVerify reports whether a task needs collaborative verification.
// result is the single-execution result, or nil before any execution.
func (c Config) ShouldVerify(t *models.Task, result *models.TaskResult) bool {
	if !c.Enabled {
		return false
	}
	if t.HighStakes {
		return true
	}
	return result != nil && result.Confidence != nil && *result.Confidence < c.ConfidenceThreshold
}

// Participant is an agent paired with the model it runs on.
type Participant struct {
	Agent *models.AgentDefinition
	Model models.ModelDescriptor
}

// Request describes one collaborative resolution.
type Request struct {
	Task    *models.Task
	Context exec.TaskContext
	// Participants produce the parallel candidates.
	Participants []Participant
	// Critic and Synthesizer drive refinement. Without both, the most
	// confident candidate wins when no majority exists.
	Critic      *Participant
	Synthesizer *Participant
}

// Outcome is the resolved result of a collaboration.
type Outcome struct {
	// Result is the accepted answer. Its CostUSD covers every call made.
	Result     *models.TaskResult
	Resolution string
	Rounds     int
	Candidates []*models.TaskResult
	// Failures holds the errors of candidates that failed.
	Failures []error
}

// Protocol runs collaborative verification.
type Protocol struct {
	cfg      Config
	executor exec.Executor
	logger   *slog.Logger
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) { p.logger = l }
}

// New creates a Protocol.
func New(cfg Config, executor exec.Executor, opts ...Option) *Protocol {
	if cfg.MaxRounds < 1 {
		cfg.MaxRounds = 1
	}
	p := &Protocol{cfg: cfg, executor: executor, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the protocol configuration.
func (p *Protocol) Config() Config {
	return p.cfg
}

// Resolve runs every participant in parallel and resolves their answers.
// It fails only when every candidate fails.
func (p *Protocol) Resolve(ctx context.Context, req Request) (*Outcome, error) {
	if len(req.Participants) == 0 {
		return nil, errors.New("collaboration requires at least one participant")
	}

	candidates, failures := p.runCandidates(ctx, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("all %d collaborative candidates failed: %w", len(req.Participants), errors.Join(failures...))
	}

	out := &Outcome{Candidates: candidates, Failures: failures}
	spent := totalCost(candidates)

	winner := majority(candidates)
	switch {
	case len(candidates) == 1:
		out.Result = candidates[0].Clone()
		out.Resolution = ResolutionSingle
	case winner != nil:
		out.Result = winner.Clone()
		out.Resolution = ResolutionVote
	case req.Critic != nil && req.Synthesizer != nil:
		result, rounds, cost, err := p.refine(ctx, req, candidates)
		if err != nil {
			return nil, err
		}
		spent += cost
		out.Rounds = rounds
		if result != nil {
			out.Result = result
			out.Resolution = ResolutionSynthesis
		} else {
			out.Result = mostConfident(candidates).Clone()
			out.Resolution = ResolutionConfidence
		}
	default:
		out.Result = mostConfident(candidates).Clone()
		out.Resolution = ResolutionConfidence
	}

	out.Result.CostUSD = spent
	out.Result.Resolution = out.Resolution
	p.logger.Info("collaboration resolved",
		"task_id", taskID(req.Task),
		"resolution", out.Resolution,
		"candidates", len(candidates),
		"failed", len(failures),
		"rounds", out.Rounds,
	)
	return out, nil
}

// runCandidates executes all participants concurrently. Results keep the
// participant order so resolution is deterministic.
func (p *Protocol) runCandidates(ctx context.Context, req Request) ([]*models.TaskResult, []error) {
	results := make([]*models.TaskResult, len(req.Participants))
	errs := make([]error, len(req.Participants))

	// Candidate failures are collected, not propagated, so one failure
	// does not cancel the others.
	var g errgroup.Group
	for i, part := range req.Participants {
		g.Go(func() error {
			res, err := p.call(ctx, part, req.Task, req.Context)
			if err != nil {
				errs[i] = fmt.Errorf("candidate %d (%s on %s): %w", i+1, agentName(part.Agent), part.Model.Key(), err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var ok []*models.TaskResult
	var failed []error
	for i := range results {
		if results[i] != nil {
			ok = append(ok, results[i])
		} else if errs[i] != nil {
			failed = append(failed, errs[i])
		}
	}
	return ok, failed
}

// refine runs the critic then the synthesizer for at most MaxRounds rounds.
// It stops early once the synthesis meets the confidence threshold. A nil
// result means no round produced a synthesis.
func (p *Protocol) refine(ctx context.Context, req Request, candidates []*models.TaskResult) (*models.TaskResult, int, float64, error) {
	answers := outputs(candidates)
	var best *models.TaskResult
	var spent float64

	rounds := 0
	for rounds < p.cfg.MaxRounds {
		rounds++

		criticCtx := req.Context
		criticCtx.Candidates = answers
		critique, err := p.call(ctx, *req.Critic, req.Task, criticCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, rounds, spent, ctx.Err()
			}
			p.logger.Warn("critic failed", "task_id", taskID(req.Task), "round", rounds, "error", err)
			break
		}
		spent += critique.CostUSD

		synthCtx := req.Context
		synthCtx.Candidates = answers
		synthCtx.Critique = critique.Output
		synthesis, err := p.call(ctx, *req.Synthesizer, req.Task, synthCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, rounds, spent, ctx.Err()
			}
			p.logger.Warn("synthesizer failed", "task_id", taskID(req.Task), "round", rounds, "error", err)
			break
		}
		spent += synthesis.CostUSD
		best = synthesis.Clone()

		if synthesis.Confidence == nil || *synthesis.Confidence >= p.cfg.ConfidenceThreshold {
			break
		}
		answers = []string{synthesis.Output}
	}
	return best, rounds, spent, nil
}

func (p *Protocol) call(ctx context.Context, part Participant, task *models.Task, tc exec.TaskContext) (*models.TaskResult, error) {
	req := exec.Request{Agent: part.Agent, Model: part.Model, Task: task, Context: tc}
	prompt, err := exec.Render(req)
	if err != nil {
		return nil, err
	}
	req.Prompt = prompt
	res, err := p.executor.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("executor returned no result")
	}
	if res.AgentID == "" && part.Agent != nil {
		res.AgentID = part.Agent.ID
	}
	if res.Model == "" {
		res.Model = part.Model.Key()
	}
	return res, nil
}

// majority returns the first candidate of the answer shared by a strict
// majority of candidates, or nil.
func majority(candidates []*models.TaskResult) *models.TaskResult {
	counts := make(map[string]int, len(candidates))
	for _, c := range candidates {
		counts[Normalize(c.Output)]++
	}
	for _, c := range candidates {
		if counts[Normalize(c.Output)]*2 > len(candidates) {
			return c
		}
	}
	return nil
}

// mostConfident returns the candidate with the highest reported confidence,
// the earliest on ties. Unreported confidence counts as zero.
func mostConfident(candidates []*models.TaskResult) *models.TaskResult {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if confidence(c) > confidence(best) {
			best = c
		}
	}
	return best
}

// Normalize folds an answer for voting: case, surrounding whitespace and
// internal whitespace runs are ignored.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Pair builds n participants, spreading them across the given agents and
// models so that candidates differ where possible.
func Pair(agents []*models.AgentDefinition, candidates []models.ModelDescriptor, n int) []Participant {
	if len(agents) == 0 || len(candidates) == 0 || n <= 0 {
		return nil
	}
	out := make([]Participant, n)
	for i := range out {
		out[i] = Participant{Agent: agents[i%len(agents)], Model: candidates[i%len(candidates)]}
	}
	return out
}

func confidence(r *models.TaskResult) float64 {
	if r.Confidence == nil {
		return 0
	}
	return *r.Confidence
}

func outputs(results []*models.TaskResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Output
	}
	return out
}

func totalCost(results []*models.TaskResult) float64 {
	var sum float64
	for _, r := range results {
		sum += r.CostUSD
	}
	return sum
}

func taskID(t *models.Task) string {
	if t == nil {
		return ""
	}
	return t.ID
}

func agentName(a *models.AgentDefinition) string {
	if a == nil {
		return ""
	}
	return a.Name
}
