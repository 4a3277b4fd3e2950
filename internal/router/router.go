// Package router selects a backing model for each task from policy weights
// and health signals.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/ShayCichocki/relay/internal/failure"
	"github.com/ShayCichocki/relay/pkg/models"
)

// ErrUnknownModel is returned for health updates naming an unregistered model.
var ErrUnknownModel = errors.New("unknown model")

// scoreEpsilon treats scores this close as equal so that float noise never
// decides an ordering.
const scoreEpsilon = 1e-9

// Requirements describe what a task needs from a model.
type Requirements struct {
	TaskID string
	// Capabilities must all be present.
	Capabilities []models.Capability
	// Optional capabilities earn the capability bonus when present.
	Optional []models.Capability
	// ContextTokens must fit the context window.
	ContextTokens int
	// OutputTokens feeds the cost estimate.
	OutputTokens int
	// LatencySensitive selects the latency profile when no profile is named.
	LatencySensitive bool
	// CostCeilingUSD excludes models whose estimated cost exceeds it. Zero means none.
	CostCeilingUSD float64
	// PreferredModels earn the capability bonus when they match (provider/model or model id).
	PreferredModels []string
	// Exclude lists model keys that must not be chosen.
	Exclude []string
	// Profile names a policy profile explicitly.
	Profile string
}

// Score is the computed score of one candidate.
type Score struct {
	Model string
	Score float64
	// EstimatedCostUSD is the cost estimate used for scoring.
	EstimatedCostUSD float64
}

// Selection is the router's answer: a primary model and ordered fallbacks.
type Selection struct {
	Primary   models.ModelDescriptor
	Fallbacks []models.ModelDescriptor
	Scores    []Score
	Profile   string
}

// Candidates returns the primary followed by the fallbacks.
func (s *Selection) Candidates() []models.ModelDescriptor {
	return append([]models.ModelDescriptor{s.Primary}, s.Fallbacks...)
}

// Router filters and ranks model descriptors. Reads are concurrent; catalog
// and health updates take the write lock.
type Router struct {
	mu     sync.RWMutex
	order  []string
	models map[string]models.ModelDescriptor
	cfg    Config
	logger *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router with the given configuration.
func New(cfg Config, opts ...Option) *Router {
	r := &Router{
		models: make(map[string]models.ModelDescriptor),
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert adds or replaces a model descriptor. A descriptor without health is Healthy.
func (r *Router) Upsert(m models.ModelDescriptor) {
	if m.Health == "" {
		m.Health = models.HealthHealthy
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := m.Key()
	if _, ok := r.models[key]; !ok {
		r.order = append(r.order, key)
	}
	r.models[key] = m.Clone()
}

// Get returns the descriptor for a key.
func (r *Router) Get(key string) (models.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[key]
	return m.Clone(), ok
}

// Models returns all descriptors in registration order.
func (r *Router) Models() []models.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ModelDescriptor, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.models[key].Clone())
	}
	return out
}

// Config returns the router configuration.
func (r *Router) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// SetHealth updates the health of one model.
func (r *Router) SetHealth(key string, h models.Health) error {
	if !h.Valid() {
		return fmt.Errorf("invalid health %q for %s", h, key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.models[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, key)
	}
	if m.Health != h {
		r.logger.Info("model health changed", "model", key, "from", string(m.Health), "to", string(h))
	}
	m.Health = h
	r.models[key] = m
	return nil
}

// Select filters the catalog by the hard constraints and ranks the survivors.
// It returns a *failure.NoEligibleModelError when nothing survives.
func (r *Router) Select(req Requirements) (*Selection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profileName, weights := r.cfg.profile(req.Profile, req.LatencySensitive)

	excluded := make(map[string]bool, len(req.Exclude))
	for _, k := range req.Exclude {
		excluded[k] = true
	}

	type candidate struct {
		model models.ModelDescriptor
		cost  float64
		score float64
	}
	var survivors []candidate
	reasons := make(map[string]string)

	for _, key := range r.order {
		m := r.models[key]
		if reason := r.rejectReason(m, req, excluded); reason != "" {
			reasons[key] = reason
			continue
		}
		survivors = append(survivors, candidate{model: m, cost: EstimateCost(m, req)})
	}

	if len(survivors) == 0 {
		return nil, &failure.NoEligibleModelError{TaskID: req.TaskID, Reasons: reasons}
	}

	minCost, maxCost := math.Inf(1), math.Inf(-1)
	minLat, maxLat := math.MaxInt, math.MinInt
	for _, c := range survivors {
		minCost = math.Min(minCost, c.cost)
		maxCost = math.Max(maxCost, c.cost)
		rank := c.model.Latency.Rank()
		minLat = min(minLat, rank)
		maxLat = max(maxLat, rank)
	}

	for i := range survivors {
		c := &survivors[i]
		normCost := 0.0
		if maxCost > minCost {
			normCost = (c.cost - minCost) / (maxCost - minCost)
		}
		normLat := 0.0
		if maxLat > minLat {
			normLat = float64(c.model.Latency.Rank()-minLat) / float64(maxLat-minLat)
		}
		c.score = weights.Cost*(1-normCost) +
			weights.Latency*(1-normLat) +
			weights.Capability*capabilityBonus(c.model, req)
		if c.model.Health == models.HealthDegraded {
			c.score -= r.cfg.DegradedPenalty
		}
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		if math.Abs(a.score-b.score) > scoreEpsilon {
			return a.score > b.score
		}
		pa, pb := r.providerRank(a.model.Provider), r.providerRank(b.model.Provider)
		if pa != pb {
			return pa < pb
		}
		if a.model.ModelID != b.model.ModelID {
			return a.model.ModelID < b.model.ModelID
		}
		return a.model.Provider < b.model.Provider
	})

	sel := &Selection{Primary: survivors[0].model.Clone(), Profile: profileName}
	for i, c := range survivors {
		if i > 0 {
			sel.Fallbacks = append(sel.Fallbacks, c.model.Clone())
		}
		sel.Scores = append(sel.Scores, Score{Model: c.model.Key(), Score: c.score, EstimatedCostUSD: c.cost})
	}

	r.logger.Debug("model selected",
		"task_id", req.TaskID,
		"model", sel.Primary.Key(),
		"profile", profileName,
		"fallbacks", len(sel.Fallbacks))
	return sel, nil
}

func (r *Router) rejectReason(m models.ModelDescriptor, req Requirements, excluded map[string]bool) string {
	if excluded[m.Key()] {
		return "excluded"
	}
	if m.Health == models.HealthUnavailable {
		return "unavailable"
	}
	for _, c := range req.Capabilities {
		if !m.HasCapability(c) {
			return "missing capability " + string(c)
		}
	}
	if req.ContextTokens > 0 && m.ContextWindow < req.ContextTokens {
		return fmt.Sprintf("context window %d < %d", m.ContextWindow, req.ContextTokens)
	}
	if req.CostCeilingUSD > 0 {
		if cost := EstimateCost(m, req); cost > req.CostCeilingUSD {
			return fmt.Sprintf("estimated cost $%.6f exceeds ceiling $%.6f", cost, req.CostCeilingUSD)
		}
	}
	return ""
}

// providerRank orders providers by configured priority; unlisted providers sort last.
func (r *Router) providerRank(provider string) int {
	for i, p := range r.cfg.ProviderPriority {
		if p == provider {
			return i
		}
	}
	return len(r.cfg.ProviderPriority)
}

// capabilityBonus is the average of the optional-capability match fraction and
// the preferred-model match, over whichever of the two the request specifies.
// A request specifying neither gives every model the full bonus.
func capabilityBonus(m models.ModelDescriptor, req Requirements) float64 {
	var parts []float64
	if len(req.Optional) > 0 {
		matched := 0
		for _, c := range req.Optional {
			if m.HasCapability(c) {
				matched++
			}
		}
		parts = append(parts, float64(matched)/float64(len(req.Optional)))
	}
	if len(req.PreferredModels) > 0 {
		hit := 0.0
		for _, p := range req.PreferredModels {
			if p == m.Key() || p == m.ModelID {
				hit = 1
				break
			}
		}
		parts = append(parts, hit)
	}
	if len(parts) == 0 {
		return 1
	}
	sum := 0.0
	for _, p := range parts {
		sum += p
	}
	return sum / float64(len(parts))
}

// EstimateCost is the expected USD cost of running the request on m.
func EstimateCost(m models.ModelDescriptor, req Requirements) float64 {
	return m.EstimateCost(req.ContextTokens, req.OutputTokens)
}

// RequirementsFor derives routing requirements from a task and agent.
func RequirementsFor(t *models.Task, agent *models.AgentDefinition) Requirements {
	req := Requirements{
		TaskID:           t.ID,
		Capabilities:     append([]models.Capability(nil), t.Capabilities...),
		ContextTokens:    t.EstimatedContextTokens,
		OutputTokens:     t.EstimatedOutputTokens,
		LatencySensitive: t.LatencySensitive,
		CostCeilingUSD:   t.MaxCostUSD,
	}
	if agent != nil {
		req.PreferredModels = append([]string(nil), agent.PreferredModels...)
		if req.OutputTokens == 0 {
			req.OutputTokens = agent.Generation.MaxTokens
		}
		// Offering tools needs a model that can call them.
		for _, tool := range agent.Tools {
			req.Capabilities = addCapability(req.Capabilities, models.CapabilityToolUse)
			if tool == string(models.CapabilityWebSearch) {
				req.Capabilities = addCapability(req.Capabilities, models.CapabilityWebSearch)
			}
		}
	}
	return req
}

func addCapability(caps []models.Capability, c models.Capability) []models.Capability {
	if slices.Contains(caps, c) {
		return caps
	}
	return append(caps, c)
}

// Relax drops the soft constraints: cost ceiling and latency sensitivity.
// Capability and context requirements are never relaxed.
func (req Requirements) Relax() Requirements {
	req.CostCeilingUSD = 0
	req.LatencySensitive = false
	return req
}
