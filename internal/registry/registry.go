// Package registry is the catalog of agent definitions.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ShayCichocki/relay/pkg/models"
)

var (
	// ErrNotFound is returned when no agent matches the lookup.
	ErrNotFound = errors.New("agent not found")
	// ErrDuplicateName is returned when a name is already taken in the workspace.
	ErrDuplicateName = errors.New("agent name already registered in workspace")
	// ErrDuplicateID is returned when a caller-supplied ID is already taken.
	ErrDuplicateID = errors.New("agent id already registered")
)

// DefaultMaxTokens is the provider output limit enforced on generation configs.
const DefaultMaxTokens = 64000

// Registry stores agent definitions. Reads are concurrent; registration is
// guarded by a single lock.
type Registry struct {
	mu sync.RWMutex
	// order lists agent IDs in registration order.
	order  []string
	agents map[string]*models.AgentDefinition
	// names maps workspace/name to agent ID.
	names map[string]string

	validate  *validator.Validate
	maxTokens int
	newID     func() string
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxTokens sets the provider max_tokens limit.
func WithMaxTokens(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxTokens = n
		}
	}
}

// WithIDFunc overrides agent ID generation.
func WithIDFunc(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		agents:    make(map[string]*models.AgentDefinition),
		names:     make(map[string]string),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		maxTokens: DefaultMaxTokens,
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func nameKey(workspace, name string) string {
	return workspace + "/" + strings.ToLower(strings.TrimSpace(name))
}

// Register validates and stores a definition, returning its ID. A caller-supplied
// ID is kept; otherwise one is generated.
func (r *Registry) Register(def models.AgentDefinition) (string, error) {
	if err := r.validate.Struct(def); err != nil {
		return "", fmt.Errorf("invalid agent %q: %w", def.Name, err)
	}
	if def.Generation.MaxTokens > r.maxTokens {
		return "", fmt.Errorf("invalid agent %q: max_tokens %d exceeds provider limit %d",
			def.Name, def.Generation.MaxTokens, r.maxTokens)
	}

	stored := def.Clone()
	stored.Name = strings.TrimSpace(stored.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	key := nameKey(stored.Workspace, stored.Name)
	if _, taken := r.names[key]; taken {
		return "", fmt.Errorf("%w: %s", ErrDuplicateName, stored.Name)
	}
	if stored.ID == "" {
		stored.ID = r.newID()
	} else if _, taken := r.agents[stored.ID]; taken {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, stored.ID)
	}
	stored.CreatedAt = r.now()

	r.agents[stored.ID] = stored
	r.names[key] = stored.ID
	r.order = append(r.order, stored.ID)
	return stored.ID, nil
}

// Unregister removes an agent.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.agents, id)
	delete(r.names, nameKey(def.Workspace, def.Name))
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a copy of the agent with the given ID.
func (r *Registry) Get(id string) (*models.AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return def.Clone(), nil
}

// Resolve looks an agent up by ID, then by name in the default workspace.
func (r *Registry) Resolve(ref string) (*models.AgentDefinition, error) {
	if def, err := r.Get(ref); err == nil {
		return def, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.names[nameKey("", ref)]; ok {
		return r.agents[id].Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// FindByRole returns agents with the given role in registration order.
func (r *Registry) FindByRole(role string) []*models.AgentDefinition {
	return r.filter(func(d *models.AgentDefinition) bool {
		return strings.EqualFold(d.Role, role)
	})
}

// FindByCapability returns agents listing the capability in registration order.
func (r *Registry) FindByCapability(capability string) []*models.AgentDefinition {
	return r.filter(func(d *models.AgentDefinition) bool {
		return d.HasCapability(capability)
	})
}

// List returns all agents in registration order.
func (r *Registry) List() []*models.AgentDefinition {
	return r.filter(func(*models.AgentDefinition) bool { return true })
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) filter(keep func(*models.AgentDefinition) bool) []*models.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.AgentDefinition
	for _, id := range r.order {
		if def := r.agents[id]; keep(def) {
			out = append(out, def.Clone())
		}
	}
	return out
}

// Best returns the best match for a role and capability set. Agents with the
// role are preferred; among them, the one covering the most capabilities wins,
// ties broken by registration order. When no agent has the role, the agent
// covering the most capabilities is returned, so a registry with a single
// generalist still serves every task. IDs in exclude are never chosen.
func (r *Registry) Best(role string, capabilities []string, exclude map[string]bool) (*models.AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best      *models.AgentDefinition
		bestScore = -1
	)
	for _, id := range r.order {
		if exclude[id] {
			continue
		}
		def := r.agents[id]
		score := 0
		for _, c := range capabilities {
			if def.HasCapability(c) {
				score++
			}
		}
		if role != "" && strings.EqualFold(def.Role, role) {
			score += 1000
		}
		if score > bestScore {
			best, bestScore = def, score
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: no agent for role %q", ErrNotFound, role)
	}
	return best.Clone(), nil
}
