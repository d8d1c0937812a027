package llm

import (
	"sync"

	"github.com/kanbeast/kanbeast/pkg/models"
)

// Registry is the pool of LLM services, keyed by config id. Config updates
// swap the whole slice at once so readers never observe a half-built list.
type Registry struct {
	hub HubLink

	mu       sync.RWMutex
	services []*Service
}

func NewRegistry(configs []models.LLMConfig, hub HubLink) *Registry {
	r := &Registry{hub: hub}
	r.UpdateConfigs(configs)
	return r
}

// GetService returns the service for a config id, or nil.
func (r *Registry) GetService(configID string) *Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.services {
		if s.ID() == configID {
			return s
		}
	}
	return nil
}

// GetAvailableLlmSummaries lists models the planner may choose from. When a
// budget is set, models priced above it are filtered out entirely.
func (r *Registry) GetAvailableLlmSummaries(remainingBudget float64) []models.LlmSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]models.LlmSummary, 0, len(r.services))
	for _, s := range r.services {
		cfg := s.Config()
		if remainingBudget > 0 && cfg.CostPer1M() > remainingBudget {
			continue
		}
		summaries = append(summaries, models.LlmSummary{
			ID:          cfg.ID,
			Model:       cfg.Model,
			Strengths:   cfg.Strengths,
			Weaknesses:  cfg.Weaknesses,
			CostPer1M:   cfg.CostPer1M(),
			IsAvailable: s.IsAvailable(),
		})
	}
	return summaries
}

// UpdateConfigs rebuilds the service list from scratch and swaps it in.
// Existing services are discarded along with their availability state.
func (r *Registry) UpdateConfigs(configs []models.LLMConfig) {
	services := make([]*Service, 0, len(configs))
	for _, cfg := range configs {
		services = append(services, NewService(cfg, r.hub))
	}

	r.mu.Lock()
	r.services = services
	r.mu.Unlock()
}

// UpdateLlmNotes rewrites the planner-facing notes of one config in place.
func (r *Registry) UpdateLlmNotes(configID, strengths, weaknesses string) bool {
	s := r.GetService(configID)
	if s == nil {
		return false
	}
	s.updateNotes(strengths, weaknesses)
	return true
}
