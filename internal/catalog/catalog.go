// Package catalog holds the static model catalog advertised to the client
// and the id → provider index derived from it. Both are built once at
// startup and read-only afterwards.
package catalog

import (
	"fmt"

	"raygate/internal/provider"
)

// Provider identifiers as they appear in the catalog and the client UI.
const (
	ProviderOpenAI = "openai"
	ProviderGoogle = "google"
)

// Capabilities the client asks a default model for.
const (
	CapabilityChat     = "chat"
	CapabilityQuickAI  = "quick_ai"
	CapabilityCommands = "commands"
	CapabilityAPI      = "api"
)

// Model describes one catalog entry. The JSON shape matches what the client
// expects in the models list.
type Model struct {
	ID               string   `json:"id"`
	BackendModel     string   `json:"model"`
	Name             string   `json:"name"`
	Provider         string   `json:"provider"`
	ProviderName     string   `json:"provider_name"`
	RequiresBetterAI bool     `json:"requires_better_ai"`
	Features         []string `json:"features"`
}

var openAIFeatures = []string{
	CapabilityChat,
	CapabilityQuickAI,
	CapabilityCommands,
	CapabilityAPI,
}

func builtinModels() []Model {
	return []Model{
		{
			ID:               "openai-gpt-3.5-turbo",
			BackendModel:     "gpt-3.5-turbo",
			Name:             "GPT-3.5 Turbo",
			Provider:         ProviderOpenAI,
			ProviderName:     "OpenAI",
			RequiresBetterAI: true,
			Features:         openAIFeatures,
		},
		{
			ID:               "openai-gpt-4-1106-preview",
			BackendModel:     "gpt-4-1106-preview",
			Name:             "GPT-4 Turbo",
			Provider:         ProviderOpenAI,
			ProviderName:     "OpenAI",
			RequiresBetterAI: true,
			Features:         openAIFeatures,
		},
		{
			ID:               "gemini-pro",
			BackendModel:     "gemini-pro",
			Name:             "Gemini Pro",
			Provider:         ProviderGoogle,
			ProviderName:     "Google",
			RequiresBetterAI: true,
			Features:         []string{},
		},
	}
}

// Catalog is the provider registry: the flattened model list, the derived
// id index and the per-capability defaults for the active backend.
type Catalog struct {
	models   []Model
	byID     map[string]Model
	defaults map[string]string
}

// New builds the catalog and selects default models for the given active
// provider. The active provider must have at least one catalog entry.
func New(activeProvider string) (*Catalog, error) {
	modelsList := builtinModels()

	byID := make(map[string]Model, len(modelsList))
	for _, m := range modelsList {
		if _, exists := byID[m.ID]; exists {
			return nil, fmt.Errorf("duplicate model id %q in catalog", m.ID)
		}
		byID[m.ID] = m
	}

	var defaultID string
	for _, m := range modelsList {
		if m.Provider == activeProvider {
			defaultID = m.ID
			break
		}
	}
	if defaultID == "" {
		return nil, fmt.Errorf("no catalog entry for active provider %q", activeProvider)
	}

	return &Catalog{
		models: modelsList,
		byID:   byID,
		defaults: map[string]string{
			CapabilityChat:     defaultID,
			CapabilityQuickAI:  defaultID,
			CapabilityCommands: defaultID,
			CapabilityAPI:      defaultID,
		},
	}, nil
}

// Models returns the flattened catalog in declaration order.
func (c *Catalog) Models() []Model {
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// Get returns the catalog entry for a model id.
func (c *Catalog) Get(id string) (Model, error) {
	m, ok := c.byID[id]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s", provider.ErrUnknownModel, id)
	}
	return m, nil
}

// ProviderOf resolves a model id to its provider identifier.
func (c *Catalog) ProviderOf(id string) (string, error) {
	m, err := c.Get(id)
	if err != nil {
		return "", err
	}
	return m.Provider, nil
}

// DefaultModels maps each client capability to the model id served by the
// active backend.
func (c *Catalog) DefaultModels() map[string]string {
	out := make(map[string]string, len(c.defaults))
	for k, v := range c.defaults {
		out[k] = v
	}
	return out
}
