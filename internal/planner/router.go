package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/genba/internal/config"
	genbaErrors "github.com/harunnryd/genba/internal/errors"
	"github.com/harunnryd/genba/internal/logger"
	"github.com/harunnryd/genba/internal/planner/contract"
	anthropicProvider "github.com/harunnryd/genba/internal/planner/providers/anthropic"
	openaiProvider "github.com/harunnryd/genba/internal/planner/providers/openai"
)

// Generator is the planning/generation collaborator. Implementations
// take a role-tagged conversation and return text; interpreting that
// text (plan vs. file content) is the caller's business.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req contract.Request) (string, error)
}

// Router dispatches generation requests to the configured model,
// falling back to the fallback model when the primary fails.
type Router struct {
	cfg       config.ModelsConfig
	mu        sync.RWMutex
	providers map[string]Generator
}

func NewRouter(cfg config.ModelsConfig) (*Router, error) {
	r := &Router{
		cfg:       cfg,
		providers: make(map[string]Generator),
	}

	for _, entry := range cfg.Registry {
		provider, err := createProvider(entry)
		if err != nil {
			slog.Warn("Failed to create provider", "provider", entry.Provider, "model", entry.Name, "error", err)
			continue
		}
		r.providers[entry.Name] = provider
		slog.Info("Provider initialized", "name", entry.Name, "type", entry.Provider)
	}

	if len(r.providers) == 0 && len(cfg.Registry) > 0 {
		return nil, genbaErrors.Internal("no providers initialized")
	}

	return r, nil
}

// register is a test seam.
func (r *Router) register(model string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[model] = g
}

// Generate runs req against the requested model, retrying once on the
// fallback model. Failures come back transient so the caller's retry
// budget applies.
func (r *Router) Generate(ctx context.Context, req contract.Request) (string, error) {
	traceID := logger.GetTraceID(ctx)
	taskID := logger.GetTaskID(ctx)

	model := req.Model
	if model == "" {
		model = r.cfg.Default
	}

	tryModels := []string{model}
	if r.cfg.Fallback != "" && r.cfg.Fallback != model {
		tryModels = append(tryModels, r.cfg.Fallback)
	}

	var lastErr error
	for _, tryModel := range tryModels {
		if err := ctx.Err(); err != nil {
			return "", genbaErrors.Wrap(err, "generation cancelled")
		}

		r.mu.RLock()
		provider, exists := r.providers[tryModel]
		r.mu.RUnlock()
		if !exists {
			lastErr = genbaErrors.NotFound(fmt.Sprintf("model %s", tryModel))
			continue
		}

		attempt := req
		attempt.Model = tryModel

		out, err := provider.Generate(ctx, attempt)
		if err == nil {
			slog.Info("Generation completed", "model", tryModel, "task_id", taskID, "trace_id", traceID)
			return out, nil
		}

		lastErr = err
		slog.Warn("Generation failed, trying fallback", "model", tryModel, "error", err, "task_id", taskID, "trace_id", traceID)
	}

	if genbaErrors.IsCategory(lastErr, genbaErrors.ErrNotFound) {
		return "", lastErr
	}
	return "", genbaErrors.Transient("generation failed: " + lastErr.Error())
}

// Models returns the registered model names.
func (r *Router) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]string, 0, len(r.providers))
	for name := range r.providers {
		models = append(models, name)
	}
	return models
}

func createProvider(entry config.ModelRegistry) (Generator, error) {
	switch entry.Provider {
	case "anthropic":
		if entry.APIKey == "" {
			return nil, genbaErrors.InvalidInput("API key required for Anthropic provider")
		}
		return anthropicProvider.New(entry.APIKey), nil

	case "openai":
		if entry.APIKey == "" {
			return nil, genbaErrors.InvalidInput("API key required for OpenAI provider")
		}
		return openaiProvider.New(entry.APIKey, entry.BaseURL), nil

	default:
		return nil, genbaErrors.InvalidInput(fmt.Sprintf("unknown provider type: %s", entry.Provider))
	}
}
