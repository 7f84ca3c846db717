// Package dispatch resolves an inbound chat request to the active backend
// and returns the unified stream.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"raygate/internal/catalog"
	"raygate/internal/metrics"
	"raygate/internal/models"
	"raygate/internal/provider"
	"raygate/internal/stream"
)

// Options carries the operator-configured completion parameters.
type Options struct {
	// ForceModel, when set, pins all traffic to one catalog model id
	// regardless of what the client selected.
	ForceModel  string
	MaxTokens   int
	Temperature float64
}

// Dispatcher routes chat requests to the single active backend.
type Dispatcher struct {
	catalog    *catalog.Catalog
	backend    provider.Backend
	providerID string
	opts       Options
	metrics    *metrics.Metrics
}

// New constructs a dispatcher for the active backend. providerID is the
// catalog provider identifier the backend serves.
func New(cat *catalog.Catalog, backend provider.Backend, providerID string, opts Options, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		catalog:    cat,
		backend:    backend,
		providerID: providerID,
		opts:       opts,
		metrics:    m,
	}
}

// BackendName returns the name of the active backend.
func (d *Dispatcher) BackendName() string {
	return d.backend.Name()
}

// ResolveModel returns the effective catalog model id: the configured
// override when set, the client's selection otherwise.
func (d *Dispatcher) ResolveModel(requested string) string {
	if d.opts.ForceModel != "" {
		return d.opts.ForceModel
	}
	return requested
}

// Dispatch resolves the model, checks it against the active backend and
// opens the translated streaming completion. The returned stream owns the
// upstream connection; the caller must close it.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.ChatRequest) (stream.Stream, error) {
	requestID := uuid.NewString()
	modelID := d.ResolveModel(req.Model)

	model, err := d.catalog.Get(modelID)
	if err != nil {
		return nil, err
	}
	if model.Provider != d.providerID {
		return nil, fmt.Errorf("%w: model %s belongs to provider %s", provider.ErrUnsupportedProvider, modelID, model.Provider)
	}

	slog.Info("dispatching chat completion",
		"request_id", requestID,
		"model", modelID,
		"backend_model", model.BackendModel,
		"messages", len(req.Messages),
	)

	s, err := d.backend.Stream(ctx, req, provider.Options{
		Model:       model.BackendModel,
		MaxTokens:   d.opts.MaxTokens,
		Temperature: d.opts.Temperature,
	})
	if err != nil {
		d.metrics.RecordUpstreamError(d.backend.Name())
		slog.Error("backend stream failed", "request_id", requestID, "err", err)
		return nil, err
	}

	d.metrics.RecordDispatch(d.backend.Name(), model.BackendModel)
	return s, nil
}
