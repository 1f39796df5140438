// Package deployment turns catalog and deployment records into the target a
// prediction is sent to.
package deployment

import (
	"fmt"
	"net/http"
	"strings"

	"model-gateway/internal/config"
	"model-gateway/internal/protocol"
	"model-gateway/internal/shared"
)

// identifiers carry a fixed length type prefix, "prj-" or "mdl-"
const idPrefixLen = 4

// Record is one deployment as stored by the deployment service
type Record struct {
	ProjectID        string       `json:"project_id"`
	DeploymentSystem string       `json:"deployment_system"`
	TransformerID    string       `json:"transformer_id"`
	URLAdditions     URLAdditions `json:"url_additions"`
}

type URLAdditions struct {
	Headers map[string]string `json:"Headers"`
}

// Info is the model deployment and the optional transformer attached to it
type Info struct {
	Model       *Record `json:"model"`
	Transformer *Record `json:"transformer"`
}

type Target struct {
	ModelID     string
	ProjectID   string
	ServiceName string
	System      protocol.DeploymentSystem

	ModelURL     string
	ModelHeaders http.Header

	// nil when the model has no transformer
	Transformer *TransformerTarget
}

type TransformerTarget struct {
	ID      string
	URL     string
	Headers http.Header
}

func (t *Target) HasTransformer() bool {
	return t.Transformer != nil
}

type Resolver struct {
	modelURL       string
	transformerURL string
}

func NewResolver(cfg config.RoutingConfig) *Resolver {
	return &Resolver{
		modelURL:       strings.TrimSuffix(cfg.ModelURL, "/"),
		transformerURL: strings.TrimSuffix(cfg.TransformerURL, "/"),
	}
}

// Resolve builds the invocation target for model. It does no io.
func (r *Resolver) Resolve(model *shared.ModelRecord, info *Info, txID string) (*Target, error) {
	if info == nil || info.Model == nil {
		return nil, shared.NewRequestError(shared.KindNotFound, txID, "model deployment information not found for the model_id: %s", model.ModelID)
	}
	rec := info.Model
	if rec.ProjectID == "" {
		return nil, shared.NewRequestError(shared.KindNotFound, txID, "project id not found in the model deployment information for the model_id: %s", model.ModelID)
	}

	serviceName, err := ServiceName(rec.ProjectID, model.ModelID)
	if err != nil {
		return nil, shared.NewRequestError(shared.KindBadRequest, txID, "%v for the model_id: %s", err, model.ModelID)
	}

	sys, err := protocol.ParseDeploymentSystem(rec.DeploymentSystem)
	if err != nil {
		return nil, shared.NewRequestError(shared.KindBadRequest, txID, "%v for the model_id: %s", err, model.ModelID)
	}
	path, err := sys.Path(serviceName)
	if err != nil {
		return nil, shared.NewRequestError(shared.KindBadRequest, txID, "%v for the model_id: %s", err, model.ModelID)
	}

	target := &Target{
		ModelID:      model.ModelID,
		ProjectID:    rec.ProjectID,
		ServiceName:  serviceName,
		System:       sys,
		ModelURL:     r.modelURL + path,
		ModelHeaders: buildHeaders(rec.URLAdditions.Headers),
	}

	if t := info.Transformer; t != nil {
		headers := buildHeaders(t.URLAdditions.Headers)
		headers.Set(shared.HeaderTransactionID, txID)
		target.Transformer = &TransformerTarget{
			ID:      t.TransformerID,
			URL:     r.transformerURL,
			Headers: headers,
		}
	}
	return target, nil
}

// ServiceName is the name the routing layer knows the backend by:
// mdl-<project id>-<model id>, both without their type prefix.
func ServiceName(projectID, modelID string) (string, error) {
	if len(projectID) <= idPrefixLen {
		return "", fmt.Errorf("malformed project id %q", projectID)
	}
	if len(modelID) <= idPrefixLen {
		return "", fmt.Errorf("malformed model id %q", modelID)
	}
	return "mdl-" + projectID[idPrefixLen:] + "-" + modelID[idPrefixLen:], nil
}

// every header map is a fresh copy, records are never mutated
func buildHeaders(additions map[string]string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	for k, v := range additions {
		h.Set(k, v)
	}
	return h
}
