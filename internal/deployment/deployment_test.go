package deployment

import (
	"errors"
	"testing"

	"model-gateway/internal/config"
	"model-gateway/internal/protocol"
	"model-gateway/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver() *Resolver {
	return NewResolver(config.RoutingConfig{
		ModelURL:       "http://kourier.models/",
		TransformerURL: "http://kourier.transformers",
	})
}

func model() *shared.ModelRecord {
	return &shared.ModelRecord{ModelID: "mdl-abc123", ProjectID: "prj-p1"}
}

func TestServiceName(t *testing.T) {
	name, err := ServiceName("prj-9f8e", "mdl-1a2b")
	require.NoError(t, err)
	assert.Equal(t, "mdl-9f8e-1a2b", name)

	_, err = ServiceName("prj-", "mdl-1a2b")
	assert.Error(t, err)
	_, err = ServiceName("prj-9f8e", "abc")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	info := &Info{Model: &Record{
		ProjectID:        "prj-p1",
		DeploymentSystem: "KserveV2",
		URLAdditions: URLAdditions{Headers: map[string]string{
			"Host":         "mdl-p1-abc123.models.svc",
			"content-type": "application/octet-stream",
		}},
	}}

	target, err := newResolver().Resolve(model(), info, "tx-1")
	require.NoError(t, err)

	assert.Equal(t, "mdl-p1-abc123", target.ServiceName)
	assert.Equal(t, protocol.KserveV2, target.System)
	assert.Equal(t, "http://kourier.models/v2/models/mdl-p1-abc123/infer", target.ModelURL)
	assert.Equal(t, "mdl-p1-abc123.models.svc", target.ModelHeaders.Get("Host"))
	assert.Equal(t, "application/octet-stream", target.ModelHeaders.Get("Content-Type"))
	assert.False(t, target.HasTransformer())

	// the record itself is left alone
	assert.Len(t, info.Model.URLAdditions.Headers, 2)
}

func TestResolve_Transformer(t *testing.T) {
	info := &Info{
		Model: &Record{ProjectID: "prj-p1", DeploymentSystem: "TextGeneration"},
		Transformer: &Record{
			TransformerID: "trf-1",
			URLAdditions:  URLAdditions{Headers: map[string]string{"Host": "trf-1.transformers.svc"}},
		},
	}

	target, err := newResolver().Resolve(model(), info, "tx-2")
	require.NoError(t, err)

	assert.Equal(t, "http://kourier.models/openai/v1/completions", target.ModelURL)
	assert.Equal(t, "application/json", target.ModelHeaders.Get("Content-Type"))
	assert.Empty(t, target.ModelHeaders.Get("transaction-id"))

	require.True(t, target.HasTransformer())
	assert.Equal(t, "trf-1", target.Transformer.ID)
	assert.Equal(t, "http://kourier.transformers", target.Transformer.URL)
	assert.Equal(t, "application/json", target.Transformer.Headers.Get("Content-Type"))
	assert.Equal(t, "trf-1.transformers.svc", target.Transformer.Headers.Get("Host"))
	assert.Equal(t, "tx-2", target.Transformer.Headers.Get("transaction-id"))
}

func TestResolve_Failures(t *testing.T) {
	tests := []struct {
		name string
		info *Info
		kind shared.ErrorKind
	}{
		{"no info", nil, shared.KindNotFound},
		{"no model deployment", &Info{}, shared.KindNotFound},
		{"no project", &Info{Model: &Record{DeploymentSystem: "KserveV1"}}, shared.KindNotFound},
		{"no deployment system", &Info{Model: &Record{ProjectID: "prj-p1"}}, shared.KindBadRequest},
		{"unknown deployment system", &Info{Model: &Record{ProjectID: "prj-p1", DeploymentSystem: "Triton"}}, shared.KindBadRequest},
		{"lowercase deployment system", &Info{Model: &Record{ProjectID: "prj-p1", DeploymentSystem: "kservev1"}}, shared.KindBadRequest},
		{"short project id", &Info{Model: &Record{ProjectID: "prj", DeploymentSystem: "KserveV1"}}, shared.KindBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newResolver().Resolve(model(), tt.info, "tx-3")
			var rerr *shared.RequestError
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, tt.kind, rerr.Kind)
			assert.Contains(t, rerr.Detail(), "transaction-id: tx-3")
		})
	}
}

func TestResolve_EverySystem(t *testing.T) {
	for _, sys := range protocol.All() {
		info := &Info{Model: &Record{ProjectID: "prj-p1", DeploymentSystem: sys.String()}}
		target, err := newResolver().Resolve(model(), info, "tx-4")
		require.NoError(t, err, sys.String())
		assert.Equal(t, sys, target.System)
	}
}
