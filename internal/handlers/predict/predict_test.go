package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"model-gateway/internal/admission"
	"model-gateway/internal/config"
	"model-gateway/internal/protocol"
	"model-gateway/internal/ratelimit"
	"model-gateway/internal/shared"
	"model-gateway/internal/storage/memstore"
	"model-gateway/internal/upstream"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testModel   = "mdl-abcd"
	testProject = "prj-0001"
	backendPath = "/v1/models/mdl-0001-abcd:predict"
)

// platform fakes every service the gateway talks to on one server
type platform struct {
	t *testing.T

	apiAccess   string
	owner       int
	system      string
	transformer bool
	backend     func(w http.ResponseWriter, body []byte)
	preData     string
	postData    string

	mu          sync.Mutex
	backendHits int
	backendBody []byte
	transforms  []string
}

func newPlatform(t *testing.T) *platform {
	return &platform{
		t:         t,
		apiAccess: "public",
		owner:     9,
		system:    "KserveV1",
		backend: func(w http.ResponseWriter, _ []byte) {
			writeJSON(w, 200, map[string]any{"predictions": []string{"yes"}})
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (p *platform) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate_user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"result": true, "username": "ada", "entity_id": 7, "vps_app_id": ""})
	})
	mux.HandleFunc("GET /balance/validate/prediction", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"result": true})
	})
	mux.HandleFunc("GET /model/exists", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"result": true, "data": map[string]any{
			"model_id":   r.URL.Query().Get("model_id"),
			"project_id": testProject,
			"api_access": p.apiAccess,
		}})
	})
	mux.HandleFunc("GET /get_user_id_from_project", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"entity_id": p.owner})
	})
	mux.HandleFunc("GET /deploy/model/transformer/info", func(w http.ResponseWriter, r *http.Request) {
		info := map[string]any{"model": map[string]any{
			"project_id":        testProject,
			"deployment_system": p.system,
		}}
		if p.transformer {
			info["transformer"] = map[string]any{"transformer_id": "trf-1"}
		}
		writeJSON(w, 200, info)
	})
	mux.HandleFunc("GET /check_transform", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("true"))
	})
	mux.HandleFunc("POST /transform", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CallType string          `json:"call_type"`
			Input    json.RawMessage `json:"input"`
		}
		require.NoError(p.t, json.NewDecoder(r.Body).Decode(&req))
		p.mu.Lock()
		p.transforms = append(p.transforms, req.CallType)
		p.mu.Unlock()
		if req.CallType == "pre_transform" {
			writeJSON(w, 200, map[string]any{"data": json.RawMessage(p.preData), "payload_type": "content"})
			return
		}
		assert.Equal(p.t, "content", r.Header.Get("payload_type"))
		writeJSON(w, 200, map[string]any{"data": json.RawMessage(p.postData), "payload_type": "content"})
	})
	mux.HandleFunc("POST "+backendPath, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(p.t, err)
		p.mu.Lock()
		p.backendHits++
		p.backendBody = body
		p.mu.Unlock()
		p.backend(w, body)
	})
	return mux
}

func (p *platform) hits() (int, []byte, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backendHits, p.backendBody, append([]string(nil), p.transforms...)
}

type harness struct {
	handler *PredictHandler
	store   *memstore.Store
	cfg     *config.Config
}

func newHarness(t *testing.T, p *platform, limiter admission.RateLimiter) *harness {
	t.Helper()
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.Services = config.ServiceConfig{
		UserAdminURL:    srv.URL,
		PaymentURL:      srv.URL,
		ProjectAdminURL: srv.URL,
		DeployAdminURL:  srv.URL,
		MetadataTimeout: 2 * time.Second,
	}
	cfg.Routing = config.RoutingConfig{ModelURL: srv.URL, TransformerURL: srv.URL}
	cfg.Storage.Backend = config.StorageMemory
	cfg.Storage.RuntimeBucket = "runtime-bucket"

	log := zaptest.NewLogger(t).Sugar()
	store := memstore.New("http://objects.local")
	h := NewPredictHandler(Deps{
		Config:   cfg,
		Sessions: upstream.NewFactory(cfg.Services, nil, log),
		Limiter:  limiter,
		Store:    store,
		Log:      log,
	})
	return &harness{handler: h, store: store, cfg: cfg}
}

func input(body string) PredictionInput {
	return PredictionInput{
		Ctx:     context.Background(),
		ModelID: testModel,
		Headers: shared.RequestHeaders{AuthToken: "tok-1", TransactionID: "tx-1"},
		Body:    json.RawMessage(body),
	}
}

func requireFailure(t *testing.T, err error, kind shared.ErrorKind, status int) {
	t.Helper()
	var rerr *shared.RequestError
	require.True(t, errors.As(err, &rerr), "expected request error, got %v", err)
	assert.Equal(t, kind, rerr.Kind)
	assert.Equal(t, status, rerr.StatusCode)
}

func TestDoPrediction_InlineContent(t *testing.T) {
	p := newPlatform(t)
	h := newHarness(t, p, nil)

	out, err := h.handler.DoPrediction(input(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, StageDone, out.Stage)
	assert.Equal(t, protocol.KserveV1, out.System)
	assert.Equal(t, "ada", out.Caller.Username)

	res, err := json.Marshal(out.Response)
	require.NoError(t, err)
	assert.JSONEq(t, `{"output_data":"yes","payload_type":"content","payload_url":null,"extractor":null}`, string(res))

	hits, body, _ := p.hits()
	assert.Equal(t, 1, hits)
	assert.JSONEq(t, `{"instances":[{"text":"hello"}]}`, string(body))
	assert.Zero(t, h.store.Completed())
}

func TestDoPrediction_OffloadsLargeResponse(t *testing.T) {
	p := newPlatform(t)
	payload := []byte(`{"predictions":["` + strings.Repeat("a", 6*shared.MiB) + `"]}`)
	p.backend = func(w http.ResponseWriter, _ []byte) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}
	h := newHarness(t, p, nil)

	out, err := h.handler.DoPrediction(input(`"hello"`))
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), out.OffloadedBytes)

	key := "runtime/tx-1/" + shared.PredictionObjectName
	stored, ok := h.store.Object("runtime-bucket", key)
	require.True(t, ok)
	assert.True(t, bytes.Equal(payload, stored))
	assert.Equal(t, 1, h.store.Completed())

	res := out.Response
	assert.Equal(t, shared.PayloadURL, res.PayloadType)
	assert.JSONEq(t, "null", string(res.OutputData))
	require.NotNil(t, res.PayloadURL)
	assert.Equal(t, "http://objects.local/runtime-bucket/"+key+"?expires=300", *res.PayloadURL)
	require.NotNil(t, res.Extractor)
	assert.Equal(t, string(protocol.KserveV1.Extractor()), *res.Extractor)
}

func TestDoPrediction_Transformer(t *testing.T) {
	p := newPlatform(t)
	p.transformer = true
	p.preData = `{"rewritten":true}`
	p.postData = `"X"`
	h := newHarness(t, p, nil)

	out, err := h.handler.DoPrediction(input(`{"raw":1}`))
	require.NoError(t, err)

	res, err := json.Marshal(out.Response)
	require.NoError(t, err)
	assert.JSONEq(t, `{"output_data":"X","payload_type":"content","payload_url":null,"extractor":null}`, string(res))

	_, body, transforms := p.hits()
	assert.JSONEq(t, `{"instances":[{"rewritten":true}]}`, string(body))
	assert.Equal(t, []string{"pre_transform", "post_transform"}, transforms)
}

func TestDoPrediction_PrivateModelForbidden(t *testing.T) {
	p := newPlatform(t)
	p.apiAccess = "private"
	h := newHarness(t, p, nil)

	out, err := h.handler.DoPrediction(input(`{}`))
	requireFailure(t, err, shared.KindForbidden, 403)
	assert.Equal(t, admission.StageModel, out.Stage)
	assert.Equal(t, admission.StageModel, shared.StageOf(err))
	assert.Nil(t, out.Response)

	hits, _, _ := p.hits()
	assert.Zero(t, hits)
}

func TestDoPrediction_PrivateModelOwner(t *testing.T) {
	p := newPlatform(t)
	p.apiAccess = "private"
	p.owner = 7
	h := newHarness(t, p, nil)

	_, err := h.handler.DoPrediction(input(`{}`))
	require.NoError(t, err)
}

func TestDoPrediction_MissingHeaders(t *testing.T) {
	p := newPlatform(t)
	h := newHarness(t, p, nil)

	in := input(`{}`)
	in.Headers.TransactionID = ""
	out, err := h.handler.DoPrediction(in)
	requireFailure(t, err, shared.KindBadRequest, 400)
	assert.Equal(t, admission.StageHeaders, out.Stage)
	assert.Nil(t, out.Caller)
}

func TestDoPrediction_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p := newPlatform(t)
	limiter := ratelimit.New(rdb, 1, time.Minute, zaptest.NewLogger(t).Sugar())
	h := newHarness(t, p, limiter)
	require.True(t, h.handler.RateLimited())

	_, err := h.handler.DoPrediction(input(`{}`))
	require.NoError(t, err)

	out, err := h.handler.DoPrediction(input(`{}`))
	requireFailure(t, err, shared.KindTooManyRequests, 429)
	assert.Equal(t, admission.StageRateLimit, out.Stage)

	hits, _, _ := p.hits()
	assert.Equal(t, 1, hits)
}

func TestDoPrediction_UnsupportedSystem(t *testing.T) {
	p := newPlatform(t)
	p.system = "Triton"
	h := newHarness(t, p, nil)

	out, err := h.handler.DoPrediction(input(`{}`))
	requireFailure(t, err, shared.KindBadRequest, 400)
	assert.Equal(t, StageDeployment, out.Stage)
	assert.False(t, out.System.Valid())
}

func TestDoPrediction_InvalidInput(t *testing.T) {
	p := newPlatform(t)
	h := newHarness(t, p, nil)

	out, err := h.handler.DoPrediction(input(`{not json`))
	requireFailure(t, err, shared.KindBadRequest, 400)
	assert.Equal(t, StageShape, out.Stage)

	hits, _, _ := p.hits()
	assert.Zero(t, hits)
}

func TestDoPrediction_BackendFailure(t *testing.T) {
	p := newPlatform(t)
	p.backend = func(w http.ResponseWriter, _ []byte) {
		writeJSON(w, 503, map[string]any{"detail": "model is scaling"})
	}
	h := newHarness(t, p, nil)

	out, err := h.handler.DoPrediction(input(`{}`))
	requireFailure(t, err, shared.KindUpstream, 503)
	assert.Equal(t, StagePredict, out.Stage)
	assert.ErrorIs(t, err, shared.ErrBackendStatus)
}

func TestDoPrediction_PresignFailure(t *testing.T) {
	p := newPlatform(t)
	payload := []byte(`{"predictions":["` + strings.Repeat("b", 6*shared.MiB) + `"]}`)
	p.backend = func(w http.ResponseWriter, _ []byte) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}
	h := newHarness(t, p, nil)
	h.store.Fail["PresignDownload"] = errors.New("signing key unavailable")

	out, err := h.handler.DoPrediction(input(`{}`))
	requireFailure(t, err, shared.KindInternal, 500)
	assert.Equal(t, StagePresign, out.Stage)
	assert.ErrorIs(t, err, shared.ErrPresign)
}
