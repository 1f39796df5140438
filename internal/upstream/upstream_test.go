package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"model-gateway/internal/config"
	"model-gateway/internal/shared"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newSession(t *testing.T, handler http.Handler, cache *ModelCache) *Session {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.ServiceConfig{
		UserAdminURL:    srv.URL,
		PaymentURL:      srv.URL + "/",
		ProjectAdminURL: srv.URL,
		DeployAdminURL:  srv.URL,
		MetadataTimeout: 2 * time.Second,
	}
	log := zaptest.NewLogger(t).Sugar()
	s := NewFactory(cfg, cache, log).Open("tx-1", log)
	t.Cleanup(s.Close)
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requireKind(t *testing.T, err error, kind shared.ErrorKind, status int) {
	t.Helper()
	var rerr *shared.RequestError
	require.True(t, errors.As(err, &rerr), "expected request error, got %v", err)
	assert.Equal(t, kind, rerr.Kind)
	assert.Equal(t, status, rerr.StatusCode)
	assert.Contains(t, rerr.Detail(), "transaction-id: tx-1")
}

func TestValidateUser(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate_user", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tx-1", r.Header.Get("transaction-id"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch body["vps-auth-token"] {
		case "good":
			writeJSON(w, 200, map[string]any{"result": true, "username": "ada", "entity_id": 7, "vps_app_id": "app-*"})
		case "nameless":
			writeJSON(w, 200, map[string]any{"result": true, "username": ""})
		case "broken":
			writeJSON(w, 503, map[string]any{"detail": "identity down"})
		default:
			writeJSON(w, 200, map[string]any{"result": false})
		}
	})
	s := newSession(t, mux, nil)
	ctx := context.Background()

	caller, err := s.ValidateUser(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, shared.Caller{Username: "ada", EntityID: "7", BoundAppID: "app-*"}, *caller)

	_, err = s.ValidateUser(ctx, "bad")
	requireKind(t, err, shared.KindUnauthorized, 401)

	_, err = s.ValidateUser(ctx, "nameless")
	requireKind(t, err, shared.KindNotFound, 404)

	_, err = s.ValidateUser(ctx, "broken")
	requireKind(t, err, shared.KindUpstream, 503)
	assert.Contains(t, err.Error(), "identity down")
}

func TestValidateBalance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /balance/validate/prediction", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "mdl-1", r.URL.Query().Get("model_id"))
		assert.Equal(t, "tx-1", r.Header.Get("transaction-id"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if r.Header.Get("vps-env-type") == "vipas-streamlit" {
			assert.Equal(t, "app-9", r.Header.Get("vps-app-id"))
		} else {
			assert.Empty(t, r.Header.Get("vps-app-id"))
		}
		writeJSON(w, 200, map[string]any{"result": r.URL.Query().Get("entity_id") == "rich"})
	})
	s := newSession(t, mux, nil)
	ctx := context.Background()

	err := s.ValidateBalance(ctx, &shared.Caller{EntityID: "rich"}, "mdl-1", shared.RequestHeaders{EnvType: "vipas-streamlit", AppID: "app-9"})
	assert.NoError(t, err)

	err = s.ValidateBalance(ctx, &shared.Caller{EntityID: "poor"}, "mdl-1", shared.RequestHeaders{})
	requireKind(t, err, shared.KindPaymentRequired, 402)
}

func TestAuthorizedModels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /app/exists", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("app_id") != "app-1" {
			writeJSON(w, 200, map[string]any{"result": false})
			return
		}
		writeJSON(w, 200, map[string]any{"result": true, "data": map[string]any{"auth_model_ids": []string{"mdl-1", "mdl-2"}}})
	})
	s := newSession(t, mux, nil)

	ids, err := s.AuthorizedModels(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"mdl-1", "mdl-2"}, ids)

	_, err = s.AuthorizedModels(context.Background(), "app-2")
	requireKind(t, err, shared.KindNotFound, 404)
}

func TestModelRecordAndOwner(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /model/exists", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("model_id") != "mdl-1" {
			writeJSON(w, 200, map[string]any{"result": false})
			return
		}
		writeJSON(w, 200, map[string]any{"result": true, "data": map[string]any{
			"model_id":      "mdl-1",
			"project_id":    "prj-1",
			"api_access":    "private",
			"model_details": `{"input":{"name":"x","dims":[1],"data_type":"FP32"}}`,
			"notes":         nil,
		}})
	})
	mux.HandleFunc("GET /get_user_id_from_project", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("project_id") == "prj-1" {
			writeJSON(w, 200, map[string]any{"entity_id": "ent-1"})
			return
		}
		writeJSON(w, 200, map[string]any{"entity_id": nil})
	})
	s := newSession(t, mux, nil)
	ctx := context.Background()

	rec, err := s.ModelRecord(ctx, "mdl-1")
	require.NoError(t, err)
	assert.Equal(t, "prj-1", rec.ProjectID)
	assert.True(t, rec.IsPrivate())
	assert.JSONEq(t, `"{\"input\":{\"name\":\"x\",\"dims\":[1],\"data_type\":\"FP32\"}}"`, string(rec.ModelDetails))

	_, err = s.ModelRecord(ctx, "mdl-404")
	requireKind(t, err, shared.KindNotFound, 404)

	owner, err := s.ProjectOwner(ctx, "prj-1")
	require.NoError(t, err)
	assert.Equal(t, shared.ID("ent-1"), owner)

	_, err = s.ProjectOwner(ctx, "prj-2")
	requireKind(t, err, shared.KindNotFound, 404)
}

func TestDeploymentInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /deploy/model/transformer/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{
			"model": map[string]any{
				"project_id":        "prj-1",
				"deployment_system": "KserveV1",
				"url_additions":     map[string]any{"Headers": map[string]string{"Host": "m.svc"}},
			},
			"transformer": nil,
		})
	})
	s := newSession(t, mux, nil)

	info, err := s.DeploymentInfo(context.Background(), "mdl-1")
	require.NoError(t, err)
	require.NotNil(t, info.Model)
	assert.Equal(t, "KserveV1", info.Model.DeploymentSystem)
	assert.Equal(t, "m.svc", info.Model.URLAdditions.Headers["Host"])
	assert.Nil(t, info.Transformer)
}

func TestDoJSON_Failures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/garbage", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>")
	})
	mux.HandleFunc("/teapot", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(418)
		_, _ = io.WriteString(w, "short and stout")
	})
	s := newSession(t, mux, nil)
	ctx := context.Background()

	req, err := NewRequest(ctx, http.MethodGet, s.cfg.UserAdminURL+"/garbage", nil, nil, "tx-1")
	require.NoError(t, err)
	var out map[string]any
	err = s.DoJSON(req, "reading garbage", &out)
	requireKind(t, err, shared.KindInternal, 500)

	req, err = NewRequest(ctx, http.MethodGet, s.cfg.UserAdminURL+"/teapot", nil, nil, "tx-1")
	require.NoError(t, err)
	err = s.DoJSON(req, "brewing", &out)
	requireKind(t, err, shared.KindUpstream, 418)
	assert.Contains(t, err.Error(), "short and stout")
	assert.Equal(t, "dependency_err", shared.MetricsCode(err))

	req, err = NewRequest(ctx, http.MethodGet, "http://127.0.0.1:1/unreachable", nil, nil, "tx-1")
	require.NoError(t, err)
	err = s.DoJSON(req, "dialing nowhere", &out)
	requireKind(t, err, shared.KindInternal, 500)
}

func TestNewRequest_HostOverride(t *testing.T) {
	h := http.Header{}
	h.Set("Host", "mdl-1.models.svc")
	h.Set("X-Extra", "1")
	req, err := NewRequest(context.Background(), http.MethodPost, "http://kourier/v1/models/x:predict", nil, h, "tx-9")
	require.NoError(t, err)

	assert.Equal(t, "mdl-1.models.svc", req.Host)
	assert.Empty(t, req.Header.Get("Host"))
	assert.Equal(t, "1", req.Header.Get("X-Extra"))
	assert.Equal(t, "tx-9", req.Header.Get("transaction-id"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestModelCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	log := zaptest.NewLogger(t).Sugar()

	assert.Nil(t, NewModelCache(rdb, 0, log))
	assert.Nil(t, NewModelCache(nil, time.Minute, log))

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /model/exists", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, 200, map[string]any{"result": true, "data": map[string]any{"model_id": "mdl-1", "project_id": "prj-1", "api_access": "public"}})
	})
	cache := NewModelCache(rdb, time.Minute, log)
	s := newSession(t, mux, cache)
	ctx := context.Background()

	rec, err := s.ModelRecord(ctx, "mdl-1")
	require.NoError(t, err)
	assert.Equal(t, "prj-1", rec.ProjectID)

	assert.Eventually(t, func() bool {
		return mr.Exists("gateway:v1:model:mdl-1")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, time.Minute, mr.TTL("gateway:v1:model:mdl-1"))

	rec, err = s.ModelRecord(ctx, "mdl-1")
	require.NoError(t, err)
	assert.Equal(t, "prj-1", rec.ProjectID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestModelCache_Nil(t *testing.T) {
	var c *ModelCache
	_, ok := c.Get(context.Background(), "mdl-1")
	assert.False(t, ok)
	c.Set("mdl-1", &shared.ModelRecord{})
}
