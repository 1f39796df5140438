package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"model-gateway/internal/ctx"
	"model-gateway/internal/shared"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newEcho(t *testing.T) (*echo.Echo, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core).Sugar()
	e := echo.New()
	e.Use(NewRecoverMiddleware(log), NewTrackMiddleware(log))
	return e, logs
}

func serve(e *echo.Echo, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestTrackMiddleware(t *testing.T) {
	e, logs := newEcho(t)
	var reqID string
	e.GET("/ok", func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		reqID = c.Reqid
		c.LogValues.Stage = "done"
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/fail", func(cc echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway, "down")
	})

	rec := serve(e, http.MethodGet, "/ok", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(reqID, "req_"))
	assert.Len(t, reqID, 32)

	rec = serve(e, http.MethodGet, "/fail", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	entries := logs.FilterMessage("end_of_request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, reqID, entries[0].ContextMap()["request_id"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestTrackMiddleware_LogLevelOverride(t *testing.T) {
	e, logs := newEcho(t)
	e.GET("/quiet", func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		c.LogValues.LogLevel = "INFO"
		c.LogValues.AddError(errors.New("expected"))
		return c.JSON(http.StatusServiceUnavailable, shared.ErrorBody{Detail: "busy"})
	})

	serve(e, http.MethodGet, "/quiet", nil)
	entries := logs.FilterMessage("end_of_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
}

func TestRecoverMiddleware(t *testing.T) {
	e, logs := newEcho(t)
	e.GET("/panic", func(cc echo.Context) error {
		panic("boom")
	})

	rec := serve(e, http.MethodGet, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"internal server error"}`, rec.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("Api Panic").Len())
}

func TestRequireAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		header string
		status int
	}{
		{"valid", "secret", "Bearer secret", http.StatusOK},
		{"lowercase scheme", "secret", "bearer secret", http.StatusOK},
		{"wrong key", "secret", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"bad format", "secret", "secret", http.StatusUnauthorized},
		{"no key configured", "", "Bearer ", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEcho(t)
			e.GET("/metrics", func(c echo.Context) error {
				return c.String(http.StatusOK, "metrics")
			}, RequireAPIKey(tt.key))

			header := http.Header{}
			if tt.header != "" {
				header.Set("Authorization", tt.header)
			}
			rec := serve(e, http.MethodGet, "/metrics", header)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
