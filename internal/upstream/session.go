// Package upstream talks to the identity, billing, catalog and deployment
// services. Every request opens its own Session and closes it when done.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"model-gateway/internal/config"
	"model-gateway/internal/shared"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type Factory struct {
	cfg   config.ServiceConfig
	base  *http.Transport
	cache *ModelCache
	log   *zap.SugaredLogger
}

// NewFactory creates the session factory. cache may be nil.
func NewFactory(cfg config.ServiceConfig, cache *ModelCache, log *zap.SugaredLogger) *Factory {
	return &Factory{
		cfg:   cfg,
		cache: cache,
		log:   log,
		base: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   shared.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: shared.DialTimeout,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  true,
		},
	}
}

// Session owns the http client used for every remote call of one request.
// Close releases its connections.
type Session struct {
	HTTP *http.Client

	cfg       config.ServiceConfig
	transport *http.Transport
	cache     *ModelCache
	txID      string
	log       *zap.SugaredLogger
}

func (f *Factory) Open(txID string, log *zap.SugaredLogger) *Session {
	tr := f.base.Clone()
	return &Session{
		// timeouts come from the request contexts, predictions run for minutes
		HTTP:      &http.Client{Transport: otelhttp.NewTransport(tr)},
		cfg:       f.cfg,
		transport: tr,
		cache:     f.cache,
		txID:      txID,
		log:       log,
	}
}

func (s *Session) Close() {
	s.transport.CloseIdleConnections()
}

func (s *Session) TransactionID() string {
	return s.txID
}

// NewRequest builds an outbound request carrying the transaction id. A Host
// entry in header overrides the request host, routing layers key on it.
func NewRequest(ctx context.Context, method, url string, body io.Reader, header http.Header, txID string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = append([]string(nil), v...)
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(shared.HeaderTransactionID, txID)
	return req, nil
}

// DoJSON sends req and decodes a 2xx json body into out. Non 2xx responses
// forward their status, transport and decode failures are internal.
func (s *Session) DoJSON(req *http.Request, op string, out any) error {
	res, err := s.HTTP.Do(req)
	if err != nil {
		s.log.Errorw("request failed", "op", op, "url", req.URL.Redacted(), "error", err)
		return errors.Join(
			shared.NewRequestError(shared.KindInternal, s.txID, "a request error occurred while %s: %v", op, err),
			shared.ErrDependency,
		)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		detail := shared.ErrorDetail(body)
		if res.StatusCode < 500 {
			s.log.Infow("dependency rejected request", "op", op, "status_code", res.StatusCode, "detail", detail)
		} else {
			s.log.Errorw("dependency failed", "op", op, "status_code", res.StatusCode, "detail", detail)
		}
		return errors.Join(
			shared.UpstreamError(res.StatusCode, s.txID, "an error occurred while %s: %s", op, detail),
			shared.ErrDependency,
		)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Join(
			shared.NewRequestError(shared.KindInternal, s.txID, "an unexpected response was received while %s", op),
			fmt.Errorf("decoding response: %w", err),
		)
	}
	return nil
}

func (s *Session) metadataContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.MetadataTimeout
	if timeout <= 0 {
		timeout = shared.DefaultMetadataTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
