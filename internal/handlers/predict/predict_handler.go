// Package predict composes admission, resolution, transforms and dispatch
// into one prediction
package predict

import (
	"model-gateway/internal/admission"
	"model-gateway/internal/buckets"
	"model-gateway/internal/config"
	"model-gateway/internal/deployment"
	"model-gateway/internal/dispatch"
	"model-gateway/internal/storage"
	"model-gateway/internal/telemetry"
	"model-gateway/internal/upstream"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type PredictHandler struct {
	Log *zap.SugaredLogger

	sessions   *upstream.Factory
	admission  *admission.Chain
	resolver   *deployment.Resolver
	dispatcher *dispatch.Dispatcher
	runtime    *storage.Runtime
	ledger     *buckets.Ledger
	tracer     trace.Tracer
}

type Deps struct {
	Config   *config.Config
	Sessions *upstream.Factory
	// nil disables rate limiting
	Limiter admission.RateLimiter
	Store   storage.ObjectStore
	// nil disables the prediction ledger
	Ledger *buckets.Ledger
	Log    *zap.SugaredLogger
}

func NewPredictHandler(deps Deps) *PredictHandler {
	cfg := deps.Config
	return &PredictHandler{
		Log:       deps.Log,
		sessions:  deps.Sessions,
		admission: admission.New(deps.Limiter, deps.Log),
		resolver:  deployment.NewResolver(cfg.Routing),
		dispatcher: dispatch.New(deps.Store, dispatch.Options{
			Bucket:      cfg.Storage.RuntimeBucket,
			InlineLimit: cfg.Dispatch.InlineLimit,
			ChunkSize:   cfg.Dispatch.ChunkSize,
			Timeout:     cfg.Dispatch.PredictionTimeout,
		}, deps.Log),
		runtime: storage.NewRuntime(deps.Store, cfg.Storage),
		ledger:  deps.Ledger,
		tracer:  telemetry.Tracer(),
	}
}

func (ph *PredictHandler) RateLimited() bool {
	return ph.admission.RateLimited()
}
