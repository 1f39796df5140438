package predict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"model-gateway/internal/admission"
	"model-gateway/internal/database"
	"model-gateway/internal/deployment"
	"model-gateway/internal/dispatch"
	"model-gateway/internal/metrics"
	"model-gateway/internal/protocol"
	"model-gateway/internal/shared"
	"model-gateway/internal/transform"
	"model-gateway/internal/upstream"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	StageDeployment    = "deployment"
	StageShape         = "shape"
	StagePreTransform  = "pre_transform"
	StagePredict       = "predict"
	StagePresign       = "presign"
	StagePostTransform = "post_transform"
	StageDone          = "done"
)

type PredictionInput struct {
	ModelID string
	Headers shared.RequestHeaders
	Body    json.RawMessage
	Ctx     context.Context
	Log     *zap.SugaredLogger
}

// PredictionOutput is set on success and, as far as it got, on failure
type PredictionOutput struct {
	Response *shared.PredictionResponse
	Caller   *shared.Caller
	System   protocol.DeploymentSystem
	Stage    string
	// size of the prediction response when it was offloaded
	OffloadedBytes int64
}

// DoPrediction runs the whole pipeline for one request. Errors carry the
// stage they happened in and a RequestError for the caller facing status.
func (ph *PredictHandler) DoPrediction(input PredictionInput) (*PredictionOutput, error) {
	start := time.Now()
	log := input.Log
	if log == nil {
		log = ph.Log
	}
	if input.Ctx == nil {
		input.Ctx = context.Background()
	}
	ctx, span := ph.tracer.Start(input.Ctx, "prediction", trace.WithAttributes(
		attribute.String("model_id", input.ModelID),
		attribute.String("transaction_id", input.Headers.TransactionID),
	))
	defer span.End()

	out := &PredictionOutput{}
	rec := &database.PredictionRecord{
		TransactionID: input.Headers.TransactionID,
		ModelID:       input.ModelID,
		CreatedAt:     start,
	}

	// headers are checked before anything is opened
	if err := admission.CheckHeaders(input.Headers); err != nil {
		out.Stage = admission.StageHeaders
		err = shared.WithStage(admission.StageHeaders, err)
		ph.observeFailure(span, out, input.ModelID, err)
		return out, err
	}
	txID := input.Headers.TransactionID

	session := ph.sessions.Open(txID, log)
	defer session.Close()

	stageCtx, stage := ph.stage(ctx, "admission")
	admitted, err := ph.admission.Admit(stageCtx, session, admission.Request{
		ModelID: input.ModelID,
		Headers: input.Headers,
		Log:     log,
	})
	stage.end(err)
	if err != nil {
		out.Stage = shared.StageOf(err)
		ph.observeFailure(span, out, input.ModelID, err)
		return out, err
	}
	out.Caller = admitted.Caller
	rec.EntityID = admitted.Caller.EntityID
	rec.Username = admitted.Caller.Username
	span.SetAttributes(attribute.String("username", admitted.Caller.Username))

	ph.ledger.AddInFlight(admitted.Caller.EntityID)
	payload, err := ph.run(ctx, session, admitted, input, out, log)
	rec.Stage = out.Stage
	rec.TotalTime = time.Since(start)
	if out.System.Valid() {
		rec.DeploymentSystem = out.System.String()
	}

	if err != nil {
		rec.StatusCode = statusOf(err)
		ph.ledger.AddRecord(rec)
		ph.observeFailure(span, out, input.ModelID, err)
		return out, err
	}

	out.Stage = StageDone
	rec.Stage = ""
	rec.StatusCode = 200
	rec.PayloadType = string(payload.Type())
	rec.OffloadedBytes = out.OffloadedBytes
	ph.ledger.AddRecord(rec)

	out.Response = transform.Response(payload)
	metrics.PayloadTypes.WithLabelValues("response", string(payload.Type())).Inc()
	metrics.RequestDuration.WithLabelValues(input.ModelID, out.System.String()).Observe(time.Since(start).Seconds())
	metrics.RequestCount.WithLabelValues(input.ModelID, out.System.String(), "success").Inc()
	log.Infow("Prediction completed", "payload_type", payload.Type(), "duration", time.Since(start).String())
	return out, nil
}

// run is everything after admission
func (ph *PredictHandler) run(ctx context.Context, session *upstream.Session, admitted *admission.Admitted, input PredictionInput, out *PredictionOutput, log *zap.SugaredLogger) (transform.Payload, error) {
	txID := input.Headers.TransactionID
	model := admitted.Model

	out.Stage = StageDeployment
	stageCtx, stage := ph.stage(ctx, StageDeployment)
	info, err := session.DeploymentInfo(stageCtx, input.ModelID)
	var target *deployment.Target
	if err == nil {
		target, err = ph.resolver.Resolve(model, info, txID)
	}
	stage.end(err)
	if err != nil {
		return nil, shared.WithStage(StageDeployment, err)
	}
	out.System = target.System
	log = log.With("deployment_system", target.System.String())
	log.Infow("Resolved deployment", "url", target.ModelURL, "transformer", target.HasTransformer())

	out.Stage = StageShape
	params, err := ph.shapeParams(target, model, txID)
	if err != nil {
		return nil, shared.WithStage(StageShape, err)
	}

	var chain *transform.Chain
	body := input.Body
	if target.HasTransformer() {
		chain = transform.New(session, target, ph.runtime, txID, log)
		out.Stage = StagePreTransform
		stageCtx, stage := ph.stage(ctx, StagePreTransform)
		body, err = chain.Pre(stageCtx, body)
		stage.end(err)
		if err != nil {
			return nil, shared.WithStage(StagePreTransform, err)
		}
	}

	out.Stage = StageShape
	shaped, err := protocol.Shape(target.System, body, params)
	if err != nil {
		kind := shared.KindInternal
		if errors.Is(err, protocol.ErrInvalidInput) {
			kind = shared.KindBadRequest
		}
		return nil, shared.WithStage(StageShape, errors.Join(
			shared.NewRequestError(kind, txID, "failed to build the prediction request for the model %s: %v", input.ModelID, err),
			err,
		))
	}

	out.Stage = StagePredict
	stageCtx, stage = ph.stage(ctx, StagePredict)
	res, err := ph.dispatcher.Dispatch(stageCtx, session.HTTP, dispatch.Call{
		URL:           target.ModelURL,
		Header:        target.ModelHeaders,
		Body:          shaped,
		System:        target.System,
		ModelID:       input.ModelID,
		TransactionID: txID,
		ObjectKey:     ph.runtime.PredictionKey(txID),
		Log:           log,
	})
	stage.end(err)
	if err != nil {
		return nil, shared.WithStage(StagePredict, err)
	}
	metrics.PayloadTypes.WithLabelValues(StagePredict, string(res.PayloadType)).Inc()
	log.Infow("Prediction returned", "result", res.String())

	var payload transform.Payload
	switch res.PayloadType {
	case shared.PayloadURL:
		out.Stage = StagePresign
		u, err := ph.runtime.DownloadURL(ctx, res.ObjectKey)
		if err != nil {
			log.Errorw("Failed to presign prediction download", "key", res.ObjectKey, "error", err)
			return nil, shared.WithStage(StagePresign, errors.Join(
				shared.NewRequestError(shared.KindInternal, txID, "failed to generate the presigned download url for the prediction response of the model %s", input.ModelID),
				shared.ErrPresign,
				err,
			))
		}
		payload = transform.Offloaded{
			Key:         res.ObjectKey,
			DownloadURL: u,
			Extractor:   target.System.Extractor(),
		}
		out.OffloadedBytes = res.Size
	default:
		payload = transform.Content{Data: res.Output}
	}

	if chain != nil {
		out.Stage = StagePostTransform
		stageCtx, stage := ph.stage(ctx, StagePostTransform)
		payload, err = chain.Post(stageCtx, payload)
		stage.end(err)
		if err != nil {
			return nil, shared.WithStage(StagePostTransform, err)
		}
		metrics.PayloadTypes.WithLabelValues(StagePostTransform, string(payload.Type())).Inc()
	}
	return payload, nil
}

func (ph *PredictHandler) shapeParams(target *deployment.Target, model *shared.ModelRecord, txID string) (protocol.ShapeParams, error) {
	params := protocol.ShapeParams{ServiceName: target.ServiceName}
	details, err := protocol.ParseModelDetails(target.System, model.ModelDetails)
	if err != nil {
		return params, errors.Join(
			shared.NewRequestError(shared.KindInternal, txID, "the model details for model %s is not a valid JSON: %v", model.ModelID, err),
			err,
		)
	}
	gen, err := protocol.ParseGenerationOptions(model.Notes)
	if err != nil {
		return params, errors.Join(
			shared.NewRequestError(shared.KindInternal, txID, "the notes for model %s are not valid: %v", model.ModelID, err),
			err,
		)
	}
	params.Details = details
	params.Generation = gen
	return params, nil
}

func statusOf(err error) int {
	var rerr *shared.RequestError
	if errors.As(err, &rerr) {
		return rerr.StatusCode
	}
	return 500
}

func (ph *PredictHandler) observeFailure(span trace.Span, out *PredictionOutput, modelID string, err error) {
	kind := shared.KindOf(err)
	system := "unknown"
	if out.System.Valid() {
		system = out.System.String()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())
	metrics.PipelineFailures.WithLabelValues(out.Stage, kind.String(), shared.MetricsCode(err)).Inc()
	metrics.RequestCount.WithLabelValues(modelID, system, fmt.Sprintf("%d", statusOf(err))).Inc()
	if out.Caller != nil && kind == shared.KindInternal {
		metrics.ErrorCount.WithLabelValues(modelID, out.Caller.EntityID.String(), out.Stage).Inc()
	}
}

type stageSpan struct {
	span trace.Span
}

func (ph *PredictHandler) stage(ctx context.Context, name string) (context.Context, stageSpan) {
	ctx, span := ph.tracer.Start(ctx, name)
	return ctx, stageSpan{span: span}
}

func (s stageSpan) end(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, shared.KindOf(err).String())
	}
	s.span.End()
}

// ShutDown waits for in flight predictions and flushes the ledger
func (ph *PredictHandler) ShutDown(ctx context.Context) {
	ph.ledger.Shutdown(ctx)
}
