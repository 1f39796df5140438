// Package routers
package routers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"model-gateway/internal/ctx"
	"model-gateway/internal/handlers/predict"
	"model-gateway/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type PredictRouter struct {
	ph  *predict.PredictHandler
	log *zap.SugaredLogger
}

func RegisterPredictRoutes(e *echo.Group, ph *predict.PredictHandler, log *zap.SugaredLogger) {
	pr := PredictRouter{ph: ph, log: log}
	e.POST("/predict", pr.Predict)
}

func readHeaders(r *http.Request) shared.RequestHeaders {
	return shared.RequestHeaders{
		AuthToken:     r.Header.Get(shared.HeaderAuthToken),
		TransactionID: r.Header.Get(shared.HeaderTransactionID),
		AppID:         r.Header.Get(shared.HeaderAppID),
		EnvType:       r.Header.Get(shared.HeaderEnvType),
	}
}

func (pr *PredictRouter) Predict(cc echo.Context) error {
	c := cc.(*ctx.Context)
	modelID := c.QueryParam("model_id")
	headers := readHeaders(c.Request())

	c.LogValues.ModelID = modelID
	c.LogValues.TransactionID = headers.TransactionID
	c.LogValues.EnvType = headers.EnvType
	c.Log = c.Log.With("transaction_id", headers.TransactionID, "model_id", modelID)

	if modelID == "" {
		c.LogValues.AddError(errors.New("missing model_id"))
		return c.JSON(http.StatusUnprocessableEntity, shared.ErrorBody{Detail: "model_id query parameter is required"})
	}
	c.Log.Infow("Received prediction request")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		c.LogValues.AddError(err)
		return c.JSON(http.StatusBadRequest, shared.ErrorBody{Detail: "failed to read request body"})
	}
	if !json.Valid(body) {
		c.LogValues.AddError(errors.New("request body is not valid json"))
		return c.JSON(http.StatusBadRequest, shared.ErrorBody{Detail: "request body must be valid JSON"})
	}

	out, err := pr.ph.DoPrediction(predict.PredictionInput{
		Ctx:     c.Request().Context(),
		ModelID: modelID,
		Headers: headers,
		Body:    body,
		Log:     c.Log,
	})
	if out != nil {
		c.LogValues.Stage = out.Stage
		if out.Caller != nil {
			c.LogValues.Username = out.Caller.Username
			c.LogValues.EntityID = out.Caller.EntityID.String()
		}
	}
	if err != nil {
		c.LogValues.AddError(err)
		return writeError(c, err)
	}

	c.LogValues.PayloadType = string(out.Response.PayloadType)
	return c.JSON(http.StatusOK, out.Response)
}

// writeError sends the caller facing part of err. Anything that is not a
// RequestError is reported as a bare internal error.
func writeError(c *ctx.Context, err error) error {
	var rerr *shared.RequestError
	if !errors.As(err, &rerr) {
		return c.JSON(http.StatusInternalServerError, shared.ErrorBody{Detail: shared.ErrInternalServerError.Err.Error()})
	}
	if rerr.Kind == shared.KindTooManyRequests {
		c.Response().Header().Set("Retry-After", strconv.Itoa(shared.RateLimitRetryAfter))
	}
	return c.JSON(rerr.StatusCode, shared.ErrorBody{Detail: rerr.Detail()})
}
