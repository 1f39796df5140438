package middleware

import (
	"fmt"
	"time"

	"model-gateway/internal/ctx"
	"model-gateway/internal/metrics"
	"model-gateway/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func NewTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID, _ := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 28)
			reqID = "req_" + reqID
			logger := log.With("request_id", reqID)

			start := time.Now()
			cc := &ctx.Context{
				Context: c,
				Log:     logger,
				Reqid:   reqID,
				LogValues: &ctx.ContextLogValues{
					RequestID: reqID,
					StartTime: start,
					Path:      c.Path(),
				},
			}
			err := next(cc)
			if err != nil {
				// let echo write the response so the status below is final
				cc.LogValues.AddError(err)
				c.Error(err)
			}

			lv := cc.LogValues
			lv.RequestDuration = time.Since(start)
			lv.StatusCode = cc.Response().Status
			logEndOfRequest(cc.Log, lv)
			metrics.ResponseCodes.WithLabelValues(cc.Path(), fmt.Sprintf("%d", lv.StatusCode)).Inc()
			return nil
		}
	}
}

func logEndOfRequest(log *zap.SugaredLogger, lv *ctx.ContextLogValues) {
	level := lv.LogLevel
	if level == "" {
		switch {
		case lv.StatusCode >= 500:
			level = "ERROR"
		case lv.StatusCode >= 400:
			level = "WARN"
		default:
			level = "INFO"
		}
	}
	switch level {
	case "ERROR":
		log.Errorw("end_of_request", "values", lv)
	case "WARN":
		log.Warnw("end_of_request", "values", lv)
	default:
		log.Infow("end_of_request", "values", lv)
	}
}

func NewRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			defer func() {
				_ = log.Sync()
			}()
			log.Errorw("Api Panic", "error", err.Error(), "stack", string(stack))
			return c.JSON(500, shared.ErrorBody{Detail: shared.ErrInternalServerError.Err.Error()})
		},
	})
}
