package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"model-gateway/internal/ctx"
	"model-gateway/internal/shared"

	"github.com/labstack/echo/v4"
)

// RequireAPIKey guards ops endpoints behind a bearer key. An empty key
// rejects every request.
func RequireAPIKey(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(cc echo.Context) error {
			apiKey, err := shared.ExtractAPIKey(cc)
			if err == nil && (key == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) != 1) {
				err = errors.New("invalid api key")
			}
			if err != nil {
				if c, ok := cc.(*ctx.Context); ok {
					c.LogValues.AddError(err)
				}
				return cc.JSON(http.StatusUnauthorized, shared.ErrorBody{Detail: "unauthorized"})
			}
			return next(cc)
		}
	}
}
