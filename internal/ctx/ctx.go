// Package ctx
package ctx

import (
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextLogValues should only be accessed for logging, and not for
// actual business logic, or any other logic
type ContextLogValues struct {
	// Added in base middleware
	RequestID       string
	StartTime       time.Time
	StatusCode      int
	RequestDuration time.Duration
	Path            string

	// Added in the predict router
	TransactionID string
	ModelID       string
	EnvType       string

	// Added once the caller is admitted
	Username string
	EntityID string

	// Last pipeline stage reached, and the payload type returned
	Stage       string
	PayloadType string

	// Override log Log Level
	LogLevel string

	// Added dynamically
	Error error
}

// AddError adds errors to the error chain. Always add errors, even if only warnings.
// Log level is determined by the status code of the reuqest
func (c *ContextLogValues) AddError(err error) {
	if c.Error == nil {
		c.Error = err
		return
	}
	c.Error = fmt.Errorf("%w: %w", err, c.Error)
}

func (c *ContextLogValues) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if c.Username != "" {
		enc.AddString("username", c.Username)
		enc.AddString("entity_id", c.EntityID)
	}
	if c.TransactionID != "" {
		enc.AddString("transaction_id", c.TransactionID)
	}
	if c.ModelID != "" {
		enc.AddString("model_id", c.ModelID)
	}
	if c.EnvType != "" {
		enc.AddString("env_type", c.EnvType)
	}
	if c.Stage != "" {
		enc.AddString("stage", c.Stage)
	}
	if c.PayloadType != "" {
		enc.AddString("payload_type", c.PayloadType)
	}
	enc.AddString("request_id", c.RequestID)
	enc.AddTime("start_time", c.StartTime)
	enc.AddDuration("request_duration", c.RequestDuration)
	enc.AddInt("status_code", c.StatusCode)
	if c.Error != nil {
		enc.AddString("error", c.Error.Error())
	}
	enc.AddString("path", c.Path)
	return nil
}

type Context struct {
	echo.Context
	Log       *zap.SugaredLogger
	Reqid     string
	LogValues *ContextLogValues
}
