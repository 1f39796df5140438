// Package admission runs the checks a prediction request has to pass before
// anything is sent to a model.
package admission

import (
	"context"
	"errors"
	"slices"
	"strings"

	"model-gateway/internal/ratelimit"
	"model-gateway/internal/shared"

	"go.uber.org/zap"
)

const (
	StageHeaders   = "headers"
	StageAuth      = "authenticate"
	StageBalance   = "balance"
	StageApp       = "app_authorization"
	StageModel     = "model_authorization"
	StageRateLimit = "rate_limit"
)

// Directory is the set of remote lookups admission needs. upstream.Session
// implements it.
type Directory interface {
	ValidateUser(ctx context.Context, token string) (*shared.Caller, error)
	ValidateBalance(ctx context.Context, caller *shared.Caller, modelID string, h shared.RequestHeaders) error
	AuthorizedModels(ctx context.Context, appID string) ([]string, error)
	ModelRecord(ctx context.Context, modelID string) (*shared.ModelRecord, error)
	ProjectOwner(ctx context.Context, projectID string) (shared.ID, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, username string) (ratelimit.Decision, error)
}

type Request struct {
	ModelID string
	Headers shared.RequestHeaders
	Log     *zap.SugaredLogger
}

type Admitted struct {
	Caller *shared.Caller
	Model  *shared.ModelRecord
}

type Chain struct {
	limiter RateLimiter
	log     *zap.SugaredLogger
}

// New builds the chain. A nil limiter means rate limiting is off and the
// stage always passes.
func New(limiter RateLimiter, log *zap.SugaredLogger) *Chain {
	return &Chain{limiter: limiter, log: log}
}

func (c *Chain) RateLimited() bool {
	return c.limiter != nil
}

func IsSessionToken(token string) bool {
	return strings.HasPrefix(token, shared.SessionTokenPrefix)
}

// CheckHeaders validates the headers without any remote call
func CheckHeaders(h shared.RequestHeaders) error {
	if h.AuthToken == "" {
		return &shared.RequestError{
			StatusCode: 400,
			Kind:       shared.KindBadRequest,
			Err:        errors.New("vps-auth-token is missing or empty in the request header, stopping the prediction process"),
		}
	}
	if h.TransactionID == "" {
		return &shared.RequestError{
			StatusCode: 400,
			Kind:       shared.KindBadRequest,
			Err:        errors.New("transaction-id is missing or empty in the request header, stopping the prediction process"),
		}
	}
	if IsSessionToken(h.AuthToken) != (h.EnvType == shared.StreamlitEnv) {
		return shared.NewRequestError(shared.KindBadRequest, h.TransactionID, "session token is not allowed for vps-env-type: %s, stopping the prediction process", h.EnvType)
	}
	return nil
}

func fail(stage string, err error) error {
	return shared.WithStage(stage, err)
}

// Admit runs every check in order and stops at the first failure
func (c *Chain) Admit(ctx context.Context, dir Directory, req Request) (*Admitted, error) {
	log := req.Log
	if log == nil {
		log = c.log
	}
	h := req.Headers
	txID := h.TransactionID

	if h.EnvType == "" {
		log.Infow("vps-env-type is missing or empty, continuing")
	}
	if err := CheckHeaders(h); err != nil {
		return nil, fail(StageHeaders, err)
	}

	caller, err := dir.ValidateUser(ctx, h.AuthToken)
	if err != nil {
		return nil, fail(StageAuth, err)
	}

	log.Infow("Checking caller balance", "entity_id", caller.EntityID, "model_id", req.ModelID)
	if err := dir.ValidateBalance(ctx, caller, req.ModelID, h); err != nil {
		return nil, fail(StageBalance, err)
	}

	if h.EnvType == shared.StreamlitEnv {
		if err := c.authorizeApp(ctx, dir, caller, req, log); err != nil {
			return nil, fail(StageApp, err)
		}
	}

	model, err := c.authorizeModel(ctx, dir, caller, req.ModelID, txID, log)
	if err != nil {
		return nil, fail(StageModel, err)
	}

	if err := c.checkRateLimit(ctx, caller, txID, log); err != nil {
		return nil, fail(StageRateLimit, err)
	}

	return &Admitted{Caller: caller, Model: model}, nil
}

func (c *Chain) authorizeApp(ctx context.Context, dir Directory, caller *shared.Caller, req Request, log *zap.SugaredLogger) error {
	appID := req.Headers.AppID
	txID := req.Headers.TransactionID
	if appID == "" {
		return shared.NewRequestError(shared.KindBadRequest, txID, "vps-app-id is missing or empty in the request header, stopping the prediction process")
	}
	if caller.BoundAppID == "" {
		return shared.NewRequestError(shared.KindNotFound, txID, "access token is not assigned to any app, stopping the prediction process")
	}
	if caller.BoundAppID != shared.WildcardApp && caller.BoundAppID != appID {
		return shared.NewRequestError(shared.KindConflict, txID, "access token is assigned to the app: %s, not the app: %s, stopping the prediction process", caller.BoundAppID, appID)
	}

	models, err := dir.AuthorizedModels(ctx, appID)
	if err != nil {
		return err
	}
	log.Infow("Authorized models for app", "app_id", appID, "models", models)
	if !slices.Contains(models, req.ModelID) {
		return shared.NewRequestError(shared.KindForbidden, txID, "app: %s is not authorized to call the model: %s", appID, req.ModelID)
	}
	return nil
}

func (c *Chain) authorizeModel(ctx context.Context, dir Directory, caller *shared.Caller, modelID, txID string, log *zap.SugaredLogger) (*shared.ModelRecord, error) {
	model, err := dir.ModelRecord(ctx, modelID)
	if err != nil {
		return nil, err
	}

	owner := model.OwnerEntityID
	if owner == "" {
		if model.ProjectID == "" {
			return nil, shared.NewRequestError(shared.KindNotFound, txID, "project id not found for the model: %s", modelID)
		}
		owner, err = dir.ProjectOwner(ctx, model.ProjectID)
		if err != nil {
			return nil, err
		}
	}

	// the record may be shared through the cache, never mutate it
	resolved := *model
	resolved.OwnerEntityID = owner

	if resolved.IsPrivate() && caller.EntityID != owner {
		log.Warnw("Private model called by non owner", "username", caller.Username, "entity_id", caller.EntityID)
		return nil, shared.NewRequestError(shared.KindForbidden, txID, "user: %s does not have access to call the model: %s", caller.Username, modelID)
	}
	return &resolved, nil
}

func (c *Chain) checkRateLimit(ctx context.Context, caller *shared.Caller, txID string, log *zap.SugaredLogger) error {
	if c.limiter == nil {
		return nil
	}
	decision, err := c.limiter.Allow(ctx, caller.Username)
	if err != nil {
		log.Warnw("Rate limit store unavailable, skipping", "error", err)
		return nil
	}
	if !decision.Allowed {
		return shared.NewRequestError(shared.KindTooManyRequests, txID, "rate limit exceeded for user: %s, stopping the prediction process, please wait for %d seconds", caller.Username, shared.RateLimitRetryAfter)
	}
	return nil
}
