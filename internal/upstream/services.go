package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"model-gateway/internal/deployment"
	"model-gateway/internal/shared"
)

type validateUserResponse struct {
	Result   bool      `json:"result"`
	Username string    `json:"username"`
	EntityID shared.ID `json:"entity_id"`
	AppID    string    `json:"vps_app_id"`
}

type resultResponse struct {
	Result bool `json:"result"`
}

type appResponse struct {
	Result bool `json:"result"`
	Data   struct {
		AuthModelIDs []string `json:"auth_model_ids"`
	} `json:"data"`
}

type modelResponse struct {
	Result bool                `json:"result"`
	Data   *shared.ModelRecord `json:"data"`
}

type ownerResponse struct {
	EntityID shared.ID `json:"entity_id"`
}

// ValidateUser resolves the caller behind an auth token
func (s *Session) ValidateUser(ctx context.Context, token string) (*shared.Caller, error) {
	ctx, cancel := s.metadataContext(ctx)
	defer cancel()

	body, err := json.Marshal(map[string]string{shared.HeaderAuthToken: token})
	if err != nil {
		return nil, err
	}
	req, err := NewRequest(ctx, http.MethodPost, join(s.cfg.UserAdminURL, "/validate_user"), bytes.NewReader(body), nil, s.txID)
	if err != nil {
		return nil, err
	}

	var res validateUserResponse
	if err := s.DoJSON(req, "authenticating the vps-auth-token", &res); err != nil {
		return nil, err
	}
	if !res.Result {
		return nil, shared.NewRequestError(shared.KindUnauthorized, s.txID, "the vps-auth-token is invalid, stopping the prediction process")
	}
	if res.Username == "" {
		return nil, shared.NewRequestError(shared.KindNotFound, s.txID, "username not found for the vps-auth-token, stopping the prediction process")
	}
	return &shared.Caller{
		Username:   res.Username,
		EntityID:   res.EntityID,
		BoundAppID: res.AppID,
	}, nil
}

// ValidateBalance checks the caller can pay for a prediction of modelID
func (s *Session) ValidateBalance(ctx context.Context, caller *shared.Caller, modelID string, h shared.RequestHeaders) error {
	ctx, cancel := s.metadataContext(ctx)
	defer cancel()

	q := url.Values{}
	q.Set("entity_id", caller.EntityID.String())
	q.Set("model_id", modelID)

	header := http.Header{}
	if h.EnvType != "" {
		header.Set(shared.HeaderEnvType, h.EnvType)
	}
	if h.AppID != "" {
		header.Set(shared.HeaderAppID, h.AppID)
	}
	req, err := NewRequest(ctx, http.MethodGet, join(s.cfg.PaymentURL, "/balance/validate/prediction")+"?"+q.Encode(), nil, header, s.txID)
	if err != nil {
		return err
	}

	var res resultResponse
	if err := s.DoJSON(req, "validating the entity "+caller.EntityID.String()+" balance", &res); err != nil {
		return err
	}
	if !res.Result {
		return shared.NewRequestError(shared.KindPaymentRequired, s.txID, "user has insufficient balance to run the model")
	}
	return nil
}

// AuthorizedModels lists the models an app may call
func (s *Session) AuthorizedModels(ctx context.Context, appID string) ([]string, error) {
	ctx, cancel := s.metadataContext(ctx)
	defer cancel()

	q := url.Values{}
	q.Set("app_id", appID)
	req, err := NewRequest(ctx, http.MethodGet, join(s.cfg.ProjectAdminURL, "/app/exists")+"?"+q.Encode(), nil, nil, s.txID)
	if err != nil {
		return nil, err
	}

	var res appResponse
	if err := s.DoJSON(req, "getting the list of authorized models for the app", &res); err != nil {
		return nil, err
	}
	if !res.Result {
		return nil, shared.NewRequestError(shared.KindNotFound, s.txID, "app %s not found in the project admin service", appID)
	}
	return slices.Clone(res.Data.AuthModelIDs), nil
}

// ModelRecord fetches the catalog record of a model, through the cache when
// one is configured
func (s *Session) ModelRecord(ctx context.Context, modelID string) (*shared.ModelRecord, error) {
	if rec, ok := s.cache.Get(ctx, modelID); ok {
		return rec, nil
	}

	mctx, cancel := s.metadataContext(ctx)
	defer cancel()

	q := url.Values{}
	q.Set("model_id", modelID)
	req, err := NewRequest(mctx, http.MethodGet, join(s.cfg.ProjectAdminURL, "/model/exists")+"?"+q.Encode(), nil, nil, s.txID)
	if err != nil {
		return nil, err
	}

	var res modelResponse
	if err := s.DoJSON(req, "getting the model details", &res); err != nil {
		return nil, err
	}
	if !res.Result || res.Data == nil {
		return nil, shared.NewRequestError(shared.KindNotFound, s.txID, "model %s not found", modelID)
	}
	if res.Data.ModelID == "" {
		res.Data.ModelID = modelID
	}
	s.cache.Set(modelID, res.Data)
	return res.Data, nil
}

// ProjectOwner returns the entity owning a project
func (s *Session) ProjectOwner(ctx context.Context, projectID string) (shared.ID, error) {
	ctx, cancel := s.metadataContext(ctx)
	defer cancel()

	q := url.Values{}
	q.Set("project_id", projectID)
	req, err := NewRequest(ctx, http.MethodGet, join(s.cfg.ProjectAdminURL, "/get_user_id_from_project")+"?"+q.Encode(), nil, nil, s.txID)
	if err != nil {
		return "", err
	}

	var res ownerResponse
	if err := s.DoJSON(req, "getting the entity id for the project", &res); err != nil {
		return "", err
	}
	if res.EntityID == "" {
		return "", shared.NewRequestError(shared.KindNotFound, s.txID, "entity id not found for the project %s", projectID)
	}
	return res.EntityID, nil
}

// DeploymentInfo fetches the deployment of a model and its transformer
func (s *Session) DeploymentInfo(ctx context.Context, modelID string) (*deployment.Info, error) {
	ctx, cancel := s.metadataContext(ctx)
	defer cancel()

	q := url.Values{}
	q.Set("model_id", modelID)
	req, err := NewRequest(ctx, http.MethodGet, join(s.cfg.DeployAdminURL, "/deploy/model/transformer/info")+"?"+q.Encode(), nil, nil, s.txID)
	if err != nil {
		return nil, err
	}

	var info deployment.Info
	if err := s.DoJSON(req, "getting the deployment details for the model", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func join(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}
