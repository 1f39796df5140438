// Package transform drives the optional pre and post transform calls of a
// model with an attached transformer.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"model-gateway/internal/deployment"
	"model-gateway/internal/protocol"
	"model-gateway/internal/shared"
	"model-gateway/internal/storage"
	"model-gateway/internal/upstream"

	"go.uber.org/zap"
)

type CallType string

const (
	PreTransform  CallType = "pre_transform"
	PostTransform CallType = "post_transform"
)

// Payload is the result of a pipeline stage, either Content or Offloaded
type Payload interface {
	Type() shared.PayloadType
}

type Content struct {
	Data json.RawMessage
}

func (Content) Type() shared.PayloadType { return shared.PayloadContent }

// Offloaded is a value stored in the runtime bucket. Extractor is empty when
// the stored object is already in its final shape.
type Offloaded struct {
	Key         string
	DownloadURL string
	Extractor   protocol.Extractor
}

func (Offloaded) Type() shared.PayloadType { return shared.PayloadURL }

// Response turns a payload into the body returned to the caller
func Response(p Payload) *shared.PredictionResponse {
	switch p := p.(type) {
	case Offloaded:
		return shared.URLResponse(p.DownloadURL, string(p.Extractor))
	case Content:
		return shared.ContentResponse(p.Data)
	default:
		return shared.ContentResponse(nil)
	}
}

// Client sends one json request. upstream.Session implements it.
type Client interface {
	DoJSON(req *http.Request, op string, out any) error
}

type Chain struct {
	client  Client
	target  *deployment.Target
	runtime *storage.Runtime
	txID    string
	log     *zap.SugaredLogger
}

func New(client Client, target *deployment.Target, runtime *storage.Runtime, txID string, log *zap.SugaredLogger) *Chain {
	return &Chain{client: client, target: target, runtime: runtime, txID: txID, log: log}
}

type transformRequest struct {
	ProjectID     string   `json:"project_id"`
	ModelID       string   `json:"model_id"`
	TransformerID string   `json:"transformer_id"`
	CallType      CallType `json:"call_type"`
	Input         any      `json:"input"`
}

// Result is the body of a transform call
type Result struct {
	Data        json.RawMessage    `json:"data"`
	PayloadType shared.PayloadType `json:"payload_type"`
}

// offloadedInput is what the transform service receives when the prediction
// was offloaded, it fetches and uploads the objects itself
type offloadedInput struct {
	DownloadURL string                 `json:"presigned_download_url"`
	Upload      *storage.PresignedPost `json:"presigned_upload_url"`
	Extractor   protocol.Extractor     `json:"extractor"`
}

// Check asks the transform service whether a transform of callType applies
func (c *Chain) Check(ctx context.Context, callType CallType) (bool, error) {
	tr := c.target.Transformer
	q := url.Values{}
	q.Set("project_id", c.target.ProjectID)
	q.Set("model_id", c.target.ModelID)
	q.Set("transformer_id", tr.ID)
	q.Set("call_type", string(callType))

	req, err := upstream.NewRequest(ctx, http.MethodGet, tr.URL+"/check_transform?"+q.Encode(), nil, tr.Headers, c.txID)
	if err != nil {
		return false, err
	}
	var raw json.RawMessage
	if err := c.client.DoJSON(req, "checking if a "+string(callType)+" transform is required", &raw); err != nil {
		return false, err
	}
	return bytes.Equal(bytes.TrimSpace(raw), []byte("true")), nil
}

// Invoke runs the transform of callType on input
func (c *Chain) Invoke(ctx context.Context, callType CallType, input any, header http.Header) (*Result, error) {
	tr := c.target.Transformer
	body, err := json.Marshal(transformRequest{
		ProjectID:     c.target.ProjectID,
		ModelID:       c.target.ModelID,
		TransformerID: tr.ID,
		CallType:      callType,
		Input:         input,
	})
	if err != nil {
		return nil, errors.Join(shared.NewRequestError(shared.KindInternal, c.txID, "failed to encode the %s request", callType), err)
	}

	req, err := upstream.NewRequest(ctx, http.MethodPost, tr.URL+"/transform", bytes.NewReader(body), header, c.txID)
	if err != nil {
		return nil, err
	}
	var res Result
	if err := c.client.DoJSON(req, "transforming the input data", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Pre returns the prediction input, rewritten when a pre transform applies
func (c *Chain) Pre(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	ok, err := c.Check(ctx, PreTransform)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.log.Infow("No pre transform for the model")
		return input, nil
	}
	res, err := c.Invoke(ctx, PreTransform, input, c.target.Transformer.Headers)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(res.Data)) == 0 {
		c.log.Warnw("Pre transform returned no data, forwarding null")
		return json.RawMessage("null"), nil
	}
	return res.Data, nil
}

// Post applies the post transform to the prediction. The prediction is
// returned unchanged when no post transform applies.
func (c *Chain) Post(ctx context.Context, prediction Payload) (Payload, error) {
	ok, err := c.Check(ctx, PostTransform)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.log.Infow("No post transform for the model")
		return prediction, nil
	}

	postKey := c.runtime.PostProcessorKey(c.txID)
	var input any
	switch p := prediction.(type) {
	case Content:
		input = p.Data
	case Offloaded:
		upload, err := c.runtime.UploadForm(ctx, postKey)
		if err != nil {
			c.log.Errorw("Failed to presign post processor upload", "key", postKey, "error", err)
			return nil, errors.Join(
				shared.NewRequestError(shared.KindInternal, c.txID, "failed to generate the presigned upload url for the post processor response for the model %s", c.target.ModelID),
				shared.ErrPresign,
				err,
			)
		}
		input = offloadedInput{DownloadURL: p.DownloadURL, Upload: upload, Extractor: p.Extractor}
	default:
		return nil, shared.NewRequestError(shared.KindInternal, c.txID, "unknown prediction payload")
	}

	header := c.target.Transformer.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(shared.HeaderPayloadType, string(prediction.Type()))

	res, err := c.Invoke(ctx, PostTransform, input, header)
	if err != nil {
		return nil, err
	}

	switch res.PayloadType {
	case shared.PayloadURL:
		u, err := c.runtime.DownloadURL(ctx, postKey)
		if err != nil {
			return nil, errors.Join(
				shared.NewRequestError(shared.KindInternal, c.txID, "failed to generate the presigned download url for the post processor response for the model %s", c.target.ModelID),
				shared.ErrPresign,
				err,
			)
		}
		return Offloaded{Key: postKey, DownloadURL: u}, nil
	case shared.PayloadContent:
		return Content{Data: res.Data}, nil
	default:
		c.log.Errorw("Transform returned unsupported payload type", "payload_type", res.PayloadType)
		return nil, errors.Join(
			shared.NewRequestError(shared.KindInternal, c.txID, "payload type %s is not supported", res.PayloadType),
			shared.ErrTransformContract,
		)
	}
}
