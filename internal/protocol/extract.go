package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedResponse = errors.New("model response does not match its deployment system")

// Extract pulls the generic output value out of a backend response body
func Extract(sys DeploymentSystem, body []byte) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	switch sys {
	case KserveV1:
		var res struct {
			Predictions []json.RawMessage `json:"predictions"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		if len(res.Predictions) == 0 {
			return nil, fmt.Errorf("%w: no predictions", ErrMalformedResponse)
		}
		return res.Predictions[0], nil
	case KserveV2:
		var res struct {
			Outputs []struct {
				Data json.RawMessage `json:"data"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		if len(res.Outputs) == 0 || len(res.Outputs[0].Data) == 0 {
			return nil, fmt.Errorf("%w: no output data", ErrMalformedResponse)
		}
		return res.Outputs[0].Data, nil
	case TextGeneration, Text2TextGeneration, TokenClassification, TextClassification, MLFlow:
		if !json.Valid(body) {
			return nil, fmt.Errorf("%w: body is not json", ErrMalformedResponse)
		}
		return json.RawMessage(body), nil
	default:
		return nil, ErrUnsupportedDeployment
	}
}
