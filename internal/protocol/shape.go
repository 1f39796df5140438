package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("prediction input is not valid json")
	ErrMissingModelDetails = errors.New("model details are required for this deployment system")
)

type ShapeParams struct {
	ServiceName string
	Details     *ModelDetails
	Generation  GenerationOptions
}

type instancesRequest struct {
	Instances []json.RawMessage `json:"instances"`
}

type tensorRequest struct {
	Inputs []tensorInput `json:"inputs"`
}

type tensorInput struct {
	Data     json.RawMessage `json:"data"`
	Shape    json.RawMessage `json:"shape"`
	Datatype json.RawMessage `json:"datatype"`
	Name     json.RawMessage `json:"name"`
}

type completionRequest struct {
	Model     string          `json:"model"`
	Prompt    json.RawMessage `json:"prompt"`
	Stream    bool            `json:"stream"`
	MaxTokens int             `json:"max_tokens"`
}

// Shape builds the backend request body for input. Output only depends on
// the arguments, the same call always yields the same bytes.
func Shape(sys DeploymentSystem, input json.RawMessage, p ShapeParams) ([]byte, error) {
	input = bytes.TrimSpace(input)
	if !json.Valid(input) {
		return nil, ErrInvalidInput
	}

	switch sys {
	case KserveV1, TokenClassification, TextClassification:
		return json.Marshal(instancesRequest{Instances: []json.RawMessage{input}})
	case KserveV2:
		if p.Details == nil {
			return nil, ErrMissingModelDetails
		}
		in := p.Details.Input
		return json.Marshal(tensorRequest{Inputs: []tensorInput{{
			Data:     input,
			Shape:    orNull(in.Dims),
			Datatype: orNull(in.DataType),
			Name:     orNull(in.Name),
		}}})
	case MLFlow:
		return shapeMLFlow(input)
	case TextGeneration, Text2TextGeneration:
		return json.Marshal(completionRequest{
			Model:     p.ServiceName,
			Prompt:    input,
			Stream:    false,
			MaxTokens: p.Generation.maxTokens(),
		})
	default:
		return nil, ErrUnsupportedDeployment
	}
}

// MLFlow callers embed the tensor description in the input. A list input
// takes shape, datatype and name from its first element, and that element's
// data when it has any. Inputs that are not a list of objects are forwarded
// untouched.
func shapeMLFlow(input json.RawMessage) ([]byte, error) {
	if input[0] != '[' {
		return input, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(input, &items); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if len(items) == 0 || items[0][0] != '{' {
		return input, nil
	}
	var first tensorInput
	if err := json.Unmarshal(items[0], &first); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	data := first.Data
	if len(data) == 0 {
		data = input
	}
	return json.Marshal(tensorRequest{Inputs: []tensorInput{{
		Data:     data,
		Shape:    orNull(first.Shape),
		Datatype: orNull(first.Datatype),
		Name:     orNull(first.Name),
	}}})
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
