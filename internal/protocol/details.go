package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const defaultMaxTokens = 100

var ErrInvalidModelDetails = errors.New("invalid model details")

// tensor backends need to know how to describe the input
const tensorDetailsSchema = `{
	"type": "object",
	"required": ["input"],
	"properties": {
		"input": {
			"type": "object",
			"required": ["name", "dims", "data_type"],
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"dims": {"type": "array", "items": {"type": "integer"}},
				"data_type": {"type": "string", "minLength": 1}
			}
		}
	}
}`

var tensorSchema = gojsonschema.NewStringLoader(tensorDetailsSchema)

type ModelDetails struct {
	Input TensorSpec `json:"input"`
}

type TensorSpec struct {
	Name     json.RawMessage `json:"name"`
	Dims     json.RawMessage `json:"dims"`
	DataType json.RawMessage `json:"data_type"`
}

type GenerationOptions struct {
	MaxTokens int
}

func (g GenerationOptions) maxTokens() int {
	if g.MaxTokens <= 0 {
		return defaultMaxTokens
	}
	return g.MaxTokens
}

// ParseModelDetails decodes the model_details blob of a catalog record. The
// catalog stores it either as an object or as a json encoded string. For
// KserveV2 the blob must describe the input tensor, other systems accept an
// empty blob.
func ParseModelDetails(sys DeploymentSystem, raw json.RawMessage) (*ModelDetails, error) {
	doc, err := unwrapEmbedded(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModelDetails, err)
	}
	if doc == nil {
		if sys == KserveV2 {
			return nil, fmt.Errorf("%w: missing", ErrInvalidModelDetails)
		}
		return nil, nil
	}

	if sys == KserveV2 {
		result, err := gojsonschema.Validate(tensorSchema, gojsonschema.NewBytesLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidModelDetails, err)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return nil, fmt.Errorf("%w: %s", ErrInvalidModelDetails, strings.Join(msgs, "; "))
		}
	}

	var details ModelDetails
	if err := json.Unmarshal(doc, &details); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModelDetails, err)
	}
	return &details, nil
}

// ParseGenerationOptions reads generation limits out of the model notes.
// hf_max_token may be a number or a numeric string, anything falsy keeps the
// default.
func ParseGenerationOptions(notes json.RawMessage) (GenerationOptions, error) {
	opts := GenerationOptions{MaxTokens: defaultMaxTokens}
	doc, err := unwrapEmbedded(notes)
	if err != nil || doc == nil {
		return opts, err
	}
	var parsed struct {
		HFMaxToken json.RawMessage `json:"hf_max_token"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return opts, fmt.Errorf("invalid model notes: %w", err)
	}
	raw := bytes.Trim(bytes.TrimSpace(parsed.HFMaxToken), `"`)
	if len(raw) == 0 || string(raw) == "null" {
		return opts, nil
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return opts, fmt.Errorf("invalid hf_max_token %s: %w", parsed.HFMaxToken, err)
	}
	if n > 0 {
		opts.MaxTokens = n
	}
	return opts, nil
}

// unwrapEmbedded returns the json document in raw, decoding it first when it
// was stored as a string. Empty values return nil.
func unwrapEmbedded(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] != '"' {
		if !json.Valid(raw) {
			return nil, errors.New("not valid json")
		}
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, errors.New("embedded value is not valid json")
	}
	return []byte(s), nil
}
