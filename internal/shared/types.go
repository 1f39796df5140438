package shared

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type PayloadType string

const (
	PayloadContent PayloadType = "content"
	PayloadURL     PayloadType = "url"
)

func (p PayloadType) Valid() bool {
	return p == PayloadContent || p == PayloadURL
}

// PredictionResponse is the body returned to the caller. OutputData is set
// for content payloads and PayloadURL for url payloads, never both.
type PredictionResponse struct {
	OutputData  json.RawMessage `json:"output_data"`
	PayloadType PayloadType     `json:"payload_type"`
	PayloadURL  *string         `json:"payload_url"`
	Extractor   *string         `json:"extractor"`
}

// ContentResponse wraps an inline value
func ContentResponse(data json.RawMessage) *PredictionResponse {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return &PredictionResponse{OutputData: data, PayloadType: PayloadContent}
}

// URLResponse points the caller at an object. extractor may be empty when
// the stored object is already in its final shape.
func URLResponse(url string, extractor string) *PredictionResponse {
	res := &PredictionResponse{
		OutputData:  json.RawMessage("null"),
		PayloadType: PayloadURL,
		PayloadURL:  &url,
	}
	if extractor != "" {
		res.Extractor = &extractor
	}
	return res
}

// RequestHeaders are the inbound headers the pipeline cares about
type RequestHeaders struct {
	AuthToken     string
	TransactionID string
	AppID         string
	EnvType       string
}

// ErrorBody is the json body of every failed request
type ErrorBody struct {
	Detail string `json:"detail"`
}

// Caller is resolved once per request from the auth token
type Caller struct {
	Username   string
	EntityID   ID
	BoundAppID string
}

// ModelRecord is the catalog entry of a model. ModelDetails and Notes are
// kept raw, the catalog stores them as json encoded strings.
type ModelRecord struct {
	ModelID       string          `json:"model_id"`
	ProjectID     string          `json:"project_id"`
	APIAccess     string          `json:"api_access"`
	ModelDetails  json.RawMessage `json:"model_details,omitempty"`
	Notes         json.RawMessage `json:"notes,omitempty"`
	OwnerEntityID ID              `json:"owner_entity_id,omitempty"`
}

func (m *ModelRecord) IsPrivate() bool {
	return m.APIAccess == "private"
}

// ID accepts identifiers sent either as json strings or numbers
type ID string

func (i *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*i = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*i = ID(n.String())
	return nil
}

func (i ID) String() string {
	return string(i)
}
