package shared

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindBadRequest
	KindUnauthorized
	KindPaymentRequired
	KindForbidden
	KindNotFound
	KindConflict
	KindTooManyRequests
	KindUpstream
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindPaymentRequired:
		return "payment_required"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTooManyRequests:
		return "too_many_requests"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// StatusCode is the default http status for the kind. Upstream errors carry
// the status of the dependency that failed instead.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindBadRequest:
		return 400
	case KindUnauthorized:
		return 401
	case KindPaymentRequired:
		return 402
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindTooManyRequests:
		return 429
	default:
		return 500
	}
}

// RequestError is used when we want a specific error message and StatusCode.
// The message inside Err is returned to the caller as is, so anything that
// should only show up in logs should be joined onto the chain instead
type RequestError struct {
	StatusCode int
	Kind       ErrorKind
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

func (r *RequestError) Unwrap() error {
	return r.Err
}

// Detail is the caller facing message
func (r *RequestError) Detail() string {
	if r.Err == nil {
		return r.Kind.String()
	}
	return r.Err.Error()
}

// NewRequestError builds a RequestError whose message is prefixed with the
// transaction id so it can be correlated across services.
func NewRequestError(kind ErrorKind, txID string, format string, args ...any) *RequestError {
	return &RequestError{
		StatusCode: kind.StatusCode(),
		Kind:       kind,
		Err:        fmt.Errorf("transaction-id: %s, "+format, append([]any{txID}, args...)...),
	}
}

// UpstreamError forwards the status code of a failed dependency.
func UpstreamError(status int, txID string, format string, args ...any) *RequestError {
	err := NewRequestError(KindUpstream, txID, format, args...)
	err.StatusCode = status
	return err
}

// KindOf returns the kind of the first RequestError in the chain, Internal
// when there is none.
func KindOf(err error) ErrorKind {
	var rerr *RequestError
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return KindInternal
}

var (
	ErrMissingAuth   = &RequestError{Err: errors.New("missing authorization header"), StatusCode: 401, Kind: KindUnauthorized}
	ErrInvalidFormat = &RequestError{Err: errors.New("invalid authentication format"), StatusCode: 401, Kind: KindUnauthorized}

	ErrInternalServerError = &RequestError{Err: errors.New("internal server error"), StatusCode: 500, Kind: KindInternal}

	ErrBackendRequest    = &MetricsError{Msg: "failed to send http request to model", Code: "model_http_err"}
	ErrBackendStatus     = &MetricsError{Msg: "model responded with non-2xx", Code: "model_http_status_err"}
	ErrBackendRead       = &MetricsError{Msg: "failed to read model response", Code: "model_response_err"}
	ErrBackendMalformed  = &MetricsError{Msg: "model response did not match its deployment system", Code: "model_response_shape_err"}
	ErrOffload           = &MetricsError{Msg: "failed to offload model response", Code: "offload_err"}
	ErrPresign           = &MetricsError{Msg: "failed to presign object url", Code: "presign_err"}
	ErrTransformContract = &MetricsError{Msg: "transform service broke its contract", Code: "transform_contract_err"}
	ErrDependency        = &MetricsError{Msg: "dependency request failed", Code: "dependency_err"}
)

type MetricsError struct {
	Msg  string
	Code string
}

func (m *MetricsError) Error() string {
	return m.String()
}

func (m *MetricsError) String() string {
	return m.Msg
}

// MetricsCode returns the code of the first MetricsError in the chain
func MetricsCode(err error) string {
	var merr *MetricsError
	if errors.As(err, &merr) {
		return merr.Code
	}
	return "unknown"
}

// StageError tags a failure with the pipeline stage that produced it
type StageError struct {
	Stage string
	Err   error
}

func (s *StageError) Error() string {
	return s.Stage + ": " + s.Err.Error()
}

func (s *StageError) Unwrap() error {
	return s.Err
}

func WithStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage of the first StageError in the chain
func StageOf(err error) string {
	var serr *StageError
	if errors.As(err, &serr) {
		return serr.Stage
	}
	return ""
}
