package shared

import "time"

// Inbound headers
const (
	HeaderAuthToken     = "vps-auth-token"
	HeaderTransactionID = "transaction-id"
	HeaderAppID         = "vps-app-id"
	HeaderEnvType       = "vps-env-type"

	// set on post transform calls
	HeaderPayloadType = "payload_type"
)

const (
	StreamlitEnv       = "vipas-streamlit"
	SessionTokenPrefix = "sat-"
	WildcardApp        = "app-*"
)

// HTTP Client Configuration
const (
	DefaultMetadataTimeout   = 10 * time.Second
	DefaultPredictionTimeout = 5 * time.Minute
	DefaultShutdownTimeout   = 10 * time.Minute
	DialTimeout              = 2 * time.Second
	MaxErrorDetailBytes      = 1 << 10
)

// Rate limit Configuration
const (
	DefaultMaxRateLimit    = 60
	DefaultRateLimitWindow = 60 * time.Second
	RateLimitRetryAfter    = 60
)

// Object storage Configuration
const (
	MiB                   = 1 << 20
	DefaultInlineLimit    = 5 * MiB
	DefaultChunkSize      = 5 * MiB
	MinMultipartChunkSize = 5 * MiB
	DefaultMaxPostSize    = 500 * MiB
	DefaultPresignTTL     = 300 * time.Second

	PredictionObjectName    = "model_prediction_response.txt"
	PostProcessorObjectName = "post_processor_response.txt"
	PostProcessorFileType   = "text/plain"
)

// Bucket Configuration
const (
	BucketFlushInterval = 1 * time.Minute
	BucketRetryDelay    = 30 * time.Second
	MaxFlushRetries     = 3
)
