package http

import "time"

// Routes
const (
	PathRPC     = "/rpc"
	PathLink    = "/link"
	PathStatus  = "/status"
	PathHealth  = "/healthz"
	PathMetrics = "/metrics"
	PathEvents  = "/events"
)

// Generic HTTP strings
const (
	HTTPErrorForbiddenText     = "forbidden"
	HTTPErrorForbiddenHostText = "forbidden host"
	HTTPErrorRateLimitedText   = "request rate exceeded"
)

const (
	// MaxRequestBodyBytes caps a single or batch JSON-RPC body.
	MaxRequestBodyBytes = 1 << 20
	// MaxBatchSize caps the number of calls in one batch.
	MaxBatchSize = 100

	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
)
