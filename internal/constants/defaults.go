package constants

// Default queue configuration values
const (
	DefaultInboundRelayConcurrency  = 10
	DefaultOutboundRelayConcurrency = 8
	DefaultSendConcurrency          = 5
	DefaultRelayMaxAttempts         = 3
	DefaultSendMaxAttempts          = 5
	DefaultRetryBackoffMs           = 1000
	DefaultMaxBackoffMs             = 60000
	DefaultQueueRatePerSecond       = 10
)

// Default cache TTLs in seconds
const (
	DefaultMappingCacheTTLSec = 3600
	DefaultDedupTTLSec        = 300
	DefaultCreateLockTTLSec   = 30
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec        = 30
	DefaultDatabaseRetryAttempts = 3
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultServerPort            = 8082
)

// Default integration settings
const (
	DefaultChannelAPIVersion = "v17.0"
	DefaultConnectorLine     = "1"
	DefaultConsumerGroup     = "whatrix"
)

// TokenRefreshMarginMin is applied before the stored token expiry. The
// margin absorbs clock skew and in-flight request latency so a token never
// expires mid-request.
const TokenRefreshMarginMin = 5

// CrmSystemUserID is the sentinel user id the CRM puts on system/automated
// messages. Events from this user must never be relayed back to the channel.
const CrmSystemUserID = "0"

// DefaultPhoneMaskLength is how many trailing digits survive phone
// masking in logs.
const DefaultPhoneMaskLength = 4

const ServerErrorChannelSize = 1
