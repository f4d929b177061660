package models

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Channel  ChannelConfig  `json:"channel"`
	Crm      CrmConfig      `json:"crm"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Cache    CacheConfig    `json:"cache"`
	Queue    QueueConfig    `json:"queue"`
	Tracing  TracingConfig  `json:"tracing"`
	LogLevel string         `json:"log_level"`
}

// ServerConfig holds HTTP server related configurations
type ServerConfig struct {
	Port            int `json:"port"`
	ReadTimeoutSec  int `json:"readTimeoutSec"`
	WriteTimeoutSec int `json:"writeTimeoutSec"`
	IdleTimeoutSec  int `json:"idleTimeoutSec"`
}

// ChannelConfig holds inbound messaging platform configurations
type ChannelConfig struct {
	APIBaseURL     string `json:"api_base_url"`
	APIVersion     string `json:"api_version"`
	PhoneNumberID  string `json:"phone_number_id"`
	AccessToken    string `json:"access_token"`
	VerifyToken    string `json:"verify_token"`
	TimeoutSec     int    `json:"timeoutSec"`
}

// CrmConfig holds CRM platform configurations. The OAuth token pair itself
// lives in the database and is rotated at runtime; only the static tenant
// coordinates belong here.
type CrmConfig struct {
	PortalAddress string `json:"portal_address"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	ConnectorLine string `json:"connector_line"`
	TimeoutSec    int    `json:"timeoutSec"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// RedisConfig holds the Redis connection used for the queues and the
// shared cache. When Addr is empty the service runs with in-process
// equivalents (single node only).
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Group    string `json:"group"`
	Consumer string `json:"consumer"`
}

// CacheConfig holds TTLs for the mapping cache and dedup markers.
// DedupTTLSec bounds the dedup guarantee to a rolling window: a redelivery
// older than the window may be reprocessed.
type CacheConfig struct {
	MappingTTLSec int `json:"mappingTTLSec"`
	DedupTTLSec   int `json:"dedupTTLSec"`
}

// QueueConfig holds worker pool sizing and retry policy per queue family.
type QueueConfig struct {
	InboundConcurrency  int `json:"inboundConcurrency"`
	OutboundConcurrency int `json:"outboundConcurrency"`
	SendConcurrency     int `json:"sendConcurrency"`
	RelayMaxAttempts    int `json:"relayMaxAttempts"`
	SendMaxAttempts     int `json:"sendMaxAttempts"`
	InitialBackoffMs    int `json:"initialBackoffMs"`
	MaxBackoffMs        int `json:"maxBackoffMs"`
	RatePerSecond       int `json:"ratePerSecond"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlpEndpoint"`
	SampleRate     float64 `json:"sampleRate"`
	UseStdout      bool    `json:"useStdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
