package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"whatrix/internal/constants"
	"whatrix/internal/models"
)

var (
	ErrMissingChannelURL    = models.ConfigError{Message: "missing channel API base URL"}
	ErrMissingPhoneNumberID = models.ConfigError{Message: "missing channel phone number id"}
	ErrMissingPortal        = models.ConfigError{Message: "missing CRM portal address"}
	ErrMissingClientID      = models.ConfigError{Message: "missing CRM OAuth client id"}
	ErrMissingDBPath        = models.ConfigError{Message: "missing database path"}
)

func LoadConfig(path string) (*models.Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Channel.APIBaseURL == "" {
		return ErrMissingChannelURL
	}
	if c.Channel.PhoneNumberID == "" {
		return ErrMissingPhoneNumberID
	}
	if c.Crm.PortalAddress == "" {
		return ErrMissingPortal
	}
	if c.Crm.ClientID == "" {
		return ErrMissingClientID
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	if c.Channel.APIVersion == "" {
		c.Channel.APIVersion = constants.DefaultChannelAPIVersion
	}
	if c.Channel.TimeoutSec <= 0 {
		c.Channel.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Crm.TimeoutSec <= 0 {
		c.Crm.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Crm.ConnectorLine == "" {
		c.Crm.ConnectorLine = constants.DefaultConnectorLine
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.Redis.Addr != "" {
		if c.Redis.Group == "" {
			c.Redis.Group = constants.DefaultConsumerGroup
		}
		if c.Redis.Consumer == "" {
			host, err := os.Hostname()
			if err != nil || host == "" {
				host = fmt.Sprintf("consumer-%d", os.Getpid())
			}
			c.Redis.Consumer = host
		}
	}

	if c.Cache.MappingTTLSec <= 0 {
		c.Cache.MappingTTLSec = constants.DefaultMappingCacheTTLSec
	}
	if c.Cache.DedupTTLSec <= 0 {
		c.Cache.DedupTTLSec = constants.DefaultDedupTTLSec
	}

	if c.Queue.InboundConcurrency <= 0 {
		c.Queue.InboundConcurrency = constants.DefaultInboundRelayConcurrency
	}
	if c.Queue.OutboundConcurrency <= 0 {
		c.Queue.OutboundConcurrency = constants.DefaultOutboundRelayConcurrency
	}
	if c.Queue.SendConcurrency <= 0 {
		c.Queue.SendConcurrency = constants.DefaultSendConcurrency
	}
	if c.Queue.RelayMaxAttempts <= 0 {
		c.Queue.RelayMaxAttempts = constants.DefaultRelayMaxAttempts
	}
	if c.Queue.SendMaxAttempts <= 0 {
		c.Queue.SendMaxAttempts = constants.DefaultSendMaxAttempts
	}
	if c.Queue.InitialBackoffMs <= 0 {
		c.Queue.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Queue.MaxBackoffMs <= 0 {
		c.Queue.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Queue.RatePerSecond <= 0 {
		c.Queue.RatePerSecond = constants.DefaultQueueRatePerSecond
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "whatrix"
	}
	if c.Tracing.ServiceVersion == "" {
		c.Tracing.ServiceVersion = "dev"
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 0.1
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("CHANNEL_API_URL"); url != "" {
		c.Channel.APIBaseURL = url
	}

	// SECURITY: tokens and secrets should come from the environment, not
	// the config file.
	if token := os.Getenv("WHATRIX_CHANNEL_ACCESS_TOKEN"); token != "" {
		c.Channel.AccessToken = token
	}
	if token := os.Getenv("WHATRIX_CHANNEL_VERIFY_TOKEN"); token != "" {
		c.Channel.VerifyToken = token
	}
	if secret := os.Getenv("WHATRIX_CRM_CLIENT_SECRET"); secret != "" {
		c.Crm.ClientSecret = secret
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			c.Redis.DB = n
		}
	}

	if path := os.Getenv("DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if level := os.Getenv("WHATRIX_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("WHATRIX_ENV") == "production"

	if isProduction {
		if c.Channel.VerifyToken == "" {
			return models.ConfigError{Message: "channel verify token is required in production (set WHATRIX_CHANNEL_VERIFY_TOKEN environment variable)"}
		}
		if c.Crm.ClientSecret == "" {
			return models.ConfigError{Message: "CRM client secret is required in production (set WHATRIX_CRM_CLIENT_SECRET environment variable)"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else {
		if c.Channel.VerifyToken == "" {
			fmt.Fprintf(os.Stderr, "WARNING: channel verify token not set. Set WHATRIX_CHANNEL_VERIFY_TOKEN environment variable for security.\n")
		}
	}

	return nil
}
