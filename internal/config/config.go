/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: parsing of fee and reward amount settings.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	ProviderModeSandbox = "sandbox"
	ProviderModeLive    = "live"

	defaultFeePercent      = "0.029"
	defaultFeeFlat         = "0.30"
	defaultRewardMin       = "1.00"
	defaultRewardMax       = "2000.00"
	defaultRateLimitPrefix = "giftpool:rate_limit"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix         string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	ReceiptRateLimitPerMinute    int    `mapstructure:"RECEIPT_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	EventsExchange               string `mapstructure:"EVENTS_EXCHANGE"`
	BatchCommandQueue            string `mapstructure:"BATCH_COMMAND_QUEUE"`
	ClerkJWKSURL                 string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey               string `mapstructure:"INTERNAL_API_KEY"`
	FeePercent                   string `mapstructure:"FEE_PERCENT"`
	FeeFlat                      string `mapstructure:"FEE_FLAT"`
	Currency                     string `mapstructure:"CURRENCY"`
	RewardProviderMode           string `mapstructure:"REWARD_PROVIDER_MODE"`
	RewardProviderOrder          string `mapstructure:"REWARD_PROVIDER_ORDER"`
	RewardTimeoutSeconds         int    `mapstructure:"REWARD_TIMEOUT_SECONDS"`
	RewardMinAmount              string `mapstructure:"REWARD_MIN_AMOUNT"`
	RewardMaxAmount              string `mapstructure:"REWARD_MAX_AMOUNT"`
	GiftCardEndpoint             string `mapstructure:"GIFTCARD_ENDPOINT"`
	GiftCardRegion               string `mapstructure:"GIFTCARD_REGION"`
	GiftCardPartnerID            string `mapstructure:"GIFTCARD_PARTNER_ID"`
	GiftCardAccessKeyID          string `mapstructure:"GIFTCARD_ACCESS_KEY_ID"`
	GiftCardSecretAccessKey      string `mapstructure:"GIFTCARD_SECRET_ACCESS_KEY"`
	RewardLinkBaseURL            string `mapstructure:"REWARDLINK_BASE_URL"`
	RewardLinkAPIKey             string `mapstructure:"REWARDLINK_API_KEY"`
	RewardLinkFundingSourceID    string `mapstructure:"REWARDLINK_FUNDING_SOURCE_ID"`
	RewardLinkCampaignID         string `mapstructure:"REWARDLINK_CAMPAIGN_ID"`
	SandboxRewardDBPath          string `mapstructure:"SANDBOX_REWARD_DB_PATH"`
	CharityBatchEnabled          bool   `mapstructure:"CHARITY_BATCH_ENABLED"`
	CharityBatchSchedule         string `mapstructure:"CHARITY_BATCH_SCHEDULE"`
	NotifyContributorsOnDonation bool   `mapstructure:"NOTIFY_CONTRIBUTORS_ON_DONATION"`
	ReceiptBaseURL               string `mapstructure:"RECEIPT_BASE_URL"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("RECEIPT_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("EVENTS_EXCHANGE", "giftpool.events")
	viper.SetDefault("BATCH_COMMAND_QUEUE", "settlement_service.charity_batches")
	viper.SetDefault("FEE_PERCENT", defaultFeePercent)
	viper.SetDefault("FEE_FLAT", defaultFeeFlat)
	viper.SetDefault("CURRENCY", "USD")
	viper.SetDefault("REWARD_PROVIDER_MODE", ProviderModeSandbox)
	viper.SetDefault("REWARD_PROVIDER_ORDER", "giftcard,rewardlink")
	viper.SetDefault("REWARD_TIMEOUT_SECONDS", 30)
	viper.SetDefault("REWARD_MIN_AMOUNT", defaultRewardMin)
	viper.SetDefault("REWARD_MAX_AMOUNT", defaultRewardMax)
	viper.SetDefault("GIFTCARD_REGION", "us-east-1")
	viper.SetDefault("SANDBOX_REWARD_DB_PATH", "sandbox_rewards.db")
	viper.SetDefault("CHARITY_BATCH_ENABLED", true)
	viper.SetDefault("CHARITY_BATCH_SCHEDULE", "0 3 * * 1")
	viper.SetDefault("NOTIFY_CONTRIBUTORS_ON_DONATION", false)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RECEIPT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("BATCH_COMMAND_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("FEE_PERCENT")
	_ = viper.BindEnv("FEE_FLAT")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("REWARD_PROVIDER_MODE")
	_ = viper.BindEnv("REWARD_PROVIDER_ORDER")
	_ = viper.BindEnv("REWARD_TIMEOUT_SECONDS")
	_ = viper.BindEnv("REWARD_MIN_AMOUNT")
	_ = viper.BindEnv("REWARD_MAX_AMOUNT")
	_ = viper.BindEnv("GIFTCARD_ENDPOINT")
	_ = viper.BindEnv("GIFTCARD_REGION")
	_ = viper.BindEnv("GIFTCARD_PARTNER_ID")
	_ = viper.BindEnv("GIFTCARD_ACCESS_KEY_ID")
	_ = viper.BindEnv("GIFTCARD_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("REWARDLINK_BASE_URL")
	_ = viper.BindEnv("REWARDLINK_API_KEY")
	_ = viper.BindEnv("REWARDLINK_FUNDING_SOURCE_ID")
	_ = viper.BindEnv("REWARDLINK_CAMPAIGN_ID")
	_ = viper.BindEnv("SANDBOX_REWARD_DB_PATH")
	_ = viper.BindEnv("CHARITY_BATCH_ENABLED")
	_ = viper.BindEnv("CHARITY_BATCH_SCHEDULE")
	_ = viper.BindEnv("NOTIFY_CONTRIBUTORS_ON_DONATION")
	_ = viper.BindEnv("RECEIPT_BASE_URL")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SETTLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	if config.ReceiptRateLimitPerMinute <= 0 {
		config.ReceiptRateLimitPerMinute = 60
	}

	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = "USD"
	}

	config.RewardProviderMode = strings.ToLower(strings.TrimSpace(config.RewardProviderMode))
	if config.RewardProviderMode != ProviderModeLive && config.RewardProviderMode != ProviderModeSandbox {
		log.Printf("level=warn component=config msg=\"unknown reward provider mode; using sandbox\" mode=%q", config.RewardProviderMode)
		config.RewardProviderMode = ProviderModeSandbox
	}
	if config.RewardTimeoutSeconds <= 0 {
		config.RewardTimeoutSeconds = 30
	}

	config.FeePercent = normalizeFeePercent(config.FeePercent)
	config.FeeFlat = normalizeAmount("FEE_FLAT", config.FeeFlat, defaultFeeFlat)
	config.RewardMinAmount = normalizeAmount("REWARD_MIN_AMOUNT", config.RewardMinAmount, defaultRewardMin)
	config.RewardMaxAmount = normalizeAmount("REWARD_MAX_AMOUNT", config.RewardMaxAmount, defaultRewardMax)

	config.ReceiptBaseURL = strings.TrimSuffix(strings.TrimSpace(config.ReceiptBaseURL), "/")
	config.CharityBatchSchedule = strings.TrimSpace(config.CharityBatchSchedule)

	return
}

// normalizeFeePercent accepts a fraction (0.029) or whole percentage points (2.9).
func normalizeFeePercent(raw string) string {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid FEE_PERCENT; using default\" value=%q err=%v", raw, err)
		return defaultFeePercent
	}
	if value.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative fee percent configured; coercing to zero\" value=%q", raw)
		return "0"
	}
	if value.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		value = value.Shift(-2)
		if value.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			log.Printf("level=warn component=config msg=\"fee percent too high; using default\" value=%q", raw)
			return defaultFeePercent
		}
	}
	return value.String()
}

func normalizeAmount(key, raw, fallback string) string {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid amount setting; using default\" key=%s value=%q err=%v", key, raw, err)
		return fallback
	}
	if value.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative amount setting; coercing to zero\" key=%s value=%q", key, raw)
		return "0"
	}
	return value.String()
}

// Fees returns the processor fee model as decimals.
func (c Config) Fees() (percent, flat decimal.Decimal) {
	return parseOr(c.FeePercent, defaultFeePercent), parseOr(c.FeeFlat, defaultFeeFlat)
}

// RewardLimits returns the reward amount bounds as decimals.
func (c Config) RewardLimits() (minAmount, maxAmount decimal.Decimal) {
	return parseOr(c.RewardMinAmount, defaultRewardMin), parseOr(c.RewardMaxAmount, defaultRewardMax)
}

func parseOr(raw, fallback string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return value
}

// ProviderOrder returns the configured provider names in order, lowercased
// and without duplicates.
func (c Config) ProviderOrder() []string {
	var order []string
	seen := make(map[string]bool)
	for _, name := range strings.Split(c.RewardProviderOrder, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}
	return order
}
